package date

import (
	"testing"
	"time"
)

func TestCurrent_WithoutTicker(t *testing.T) {
	v := Current()
	if _, err := time.Parse(Layout, string(v)); err != nil {
		t.Errorf("Expected parseable date, got %q: %v", v, err)
	}
}

func TestStartTicker_SharedStop(t *testing.T) {
	stop1 := StartTicker()
	stop2 := StartTicker()

	mu.Lock()
	n := users
	mu.Unlock()
	if n != 2 {
		t.Errorf("Expected 2 users, got %d", n)
	}

	stop1()
	stop1() // second call is a no-op

	mu.Lock()
	running := stop != nil
	mu.Unlock()
	if !running {
		t.Error("Expected ticker to keep running while a user remains")
	}

	stop2()

	mu.Lock()
	defer mu.Unlock()
	if users != 0 || stop != nil {
		t.Errorf("Expected ticker stopped, got users=%d", users)
	}
}

func TestCurrent_IsGMT(t *testing.T) {
	stop := StartTicker()
	defer stop()

	v := string(Current())
	if len(v) < 3 || v[len(v)-3:] != "GMT" {
		t.Errorf("Expected GMT suffix, got %q", v)
	}
}
