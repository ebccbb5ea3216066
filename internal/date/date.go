// Package date provides the cached value of the HTTP Date response header.
package date

import (
	"sync"
	"sync/atomic"
	"time"
)

// Layout is the IMF-fixdate format required for HTTP dates.
const Layout = "Mon, 02 Jan 2006 15:04:05 GMT"

var (
	current atomic.Pointer[[]byte]

	mu    sync.Mutex
	users int
	stop  chan struct{}
)

// StartTicker refreshes the cached value twice a second until the returned
// function is called. Tickers are shared: the refresh goroutine runs while at
// least one caller has not stopped.
func StartTicker() func() {
	mu.Lock()
	defer mu.Unlock()

	update(time.Now())
	users++
	if users == 1 {
		stop = make(chan struct{})
		go run(stop)
	}

	var once sync.Once
	return func() {
		once.Do(release)
	}
}

func release() {
	mu.Lock()
	defer mu.Unlock()
	users--
	if users == 0 {
		close(stop)
		stop = nil
	}
}

func run(done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			update(now)
		case <-done:
			return
		}
	}
}

func update(now time.Time) {
	b := []byte(now.UTC().Format(Layout))
	current.Store(&b)
}

// Current returns the cached Date header value. The slice must not be modified.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(Layout))
}
