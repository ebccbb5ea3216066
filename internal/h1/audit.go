package h1

import (
	"strconv"
	"strings"
	"time"
)

// Audit describes one completed request. It is a plain value with no
// references back into the connection.
type Audit struct {
	Connection         uint64
	Time               time.Time
	Address            string
	Command            string
	Agent              string
	Result             string
	User               string
	Status             int
	Bytes              int
	Sent               int
	Requests           int
	RequestDuration    time.Duration
	ConnectionDuration time.Duration
}

// Auditor receives audit records. Record must not block.
type Auditor interface {
	Record(a Audit)
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(a Audit)

// Record calls f(a).
func (f AuditorFunc) Record(a Audit) {
	f(a)
}

// String renders the record in Combined Log Format.
func (a Audit) String() string {
	var b strings.Builder
	b.Grow(128)
	b.WriteString(dash(a.Address))
	b.WriteString(" - ")
	b.WriteString(dash(a.User))
	b.WriteString(" [")
	b.WriteString(a.Time.Format("02/Jan/2006:15:04:05 -0700"))
	b.WriteString("] \"")
	b.WriteString(a.Command)
	b.WriteString("\" ")
	if a.Status > 0 {
		b.WriteString(strconv.Itoa(a.Status))
	} else {
		b.WriteByte('-')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(a.Sent))
	b.WriteString(" \"-\" \"")
	b.WriteString(a.Agent)
	b.WriteByte('"')
	return b.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
