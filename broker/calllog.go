package broker

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/portal"
)

// callLog keeps the most recent calls in a ring.
type callLog struct {
	mu      sync.Mutex
	entries []Call
	next    int
	full    bool
}

func newCallLog(size int) *callLog {
	if size <= 0 {
		size = 256
	}
	return &callLog{entries: make([]Call, size)}
}

func (l *callLog) add(c Call) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = c
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// list returns the calls oldest first, keeping only method when it is set.
func (l *callLog) list(method string) []Call {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []Call
	if l.full {
		ordered = append(ordered, l.entries[l.next:]...)
	}
	ordered = append(ordered, l.entries[:l.next]...)

	out := make([]Call, 0, len(ordered))
	for _, c := range ordered {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// record logs a verb invocation. The returned func stores the outcome.
func (b *Broker) record(sender, iface, method string, handle dbus.ObjectPath, opts portal.Vardict) func(error) {
	c := Call{
		Time:      time.Now(),
		Sender:    sender,
		Interface: iface,
		Method:    method,
		Handle:    string(handle),
		Options:   portal.Keys(opts),
	}
	return func(err error) {
		if err != nil {
			c.Err = err.Error()
		}
		b.calls.add(c)
	}
}

// Calls returns the logged calls of method, or every call when method is empty.
func (b *Broker) Calls(method string) []Call {
	return b.calls.list(method)
}
