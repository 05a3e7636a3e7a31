package portal

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// SenderToken turns a unique bus name into the path element used for
// request and session handles: ":1.42" becomes "1_42".
func SenderToken(sender string) string {
	return strings.ReplaceAll(strings.TrimPrefix(sender, ":"), ".", "_")
}

// RequestPath predicts the handle the broker allocates for (sender, token).
func RequestPath(sender, token string) dbus.ObjectPath {
	return dbus.ObjectPath(requestRoot + "/" + SenderToken(sender) + "/" + token)
}

// SessionPath predicts the session handle for (sender, token).
func SessionPath(sender, token string) dbus.ObjectPath {
	return dbus.ObjectPath(sessionRoot + "/" + SenderToken(sender) + "/" + token)
}

// IsRequestPath reports whether path lives under the request root.
func IsRequestPath(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), requestRoot+"/")
}

// IsSessionPath reports whether path lives under the session root.
func IsSessionPath(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), sessionRoot+"/")
}

// RequestRoot and SessionRoot are the subtrees the broker exports.
func RequestRoot() dbus.ObjectPath { return dbus.ObjectPath(requestRoot) }
func SessionRoot() dbus.ObjectPath { return dbus.ObjectPath(sessionRoot) }

// ValidToken reports whether s can be used as the last element of an object path.
func ValidToken(s string) bool {
	if s == "" || len(s) > 255 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

// Counter hands out monotonically increasing tokens. Each broker owns one.
type Counter struct {
	prefix string
	n      atomic.Uint64
}

func NewCounter(prefix string) *Counter {
	return &Counter{prefix: prefix}
}

func (c *Counter) Next() string {
	return fmt.Sprintf("%s%d", c.prefix, c.n.Add(1))
}
