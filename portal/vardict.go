package portal

import (
	"fmt"
	"sort"

	"github.com/godbus/dbus/v5"
)

// --- Variant extraction helpers ---

// MapString extracts a string from an options map by key.
func MapString(opts Vardict, key string) string {
	s, _ := MapStringOK(opts, key)
	return s
}

func MapStringOK(opts Vardict, key string) (string, bool) {
	v, ok := opts[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

// MapBool extracts a bool from an options map by key.
func MapBool(opts Vardict, key string) bool {
	b, _ := MapBoolOK(opts, key)
	return b
}

// MapBoolOK extracts a bool from an options map by key, with existence check.
func MapBoolOK(opts Vardict, key string) (bool, bool) {
	v, ok := opts[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

// MapUint32 extracts a uint32 from an options map by key.
func MapUint32(opts Vardict, key string) uint32 {
	u, _ := MapUint32OK(opts, key)
	return u
}

func MapUint32OK(opts Vardict, key string) (uint32, bool) {
	v, ok := opts[key]
	if !ok {
		return 0, false
	}
	u, ok := v.Value().(uint32)
	return u, ok
}

// MapObjectPath accepts both "o" and "s" encodings of a handle.
func MapObjectPath(opts Vardict, key string) (dbus.ObjectPath, bool) {
	v, ok := opts[key]
	if !ok {
		return "", false
	}
	switch p := v.Value().(type) {
	case dbus.ObjectPath:
		return p, p.IsValid()
	case string:
		return dbus.ObjectPath(p), dbus.ObjectPath(p).IsValid()
	default:
		return "", false
	}
}

// MapStore converts the value under key into dest using godbus' conversion
// rules. It reports false when the key is absent.
func MapStore(opts Vardict, key string, dest interface{}) (bool, error) {
	v, ok := opts[key]
	if !ok {
		return false, nil
	}
	if err := v.Store(dest); err != nil {
		return true, fmt.Errorf("%s: %w", key, err)
	}
	return true, nil
}

// Keys returns the sorted keys of a string-keyed map (useful for debug logging).
func Keys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
