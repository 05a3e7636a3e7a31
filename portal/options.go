package portal

import "sort"

// Option is one key of a verb's option map and the interface version that introduced it.
type Option struct {
	Key   string
	Since uint32
}

// OptionSet is the version-gated option schema of a single verb.
type OptionSet struct {
	Verb    string
	options map[string]uint32
}

func NewOptionSet(verb string, opts ...Option) OptionSet {
	m := make(map[string]uint32, len(opts))
	for _, o := range opts {
		m[o.Key] = o.Since
	}
	return OptionSet{Verb: verb, options: m}
}

// effectiveVersion treats an unknown version as the oldest one.
func effectiveVersion(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return v
}

// Allowed reports whether key may be sent or read at version.
func (s OptionSet) Allowed(key string, version uint32) bool {
	since, ok := s.options[key]
	return ok && since <= effectiveVersion(version)
}

// Filter copies the entries of in that are defined at version.
// The dropped keys are returned sorted, for logging.
func (s OptionSet) Filter(version uint32, in Vardict) (Vardict, []string) {
	out := make(Vardict, len(in))
	var dropped []string
	for k, v := range in {
		if s.Allowed(k, version) {
			out[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}
	sort.Strings(dropped)
	return out, dropped
}

// Keys lists the keys defined at version, sorted.
func (s OptionSet) Keys(version uint32) []string {
	var keys []string
	for k := range s.options {
		if s.Allowed(k, version) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

var (
	CreateSessionOptions = NewOptionSet("CreateSession",
		Option{KeyHandleToken, 1},
		Option{KeySessionHandleToken, 1},
	)
	InputCaptureCreateOptions = NewOptionSet("CreateSession",
		Option{KeyHandleToken, 1},
		Option{KeySessionHandleToken, 1},
		Option{KeyCapabilities, 1},
	)
	SelectDevicesOptions = NewOptionSet("SelectDevices",
		Option{KeyHandleToken, 1},
		Option{KeyTypes, 1},
		Option{KeyPersistMode, 2},
		Option{KeyRestoreToken, 2},
	)
	SelectSourcesOptions = NewOptionSet("SelectSources",
		Option{KeyHandleToken, 1},
		Option{KeyTypes, 1},
		Option{KeyMultiple, 1},
		Option{KeyCursorMode, 2},
		Option{KeyPersistMode, 4},
		Option{KeyRestoreToken, 4},
	)
	StartOptions = NewOptionSet("Start",
		Option{KeyHandleToken, 1},
	)
	GetZonesOptions = NewOptionSet("GetZones",
		Option{KeyHandleToken, 1},
	)
	SetPointerBarriersOptions = NewOptionSet("SetPointerBarriers",
		Option{KeyHandleToken, 1},
	)
	ReleaseOptions = NewOptionSet("Release",
		Option{KeyActivationID, 1},
		Option{KeyCursorPosition, 1},
	)
	PointerAxisOptions = NewOptionSet("NotifyPointerAxis",
		Option{KeyFinish, 1},
	)
	WallpaperOptions = NewOptionSet("SetWallpaperURI",
		Option{KeyHandleToken, 1},
		Option{KeyShowPreview, 1},
		Option{KeySetOn, 1},
	)
)
