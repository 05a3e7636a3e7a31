package broker

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/cache"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/portal"
	"github.com/b0bbywan/go-odio-portal/tokenstore"
)

// Emitter delivers a signal to a single peer. name is "interface.member".
type Emitter interface {
	Emit(dest string, path dbus.ObjectPath, name string, body ...interface{}) error
}

// Broker is the server-side authority over portal requests and sessions.
// Verbs for one session are serialized by that session's actor lock.
type Broker struct {
	OnViolation func(error)

	mu         sync.Mutex
	cfg        *config.BrokerConfig
	emitter    Emitter
	requests   map[dbus.ObjectPath]*pendingRequest
	sessions   map[dbus.ObjectPath]*session
	tombstones *cache.Cache[*session]
	notes      map[string]map[string]portal.Vardict

	tokens      tokenstore.Store
	counter     *portal.Counter
	activations atomic.Uint32
	sched       *portal.Scheduler
	calls       *callLog

	evMu     sync.RWMutex
	eventsC  chan events.Event
	evClosed bool
}

type pendingRequest struct {
	req      *portal.Request
	sess     *session
	onCancel func()
}

// session is the broker's authoritative copy. Fields below the embedded
// state are only touched under the actor lock.
type session struct {
	*portal.Session
	announced atomic.Bool

	devices  portal.DeviceType
	outputs  *portal.Outputs
	persist  portal.PersistMode
	restored *tokenstore.Record

	capabilities portal.Capability
	zoneSet      uint32
	zones        []portal.Region
	barriers     map[uint32]portal.Barrier
	zonesArmed   bool
	enabled      bool
	signalTasks  []*portal.Task

	// local is the broker's end of the handoff socket pair.
	local *os.File
}

// Call is one entry of the call log.
type Call struct {
	Time      time.Time `json:"time"`
	Sender    string    `json:"sender"`
	Interface string    `json:"interface"`
	Method    string    `json:"method"`
	Handle    string    `json:"handle,omitempty"`
	Options   []string  `json:"options,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// ZonesInfo is a snapshot of an input capture session's zones and barriers.
type ZonesInfo struct {
	Handle   string          `json:"handle"`
	ZoneSet  uint32          `json:"zone_set"`
	Zones    []portal.Region `json:"zones"`
	Barriers []uint32        `json:"barriers"`
	Enabled  bool            `json:"enabled"`
}

// ServerInfo describes the enabled portals and their versions.
type ServerInfo struct {
	Portals  map[string]uint32 `json:"portals"`
	Sessions int               `json:"sessions"`
	Requests int               `json:"requests"`
}
