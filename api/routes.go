package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend"
	"github.com/b0bbywan/go-odio-portal/broker"
	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

type zonesRequest struct {
	Zones []portal.Region `json:"zones"`
}

type invokeRequest struct {
	Sender string `json:"sender"`
	ID     string `json:"id"`
	Action string `json:"action"`
}

func validateZones(req *zonesRequest) error {
	for _, z := range req.Zones {
		if z.Width == 0 || z.Height == 0 {
			return errors.New("zones must have a non-zero width and height")
		}
	}
	return nil
}

func validateInvoke(req *invokeRequest) error {
	if req.Sender == "" || req.ID == "" || req.Action == "" {
		return errors.New("sender, id and action are required")
	}
	return nil
}

// handleParam reads the ?handle= query parameter as an object path.
func handleParam(r *http.Request) (dbus.ObjectPath, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("handle"))
	if raw == "" {
		return "", errors.New("missing handle")
	}
	path := dbus.ObjectPath(raw)
	if !path.IsValid() {
		return "", errors.New("invalid handle")
	}
	return path, nil
}

// withHandle runs fn on the handle named in the query and answers 202.
func withHandle(fn func(dbus.ObjectPath) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle, err := handleParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fn(handle); err != nil {
			handlePortalError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) registerServerRoutes(b *backend.Backend) {
	s.mux.HandleFunc(
		"GET /server",
		JSONHandler(func(w http.ResponseWriter, r *http.Request) (any, error) {
			return b.GetServerDeviceInfo()
		}),
	)

	// SSE event stream
	if s.broadcaster != nil {
		s.mux.HandleFunc("GET /events", sseHandler(s.broadcaster))
		logger.Info("[api] SSE route registered at /events")
	}
}

func (s *Server) registerBrokerRoutes(b *broker.Broker) {
	s.mux.HandleFunc(
		"GET /sessions",
		JSONHandler(func(w http.ResponseWriter, r *http.Request) (any, error) {
			if raw := r.URL.Query().Get("handle"); raw != "" {
				return b.SessionInfo(dbus.ObjectPath(raw))
			}
			return b.Sessions(), nil
		}),
	)
	s.mux.HandleFunc(
		"POST /sessions/close",
		withHandle(b.CloseSessionRemote),
	)
	s.mux.HandleFunc(
		"GET /inputcapture/zones",
		JSONHandler(func(w http.ResponseWriter, r *http.Request) (any, error) {
			handle, err := handleParam(r)
			if err != nil {
				return nil, errors.Join(portal.ErrInvalidRequest, err)
			}
			return b.Zones(handle)
		}),
	)
	s.mux.HandleFunc(
		"POST /inputcapture/zones",
		withOptionalBody(validateZones, func(w http.ResponseWriter, r *http.Request, req *zonesRequest) {
			withHandle(func(handle dbus.ObjectPath) error {
				return b.ChangeZones(handle, req.Zones)
			})(w, r)
		}),
	)
	s.mux.HandleFunc(
		"GET /calls",
		JSONHandler(func(w http.ResponseWriter, r *http.Request) (any, error) {
			return b.Calls(r.URL.Query().Get("method")), nil
		}),
	)
	s.mux.HandleFunc(
		"GET /notifications",
		JSONHandler(func(w http.ResponseWriter, r *http.Request) (any, error) {
			sender := r.URL.Query().Get("sender")
			if sender == "" {
				return nil, errors.Join(portal.ErrInvalidRequest, errors.New("missing sender"))
			}
			return b.Notifications(sender), nil
		}),
	)
	s.mux.HandleFunc(
		"POST /notifications/invoke",
		withBody(validateInvoke, func(w http.ResponseWriter, r *http.Request, req *invokeRequest) {
			if err := b.InvokeAction(req.Sender, req.ID, req.Action, nil); err != nil {
				handlePortalError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		}),
	)
}
