package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/b0bbywan/go-odio-portal/backend"
	"github.com/b0bbywan/go-odio-portal/events"
)

// runSSE serves one /events request until push has run and the stream
// has had time to flush, then returns the body.
func runSSE(t *testing.T, target string, push func(upstream chan<- events.Event)) *httptest.ResponseRecorder {
	t.Helper()
	upstream := make(chan events.Event, 4)
	b := backend.NewBroadcaster(context.Background(), upstream)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sseHandler(b)(w, req)
	}()

	// Give the handler a moment to subscribe and greet.
	time.Sleep(20 * time.Millisecond)
	if push != nil {
		push(upstream)
		time.Sleep(30 * time.Millisecond)
	}
	cancel()
	<-done
	return w
}

// TestSSEHandler_ContentType verifies GET /events returns 200 with text/event-stream.
func TestSSEHandler_ContentType(t *testing.T) {
	resp := runSSE(t, "/events", nil).Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected Content-Type text/event-stream, got %q", ct)
	}
}

// TestSSEHandler_ConnectedAndBye verifies the stream is framed by server.info events.
func TestSSEHandler_ConnectedAndBye(t *testing.T) {
	body := runSSE(t, "/events", nil).Body.String()
	if !strings.HasPrefix(body, "event: server.info\ndata: \"connected\"\n\n") {
		t.Errorf("expected a connected greeting first, got: %q", body)
	}
	if !strings.Contains(body, "data: \"bye\"") {
		t.Errorf("expected a bye on shutdown, got: %q", body)
	}
}

func TestSSEHandler_BadQuery(t *testing.T) {
	b := backend.NewBroadcaster(context.Background(), nil)

	for _, target := range []string{
		"/events?keepalive=5",
		"/events?keepalive=soon",
		"/events?exclude=server.info",
		"/events?group=players",
	} {
		w := httptest.NewRecorder()
		sseHandler(b)(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", target, w.Code)
		}
	}
}

// TestParseFilter_NoParams returns nil (pass-all) when no query params are given.
func TestParseFilter_NoParams(t *testing.T) {
	f, err := parseFilter(httptest.NewRequest(http.MethodGet, "/events", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != nil {
		t.Error("parseFilter with no params should return nil (pass-all)")
	}
}

// TestParseFilter_TypesParam verifies ?types= builds a type-based filter.
func TestParseFilter_TypesParam(t *testing.T) {
	f, err := parseFilter(httptest.NewRequest(http.MethodGet, "/events?types=session.created,session.closed", nil))
	if err != nil || f == nil {
		t.Fatalf("expected a filter, got err %v", err)
	}
	for _, typ := range []string{events.TypeSessionCreated, events.TypeSessionClosed, events.TypeServerInfo} {
		if !f(events.Event{Type: typ}) {
			t.Errorf("filter should pass %s", typ)
		}
	}
	if f(events.Event{Type: events.TypeInputNotify}) {
		t.Errorf("filter should block %s", events.TypeInputNotify)
	}
}

// TestParseFilter_GroupParam verifies ?group= expands to the group's types.
func TestParseFilter_GroupParam(t *testing.T) {
	f, err := parseFilter(httptest.NewRequest(http.MethodGet, "/events?group=inputcapture", nil))
	if err != nil || f == nil {
		t.Fatalf("expected a filter, got err %v", err)
	}
	if !f(events.Event{Type: events.TypeZonesChanged}) {
		t.Errorf("filter should pass %s", events.TypeZonesChanged)
	}
	if f(events.Event{Type: events.TypeWallpaperSet}) {
		t.Errorf("filter should block %s", events.TypeWallpaperSet)
	}
}

// TestParseFilter_Merged verifies ?types=, ?group= and ?exclude= combine.
func TestParseFilter_Merged(t *testing.T) {
	f, err := parseFilter(httptest.NewRequest(http.MethodGet, "/events?types=wallpaper.set&group=session&exclude=session.state", nil))
	if err != nil || f == nil {
		t.Fatalf("expected a filter, got err %v", err)
	}
	if !f(events.Event{Type: events.TypeWallpaperSet}) {
		t.Errorf("filter should pass %s (from types param)", events.TypeWallpaperSet)
	}
	if !f(events.Event{Type: events.TypeSessionClosed}) {
		t.Errorf("filter should pass %s (from group param)", events.TypeSessionClosed)
	}
	if f(events.Event{Type: events.TypeSessionState}) {
		t.Errorf("filter should block excluded %s", events.TypeSessionState)
	}
	if f(events.Event{Type: events.TypeRequestCompleted}) {
		t.Errorf("filter should block %s", events.TypeRequestCompleted)
	}
}

// TestSSEHandler_FilteredDelivery verifies that events not matching ?types= are not sent.
func TestSSEHandler_FilteredDelivery(t *testing.T) {
	body := runSSE(t, "/events?types=session.closed", func(upstream chan<- events.Event) {
		upstream <- events.Event{Type: events.TypeInputNotify, Data: events.InputData{Method: "NotifyPointerMotion"}}
		upstream <- events.Event{Type: events.TypeSessionClosed, Data: events.SessionData{Handle: "/h"}}
	}).Body.String()

	if strings.Contains(body, events.TypeInputNotify) {
		t.Errorf("%s should not appear when filter is session.closed only", events.TypeInputNotify)
	}
	if !strings.Contains(body, events.TypeSessionClosed) {
		t.Errorf("%s should appear in filtered SSE body, got: %q", events.TypeSessionClosed, body)
	}
}

// TestSSEHandler_EventDelivery verifies that an event pushed to the broadcaster
// appears in the SSE response body.
func TestSSEHandler_EventDelivery(t *testing.T) {
	body := runSSE(t, "/events", func(upstream chan<- events.Event) {
		upstream <- events.Event{Type: events.TypeSessionCreated, Data: events.SessionData{Handle: "/h", Kind: "ScreenCast"}}
	}).Body.String()

	scanner := bufio.NewScanner(strings.NewReader(body))
	found := false
	for scanner.Scan() {
		if scanner.Text() == "event: "+events.TypeSessionCreated {
			found = scanner.Scan() && strings.Contains(scanner.Text(), `"kind":"ScreenCast"`)
			break
		}
	}
	if !found {
		t.Errorf("expected a %s event with its data in SSE body, got: %q", events.TypeSessionCreated, body)
	}
}
