package events

import "testing"

func TestFilterTypes_Nil(t *testing.T) {
	if FilterTypes(nil) != nil {
		t.Error("FilterTypes(nil) should return nil")
	}
	if FilterTypes([]string{}) != nil {
		t.Error("FilterTypes([]) should return nil")
	}
}

func TestFilterTypes_Match(t *testing.T) {
	f := FilterTypes([]string{TypeSessionCreated, TypeSessionClosed})
	if f == nil {
		t.Fatal("expected non-nil filter")
	}
	if !f(Event{Type: TypeSessionCreated}) {
		t.Errorf("filter should pass %s", TypeSessionCreated)
	}
	if !f(Event{Type: TypeSessionClosed}) {
		t.Errorf("filter should pass %s", TypeSessionClosed)
	}
	if f(Event{Type: TypeActivated}) {
		t.Errorf("filter should block %s", TypeActivated)
	}
}

func TestFilterGroup_Unknown(t *testing.T) {
	if FilterGroup([]string{"unknown"}) != nil {
		t.Error("FilterGroup with unknown names should return nil (pass-all)")
	}
	if FilterGroup(nil) != nil {
		t.Error("FilterGroup(nil) should return nil")
	}
}

func TestFilterGroup_InputCapture(t *testing.T) {
	f := FilterGroup([]string{"inputcapture"})
	if f == nil {
		t.Fatal("expected non-nil filter for inputcapture")
	}
	for _, typ := range GroupTypes["inputcapture"] {
		if !f(Event{Type: typ}) {
			t.Errorf("inputcapture filter should pass %s", typ)
		}
	}
	if f(Event{Type: TypeInputNotify}) {
		t.Error("inputcapture filter should block input.notify")
	}
}

func TestNewFilter_Exclude(t *testing.T) {
	f := NewFilter(nil, []string{TypeInputNotify})
	if f == nil {
		t.Fatal("expected non-nil filter")
	}
	if f(Event{Type: TypeInputNotify}) {
		t.Error("excluded type should be blocked")
	}
	if !f(Event{Type: TypeSessionState}) {
		t.Error("non-excluded type should pass with empty include list")
	}
}

func TestGroupTypes_Completeness(t *testing.T) {
	all := []string{
		TypeSessionCreated, TypeSessionState, TypeSessionClosed, TypeHandoff,
		TypeRequestCompleted, TypeRequestCancelled, TypeInputNotify,
		TypeActivated, TypeDeactivated, TypeDisabled, TypeZonesChanged,
		TypeNotificationAdded, TypeNotificationRemoved, TypeActionInvoked,
		TypeWallpaperSet,
	}
	covered := make(map[string]bool)
	for _, types := range GroupTypes {
		for _, t := range types {
			covered[t] = true
		}
	}
	for _, typ := range all {
		if !covered[typ] {
			t.Errorf("event type %q is not covered by any group in GroupTypes", typ)
		}
	}
}
