package portal

import "fmt"

// Outputs describes a screen-cast source selection.
type Outputs struct {
	Types    SourceType
	Multiple bool
	Cursor   CursorMode
}

// Descriptor is the capability set a client asks for. Which fields apply
// depends on Kind: Devices and Outputs for remote desktop, Outputs for
// screen cast, Capabilities and Barriers for input capture.
type Descriptor struct {
	Kind         Kind
	Devices      DeviceType
	Outputs      *Outputs
	Capabilities Capability
	Barriers     []Barrier
	Persist      PersistMode
	RestoreToken string
}

func (d Descriptor) Validate() error {
	if d.Devices&^AllDevices != 0 {
		return fmt.Errorf("devices %#x: %w", uint32(d.Devices), ErrInvalidRequest)
	}
	if d.Persist > PersistPermanent {
		return fmt.Errorf("persist mode %d: %w", uint32(d.Persist), ErrInvalidRequest)
	}
	switch d.Kind {
	case KindRemoteDesktop:
		if d.Capabilities != 0 || len(d.Barriers) > 0 {
			return fmt.Errorf("remote desktop takes no capabilities or barriers: %w", ErrInvalidRequest)
		}
	case KindScreenCast:
		if d.Outputs == nil {
			return fmt.Errorf("screen cast needs outputs: %w", ErrInvalidRequest)
		}
		if d.Devices != 0 {
			return fmt.Errorf("screen cast takes no devices: %w", ErrInvalidRequest)
		}
	case KindInputCapture:
		if d.Capabilities == 0 {
			return fmt.Errorf("input capture needs capabilities: %w", ErrInvalidRequest)
		}
		if d.Devices != 0 || d.Outputs != nil {
			return fmt.Errorf("input capture takes no devices or outputs: %w", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("kind %d: %w", int(d.Kind), ErrInvalidRequest)
	}
	if d.Outputs != nil && d.Outputs.Types&^AllSources != 0 {
		return fmt.Errorf("source types %#x: %w", uint32(d.Outputs.Types), ErrInvalidRequest)
	}
	return nil
}
