package client

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// Step is one negotiation verb with the options it will send. Options never
// hold a key the stamped interface version does not define.
type Step struct {
	Interface string
	Method    string
	Version   uint32
	Options   portal.Vardict
	Dropped   []string
}

// Negotiator turns a Descriptor into the ordered verbs that must complete
// before a session can start.
type Negotiator struct {
	desc     portal.Descriptor
	versions portal.Versions
}

func NewNegotiator(desc portal.Descriptor, versions portal.Versions) (*Negotiator, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &Negotiator{desc: desc, versions: versions}, nil
}

// Versions is the stamp the plan was built against.
func (n *Negotiator) Versions() portal.Versions {
	return n.versions
}

// Plan lists the applicable steps in the order they must run.
func (n *Negotiator) Plan() []Step {
	d := n.desc
	var steps []Step

	switch d.Kind {
	case portal.KindRemoteDesktop:
		persistOnDevices := d.Devices != 0
		if d.Devices != 0 {
			opts := portal.Vardict{portal.KeyTypes: dbus.MakeVariant(uint32(d.Devices))}
			n.persist(opts)
			steps = append(steps, n.step(portal.RemoteDesktopInterface, portal.SelectDevicesOptions, opts))
		}
		if d.Outputs != nil {
			opts := n.sources()
			if !persistOnDevices {
				n.persist(opts)
			}
			steps = append(steps, n.step(portal.ScreenCastInterface, portal.SelectSourcesOptions, opts))
		}
	case portal.KindScreenCast:
		opts := n.sources()
		n.persist(opts)
		steps = append(steps, n.step(portal.ScreenCastInterface, portal.SelectSourcesOptions, opts))
	case portal.KindInputCapture:
		steps = append(steps, n.step(portal.InputCaptureInterface, portal.GetZonesOptions, portal.Vardict{}))
		if len(d.Barriers) > 0 {
			steps = append(steps, n.step(portal.InputCaptureInterface, portal.SetPointerBarriersOptions, portal.Vardict{}))
		}
	}
	return steps
}

func (n *Negotiator) sources() portal.Vardict {
	out := n.desc.Outputs
	opts := portal.Vardict{
		portal.KeyTypes:    dbus.MakeVariant(uint32(out.Types)),
		portal.KeyMultiple: dbus.MakeVariant(out.Multiple),
	}
	if out.Cursor != 0 {
		opts[portal.KeyCursorMode] = dbus.MakeVariant(uint32(out.Cursor))
	}
	return opts
}

func (n *Negotiator) persist(opts portal.Vardict) {
	if n.desc.Persist != portal.PersistNone {
		opts[portal.KeyPersistMode] = dbus.MakeVariant(uint32(n.desc.Persist))
	}
	if n.desc.RestoreToken != "" {
		opts[portal.KeyRestoreToken] = dbus.MakeVariant(n.desc.RestoreToken)
	}
}

func (n *Negotiator) step(iface string, set portal.OptionSet, opts portal.Vardict) Step {
	v := n.versions.For(iface)
	filtered, dropped := set.Filter(v, opts)
	return Step{Interface: iface, Method: set.Verb, Version: v, Options: filtered, Dropped: dropped}
}

// stepRunner executes one step on a session.
type stepRunner interface {
	runStep(ctx context.Context, step Step) error
}

// Run executes the plan one step at a time. The first failing step stops the
// sequence; the steps already done are kept.
func (n *Negotiator) Run(ctx context.Context, r stepRunner) error {
	for _, step := range n.Plan() {
		if len(step.Dropped) > 0 {
			logger.Debug("[client] %s v%d: not sending %v", step.Method, step.Version, step.Dropped)
		}
		if err := r.runStep(ctx, step); err != nil {
			return fmt.Errorf("%s: %w", step.Method, err)
		}
	}
	return nil
}
