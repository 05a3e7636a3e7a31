package client

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/logger"
	"github.com/b0bbywan/go-odio-portal/portal"
)

// WallpaperOptions are the optional arguments of SetWallpaperURI. An empty
// SetOn lets the portal decide.
type WallpaperOptions struct {
	ShowPreview bool
	SetOn       string
}

// SetWallpaperURI asks for uri to become the wallpaper and waits for the answer.
func (p *Portal) SetWallpaperURI(ctx context.Context, parent, uri string, o WallpaperOptions) error {
	const op = "SetWallpaperURI"
	req, tok := p.newRequest(op)
	opts := portal.Vardict{
		portal.KeyHandleToken: dbus.MakeVariant(tok),
		portal.KeyShowPreview: dbus.MakeVariant(o.ShowPreview),
	}
	if o.SetOn != "" {
		opts[portal.KeySetOn] = dbus.MakeVariant(o.SetOn)
	}
	v, err := p.conn.Property(ctx, portal.WallpaperInterface, portal.PropertyVersion)
	version, _ := v.Value().(uint32)
	if err != nil {
		logger.Debug("[client] %s version unreadable: %v", portal.WallpaperInterface, err)
	}
	opts, _ = portal.WallpaperOptions.Filter(version, opts)

	if _, err := p.submit(ctx, req, portal.ObjectPath, portal.WallpaperInterface+"."+op, parent, uri, opts); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AddNotification posts or replaces notification id. The content is passed
// through unchecked.
func (p *Portal) AddNotification(ctx context.Context, id string, content portal.Vardict) error {
	if content == nil {
		content = portal.Vardict{}
	}
	if _, err := p.conn.Call(ctx, portal.ObjectPath, portal.NotificationInterface+".AddNotification", id, content); err != nil {
		return fmt.Errorf("AddNotification: %w", err)
	}
	return nil
}

func (p *Portal) RemoveNotification(ctx context.Context, id string) error {
	if _, err := p.conn.Call(ctx, portal.ObjectPath, portal.NotificationInterface+".RemoveNotification", id); err != nil {
		return fmt.Errorf("RemoveNotification: %w", err)
	}
	return nil
}
