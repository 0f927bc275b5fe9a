package dispatch

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
	"github.com/ent0n29/umportal/internal/task"
)

// Core operations have no module.
var (
	OpIdentify     = task.Op{Name: "identify"}
	OpLogout       = task.Op{Name: "logout"}
	OpDeliveryMode = task.Op{Name: "delivery_mode"}
)

func (d *Dispatcher) registerCore() {
	d.Register(OpIdentify, d.identify, nil)
	d.Register(OpLogout, d.logout, LoggedIn)
	d.Register(OpDeliveryMode, d.deliveryMode, LoggedIn)
}

func (d *Dispatcher) identify(ctx context.Context, hc *Context) error {
	key := strings.TrimSpace(hc.Payload.String("key"))
	u, err := d.store.UserByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !u.Active) {
		d.logger.Info("identify rejected", "conn_id", hc.Conn.ID)
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}

	d.Rollback(ctx, hc.Conn)
	hc.Conn.Reset()
	hc.Conn.SetIdentity(session.Identity{UserID: u.ID, Username: u.Username, Admin: u.Admin})
	d.logger.Info("connection identified", "conn_id", hc.Conn.ID, "user_id", u.ID)
	hc.Push(protocol.Push{Task: protocol.PushIdentified, Username: u.Username})

	if d.landing.IsZero() {
		return nil
	}
	return d.invoke(ctx, hc.Conn, d.landing, nil, nil, false)
}

func (d *Dispatcher) logout(ctx context.Context, hc *Context) error {
	d.logger.Info("connection logged out", "conn_id", hc.Conn.ID, "user_id", hc.UserID())
	d.Rollback(ctx, hc.Conn)
	hc.Conn.Reset()
	hc.Push(protocol.Content(""))
	return nil
}

func (d *Dispatcher) deliveryMode(_ context.Context, hc *Context) error {
	mode := session.DeliveryMode(strings.TrimSpace(hc.Payload.String("mode")))
	if !mode.Valid() {
		return Invalid("mode", "Choose inject, notify or reload.")
	}
	hc.Conn.SetDeliveryPreference(mode)
	if hc.Conn.DeliveryMode() != session.DeliveryNotify {
		hc.Conn.SetDeliveryMode(mode)
	}
	hc.Banner(protocol.LevelInfo, "Delivery preference saved.")
	return nil
}
