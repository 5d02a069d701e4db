// Package dbusnotify delivers alerts as desktop notifications through
// the org.freedesktop.Notifications service on the session bus.
// Posting an alert id that is already on screen reuses its server id,
// so the notification is replaced in place rather than stacked.
package dbusnotify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"appnotifier/internal/eventbus"
	"appnotifier/internal/notify"
	logx "appnotifier/pkg/logx"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"

	callNotify = busName + ".Notify"
	callClose  = busName + ".CloseNotification"

	sigActionInvoked      = busName + ".ActionInvoked"
	sigNotificationClosed = busName + ".NotificationClosed"

	// Closed-reason code for "dismissed by the user" per the
	// Desktop Notifications Specification.
	reasonDismissed = 2

	appName = "appnotifier"
)

// Sink posts alerts to the desktop notification service and turns its
// ActionInvoked / NotificationClosed signals into bus feedback.
type Sink struct {
	log  logx.Logger
	conn *dbus.Conn
	obj  dbus.BusObject
	bus  eventbus.Bus

	mu      sync.Mutex
	byAlert map[string]uint32 // alert id -> server notification id
	byNotif map[uint32]string
}

func New(bus eventbus.Bus, log logx.Logger) (*Sink, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		log:     log,
		conn:    conn,
		obj:     conn.Object(busName, objectPath),
		bus:     bus,
		byAlert: map[string]uint32{},
		byNotif: map[uint32]string{},
	}, nil
}

// Start subscribes to the service's click/close signals and pumps them
// onto the feedback bus until ctx is done.
func (s *Sink) Start(ctx context.Context) error {
	if err := s.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface(busName),
		dbus.WithMatchObjectPath(objectPath),
	); err != nil {
		return fmt.Errorf("subscribe notification signals: %w", err)
	}

	ch := make(chan *dbus.Signal, 32)
	s.conn.Signal(ch)

	go func() {
		defer s.conn.RemoveSignal(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				s.handleSignal(sig)
			}
		}
	}()
	return nil
}

func (s *Sink) handleSignal(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case sigActionInvoked:
		if len(sig.Body) < 2 {
			return
		}
		notifID, ok1 := sig.Body[0].(uint32)
		action, ok2 := sig.Body[1].(string)
		if !ok1 || !ok2 || action != "default" {
			return
		}
		if alertID, ok := s.lookup(notifID); ok {
			eventbus.PublishFeedback(s.bus, eventbus.TypeAlertClicked, alertID)
		}
	case sigNotificationClosed:
		if len(sig.Body) < 2 {
			return
		}
		notifID, ok1 := sig.Body[0].(uint32)
		reason, ok2 := sig.Body[1].(uint32)
		if !ok1 || !ok2 {
			return
		}
		alertID, ok := s.forget(notifID)
		if ok && reason == reasonDismissed {
			eventbus.PublishFeedback(s.bus, eventbus.TypeAlertDismissed, alertID)
		}
	}
}

func (s *Sink) Post(ctx context.Context, id string, c notify.Content) error {
	s.mu.Lock()
	replaces := s.byAlert[id]
	s.mu.Unlock()

	body := c.Body
	if len(c.Lines) > 0 {
		body = strings.Join(c.Lines, "\n")
	}

	hints := map[string]dbus.Variant{}
	if c.IconPath != "" {
		hints["image-path"] = dbus.MakeVariant(c.IconPath)
	}
	if c.Group != "" {
		// Stacking hint understood by GNOME and KDE; harmless elsewhere.
		hints["x-dunst-stack-tag"] = dbus.MakeVariant(c.Group)
		hints["desktop-entry"] = dbus.MakeVariant(appName)
	}

	actions := []string{"default", "Open"}

	var notifID uint32
	call := s.obj.CallWithContext(ctx, callNotify, 0,
		appName, replaces, "", c.Title, body, actions, hints, int32(-1))
	if err := call.Store(&notifID); err != nil {
		return fmt.Errorf("notify call: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.byAlert[id]; ok && old != notifID {
		delete(s.byNotif, old)
	}
	s.byAlert[id] = notifID
	s.byNotif[notifID] = id
	s.mu.Unlock()
	return nil
}

func (s *Sink) Withdraw(ctx context.Context, id string) error {
	s.mu.Lock()
	notifID, ok := s.byAlert[id]
	if ok {
		delete(s.byAlert, id)
		delete(s.byNotif, notifID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.obj.CallWithContext(ctx, callClose, 0, notifID).Err
}

func (s *Sink) Active(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byAlert))
	for id := range s.byAlert {
		out = append(out, id)
	}
	return out, nil
}

func (s *Sink) lookup(notifID uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNotif[notifID]
	return id, ok
}

// forget drops the mapping for a closed notification and returns the
// alert id it carried.
func (s *Sink) forget(notifID uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNotif[notifID]
	if ok {
		delete(s.byNotif, notifID)
		delete(s.byAlert, id)
	}
	return id, ok
}
