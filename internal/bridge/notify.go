package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NotificationType selects the delivery channel of a notification.
type NotificationType string

const NotificationEmail NotificationType = "email"

// Notification events.
const (
	EventSnapshotComplete = "snapshot-complete"
	EventSnapshotFailed   = "snapshot-failed"
	EventRestoreRequested = "restore-requested"
	EventRestoreComplete  = "restore-complete"
	EventRestoreExpired   = "restore-expired"
)

// Notification is a message intent handed to a NotificationTransport.
type Notification struct {
	ID         string
	Type       NotificationType
	Event      string
	Subject    string
	Body       string
	Recipients []string
	CreatedAt  time.Time
}

// NotificationTransport delivers notification intents.
type NotificationTransport interface {
	Deliver(ctx context.Context, n *Notification) error
}

// Dispatcher builds notification intents and hands them to a transport.
// Delivery is best-effort: failures are logged and returned, and callers
// never reverse a transition because of them.
type Dispatcher struct {
	transport NotificationTransport
	operators []string
	logger    Logger
	clock     Clock
	idgen     IDGenerator
	observer  Observer
}

// NewDispatcher creates a Dispatcher that always copies the operators list.
func NewDispatcher(transport NotificationTransport, operators []string, logger Logger, clock Clock, idgen IDGenerator, observer Observer) *Dispatcher {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Dispatcher{
		transport: transport,
		operators: operators,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
		observer:  observer,
	}
}

// Build creates an email intent addressed to the operators, then extra, then
// user when present. Duplicate and blank addresses are dropped.
func (d *Dispatcher) Build(event, subject, body string, extra []string, user string) *Notification {
	var recipients []string
	seen := make(map[string]bool)
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		key := strings.ToLower(addr)
		if addr == "" || seen[key] {
			return
		}
		seen[key] = true
		recipients = append(recipients, addr)
	}
	for _, a := range d.operators {
		add(a)
	}
	for _, a := range extra {
		add(a)
	}
	add(user)

	return &Notification{
		ID:         d.idgen.New(),
		Type:       NotificationEmail,
		Event:      event,
		Subject:    subject,
		Body:       body,
		Recipients: recipients,
		CreatedAt:  d.clock.Now(),
	}
}

// Send delivers n.
func (d *Dispatcher) Send(ctx context.Context, n *Notification) error {
	if len(n.Recipients) == 0 {
		d.logger.Warn("notification has no recipients", "event", n.Event, "subject", n.Subject)
		return nil
	}
	err := d.transport.Deliver(ctx, n)
	d.observer.NotificationSent(n.Event, err)
	if err != nil {
		d.logger.Error("notification delivery failed", "event", n.Event, "subject", n.Subject, "error", err)
		return fmt.Errorf("delivering notification %s: %w", n.ID, err)
	}
	d.logger.Info("notification sent", "event", n.Event, "recipients", len(n.Recipients))
	return nil
}
