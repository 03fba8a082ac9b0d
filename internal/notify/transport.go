package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"snapbridge/internal/bridge"
)

// LogTransport writes notifications to the log instead of delivering them.
type LogTransport struct {
	logger bridge.Logger
}

var _ bridge.NotificationTransport = (*LogTransport)(nil)

func NewLogTransport(logger bridge.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Deliver(ctx context.Context, n *bridge.Notification) error {
	t.logger.Info("notification", "id", n.ID, "event", n.Event,
		"to", strings.Join(n.Recipients, ","), "subject", n.Subject, "body", n.Body)
	return nil
}

// MemoryTransport keeps delivered notifications in memory. Use in tests.
// Safe for concurrent use.
type MemoryTransport struct {
	mu        sync.Mutex
	delivered []*bridge.Notification

	// Fail, when set, is returned by Deliver and nothing is recorded.
	Fail error
}

var _ bridge.NotificationTransport = (*MemoryTransport)(nil)

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

func (t *MemoryTransport) Deliver(ctx context.Context, n *bridge.Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Fail != nil {
		return t.Fail
	}
	t.delivered = append(t.delivered, n)
	return nil
}

// Delivered returns the notifications delivered so far.
func (t *MemoryTransport) Delivered() []*bridge.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*bridge.Notification, len(t.delivered))
	copy(out, t.delivered)
	return out
}

// ByEvent returns the delivered notifications for event.
func (t *MemoryTransport) ByEvent(event string) []*bridge.Notification {
	var out []*bridge.Notification
	for _, n := range t.Delivered() {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

// Message is the wire form of a notification published to NATS. A mail
// relay subscribed to the subject performs the actual delivery.
type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Event      string    `json:"event"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Recipients []string  `json:"recipients"`
	CreatedAt  time.Time `json:"createdAt"`
}

const flushTimeout = 2 * time.Second

// NATSTransport publishes notifications on "<prefix>.notifications.<type>".
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
}

var _ bridge.NotificationTransport = (*NATSTransport)(nil)

func NewNATSTransport(nc *nats.Conn, prefix string) *NATSTransport {
	return &NATSTransport{nc: nc, prefix: prefix}
}

// Subject is the subject notifications of type typ are published on.
func Subject(prefix string, typ bridge.NotificationType) string {
	return prefix + ".notifications." + string(typ)
}

func (t *NATSTransport) Deliver(ctx context.Context, n *bridge.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(Message{
		ID:         n.ID,
		Type:       string(n.Type),
		Event:      n.Event,
		Subject:    n.Subject,
		Body:       n.Body,
		Recipients: n.Recipients,
		CreatedAt:  n.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	if err := t.nc.Publish(Subject(t.prefix, n.Type), b); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	if err := t.nc.FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("flushing notification: %w", err)
	}
	return nil
}
