package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
)

func testNotification(event string) *bridge.Notification {
	return &bridge.Notification{
		ID:         "n-1",
		Type:       bridge.NotificationEmail,
		Event:      event,
		Subject:    "Snapshot Complete: snap-1",
		Body:       "done",
		Recipients: []string{"ops@example.org", "user@example.org"},
		CreatedAt:  time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func TestMemoryTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("records deliveries", func(t *testing.T) {
		tr := NewMemoryTransport()
		if err := tr.Deliver(ctx, testNotification(bridge.EventSnapshotComplete)); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
		if err := tr.Deliver(ctx, testNotification(bridge.EventRestoreExpired)); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}

		if n := len(tr.Delivered()); n != 2 {
			t.Errorf("Delivered() = %d, want 2", n)
		}
		if n := len(tr.ByEvent(bridge.EventRestoreExpired)); n != 1 {
			t.Errorf("ByEvent() = %d, want 1", n)
		}
	})

	t.Run("injected failure", func(t *testing.T) {
		tr := NewMemoryTransport()
		tr.Fail = errors.New("smtp down")

		if err := tr.Deliver(ctx, testNotification(bridge.EventSnapshotFailed)); err == nil {
			t.Error("Deliver() expected error, got nil")
		}
		if n := len(tr.Delivered()); n != 0 {
			t.Errorf("Delivered() = %d, want 0", n)
		}
	})
}

func TestLogTransport(t *testing.T) {
	tr := NewLogTransport(bridge.NewNopLogger())
	if err := tr.Deliver(context.Background(), testNotification(bridge.EventSnapshotComplete)); err != nil {
		t.Errorf("Deliver() error = %v", err)
	}
}

func TestNewTransportFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		wantErr bool
	}{
		{"memory", "memory", false},
		{"log", "log", false},
		{"nats without connection", "nats", true},
		{"unknown", "fax", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewTransportFromConfig(config.NotifyConfig{Type: tt.typ}, nil, "snapbridge", bridge.NewNopLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTransportFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Error("NewTransportFromConfig() returned nil")
			}
		})
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("snapbridge", bridge.NotificationEmail); got != "snapbridge.notifications.email" {
		t.Errorf("Subject() = %q", got)
	}
}

// TestNATSTransport publishes to a live server named by
// SNAPBRIDGE_TEST_NATS_URL.
func TestNATSTransport(t *testing.T) {
	url := os.Getenv("SNAPBRIDGE_TEST_NATS_URL")
	if url == "" {
		t.Skip("SNAPBRIDGE_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats.Connect() error = %v", err)
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync(Subject("sbtest", bridge.NotificationEmail))
	if err != nil {
		t.Fatalf("SubscribeSync() error = %v", err)
	}
	tr := NewNATSTransport(nc, "sbtest")
	if err := tr.Deliver(context.Background(), testNotification(bridge.EventSnapshotComplete)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg() error = %v", err)
	}
	var got Message
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decoding message: %v", err)
	}
	if got.Event != bridge.EventSnapshotComplete || len(got.Recipients) != 2 {
		t.Errorf("message = %+v", got)
	}
}
