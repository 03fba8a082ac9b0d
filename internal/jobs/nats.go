package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"snapbridge/internal/bridge"
)

// StreamName is the JetStream stream holding submitted jobs.
const StreamName = "SNAPBRIDGE_JOBS"

// duplicateWindow is how long JetStream remembers message IDs, so a job for
// the same entity submitted twice within it is stored once.
const duplicateWindow = 2 * time.Minute

// Connect opens a NATS connection that keeps reconnecting.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}

// JobSubject is the subject jobs of kind are published on.
func JobSubject(prefix string, kind bridge.JobKind) string {
	return prefix + ".jobs." + string(kind)
}

// JobMessage is the payload of a submitted job.
type JobMessage struct {
	Kind          bridge.JobKind `json:"kind"`
	ID            string         `json:"id"`
	SubmittedAt   time.Time      `json:"submittedAt"`
	CorrelationID string         `json:"correlationId"`
}

// NATSGateway submits jobs to a JetStream work queue consumed by the
// transfer engine.
type NATSGateway struct {
	js     nats.JetStreamContext
	prefix string
	clock  bridge.Clock
}

var _ bridge.JobGateway = (*NATSGateway)(nil)

// NewNATSGateway creates the job stream when it does not exist yet.
func NewNATSGateway(nc *nats.Conn, prefix string, clock bridge.Clock) (*NATSGateway, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	if err := ensureStream(js, prefix); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = bridge.RealClock{}
	}
	return &NATSGateway{js: js, prefix: prefix, clock: clock}, nil
}

func ensureStream(js nats.JetStreamContext, prefix string) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %s: %w", StreamName, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{prefix + ".jobs.*"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Duplicates: duplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}
	return nil
}

func (g *NATSGateway) Submit(ctx context.Context, kind bridge.JobKind, id string) error {
	msg := JobMessage{
		Kind:          kind,
		ID:            id,
		SubmittedAt:   g.clock.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	_, err = g.js.Publish(JobSubject(g.prefix, kind), b,
		nats.MsgId(string(kind)+":"+id),
		nats.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("publishing %s job %s: %w", kind, id, err)
	}
	return nil
}
