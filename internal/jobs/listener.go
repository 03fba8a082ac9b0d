package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"snapbridge/internal/bridge"
)

// SnapshotCallbacks are the snapshot operations the transfer engine reports
// progress through.
type SnapshotCallbacks interface {
	MarkStaged(ctx context.Context, id string, totalSizeInBytes int64) (*bridge.Snapshot, error)
	AddContentItem(ctx context.Context, snapshotID, contentID string, props bridge.Properties) error
	TransferToNodeComplete(ctx context.Context, id string) (*bridge.Snapshot, error)
	Fail(ctx context.Context, id, detail string) (*bridge.Snapshot, error)
}

// RestoreCallbacks are the restoration operations the node reports through.
type RestoreCallbacks interface {
	RestorationCompleted(ctx context.Context, id int64) (*bridge.Restoration, error)
}

// Reply answers a callback request.
type Reply struct {
	OK    bool   `json:"ok"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

type callbackPayload struct {
	SnapshotID       string            `json:"snapshotId"`
	TotalSizeInBytes int64             `json:"totalSizeInBytes"`
	ContentID        string            `json:"contentId"`
	Properties       map[string]string `json:"properties"`
	Detail           string            `json:"detail"`
	RestorationID    int64             `json:"restorationId"`
}

// Listener receives completion callbacks from NATS and applies them to the
// lifecycle managers.
type Listener struct {
	nc        *nats.Conn
	prefix    string
	queue     string
	snapshots SnapshotCallbacks
	restores  RestoreCallbacks
	logger    bridge.Logger
	validator *validator
}

func NewListener(nc *nats.Conn, prefix, queue string, snapshots SnapshotCallbacks, restores RestoreCallbacks, logger bridge.Logger) (*Listener, error) {
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = bridge.NewNopLogger()
	}
	return &Listener{
		nc:        nc,
		prefix:    prefix,
		queue:     queue,
		snapshots: snapshots,
		restores:  restores,
		logger:    logger,
		validator: v,
	}, nil
}

// CallbackSubject is the subject a callback of kind is sent on.
func CallbackSubject(prefix, kind string) string {
	return prefix + ".callbacks." + kind
}

// Run subscribes to every callback subject and handles messages until ctx
// is cancelled, then drains the subscription.
func (l *Listener) Run(ctx context.Context) error {
	// Messages delivered while draining still run to completion.
	hctx := context.WithoutCancel(ctx)
	sub, err := l.nc.QueueSubscribe(l.prefix+".callbacks.>", l.queue, func(msg *nats.Msg) {
		reply := l.handle(hctx, msg.Subject, msg.Data)
		if msg.Reply == "" {
			return
		}
		b, err := json.Marshal(reply)
		if err != nil {
			l.logger.Error("encoding callback reply", "subject", msg.Subject, "error", err)
			return
		}
		if err := msg.Respond(b); err != nil {
			l.logger.Warn("replying to callback", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to callbacks: %w", err)
	}
	l.logger.Info("callback listener started", "subject", sub.Subject, "queue", l.queue)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("draining callback subscription: %w", err)
	}
	l.logger.Info("callback listener stopped")
	return nil
}

func (l *Listener) handle(ctx context.Context, subject string, data []byte) Reply {
	kind, ok := strings.CutPrefix(subject, l.prefix+".callbacks.")
	if !ok {
		return l.reject(subject, fmt.Errorf("%w: unexpected subject %q", bridge.ErrInvalidRequest, subject))
	}
	if err := l.validator.validate(kind, data); err != nil {
		return l.reject(subject, fmt.Errorf("%w: %w", bridge.ErrInvalidRequest, err))
	}
	var p callbackPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return l.reject(subject, fmt.Errorf("%w: %w", bridge.ErrInvalidRequest, err))
	}

	var err error
	switch kind {
	case CallbackSnapshotStaged:
		_, err = l.snapshots.MarkStaged(ctx, p.SnapshotID, p.TotalSizeInBytes)
	case CallbackSnapshotItem:
		err = l.snapshots.AddContentItem(ctx, p.SnapshotID, p.ContentID, bridge.PropertiesFromMap(p.Properties))
	case CallbackSnapshotComplete:
		_, err = l.snapshots.TransferToNodeComplete(ctx, p.SnapshotID)
	case CallbackSnapshotFailed:
		_, err = l.snapshots.Fail(ctx, p.SnapshotID, p.Detail)
	case CallbackRestoreComplete:
		_, err = l.restores.RestorationCompleted(ctx, p.RestorationID)
	}
	if err != nil {
		return l.reject(subject, err)
	}
	l.logger.Debug("callback handled", "subject", subject)
	return Reply{OK: true}
}

func (l *Listener) reject(subject string, err error) Reply {
	l.logger.Warn("callback rejected", "subject", subject, "error", err)
	return Reply{Kind: ErrorKind(err), Error: err.Error()}
}

// ErrorKind names the lifecycle error kind err matches, or "internal".
func ErrorKind(err error) string {
	kinds := []struct {
		err  error
		name string
	}{
		{bridge.ErrNotFound, "not-found"},
		{bridge.ErrAlreadyExists, "already-exists"},
		{bridge.ErrInProcess, "in-process"},
		{bridge.ErrInvalidState, "invalid-state"},
		{bridge.ErrNotInitialized, "not-initialized"},
		{bridge.ErrConflict, "conflict"},
		{bridge.ErrExternal, "external"},
		{bridge.ErrInvalidIdentifier, "invalid-identifier"},
		{bridge.ErrInvalidRequest, "invalid-request"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
