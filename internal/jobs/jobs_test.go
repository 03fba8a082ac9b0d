package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
)

func TestMemoryGateway(t *testing.T) {
	ctx := context.Background()

	t.Run("records submissions in order", func(t *testing.T) {
		g := NewMemoryGateway()
		if err := g.Submit(ctx, bridge.JobSnapshot, "snap-1"); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if err := g.Submit(ctx, bridge.JobRestore, "7"); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}

		got := g.Submissions()
		want := []Submission{{bridge.JobSnapshot, "snap-1"}, {bridge.JobRestore, "7"}}
		if len(got) != len(want) {
			t.Fatalf("Submissions() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Submissions()[%d] = %v, want %v", i, got[i], want[i])
			}
		}
	})

	t.Run("injected failure records nothing", func(t *testing.T) {
		g := NewMemoryGateway()
		g.Fail = errors.New("queue down")

		if err := g.Submit(ctx, bridge.JobSnapshot, "snap-1"); err == nil {
			t.Error("Submit() expected error, got nil")
		}
		if n := len(g.Submissions()); n != 0 {
			t.Errorf("Submissions() = %d, want 0", n)
		}
	})
}

func TestNewGatewayFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		wantErr bool
	}{
		{"memory", "memory", false},
		{"log", "log", false},
		{"nats without connection", "nats", true},
		{"unknown", "carrier-pigeon", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewGatewayFromConfig(config.JobsConfig{Type: tt.typ}, nil, "snapbridge", bridge.NewNopLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewGatewayFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Error("NewGatewayFromConfig() returned nil")
			}
		})
	}
}

func TestSubjects(t *testing.T) {
	if got := JobSubject("snapbridge", bridge.JobRestore); got != "snapbridge.jobs.restore" {
		t.Errorf("JobSubject() = %q", got)
	}
	if got := CallbackSubject("sb", CallbackSnapshotItem); got != "sb.callbacks.snapshot.item" {
		t.Errorf("CallbackSubject() = %q", got)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("boom"), "internal"},
		{bridge.ErrNotFound, "not-found"},
		{&bridge.StateError{Entity: "snapshot", ID: "s", Status: "WAITING_FOR_TRANSFER", InProcess: true}, "in-process"},
		{&bridge.StateError{Entity: "snapshot", ID: "s", Status: "FAILED"}, "invalid-state"},
		{errors.Join(bridge.ErrExternal, errors.New("s3")), "external"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// fakeCallbacks records the calls the listener makes.
type fakeCallbacks struct {
	staged    map[string]int64
	items     map[string]bridge.Properties
	completed []string
	failed    map[string]string
	restored  []int64
	err       error
}

func newFakeCallbacks() *fakeCallbacks {
	return &fakeCallbacks{
		staged: make(map[string]int64),
		items:  make(map[string]bridge.Properties),
		failed: make(map[string]string),
	}
}

func (f *fakeCallbacks) MarkStaged(ctx context.Context, id string, total int64) (*bridge.Snapshot, error) {
	f.staged[id] = total
	return &bridge.Snapshot{ID: id}, f.err
}

func (f *fakeCallbacks) AddContentItem(ctx context.Context, snapshotID, contentID string, props bridge.Properties) error {
	f.items[snapshotID+"/"+contentID] = props
	return f.err
}

func (f *fakeCallbacks) TransferToNodeComplete(ctx context.Context, id string) (*bridge.Snapshot, error) {
	f.completed = append(f.completed, id)
	return &bridge.Snapshot{ID: id}, f.err
}

func (f *fakeCallbacks) Fail(ctx context.Context, id, detail string) (*bridge.Snapshot, error) {
	f.failed[id] = detail
	return &bridge.Snapshot{ID: id}, f.err
}

func (f *fakeCallbacks) RestorationCompleted(ctx context.Context, id int64) (*bridge.Restoration, error) {
	f.restored = append(f.restored, id)
	return &bridge.Restoration{ID: id}, f.err
}

func newTestListener(t *testing.T, cb *fakeCallbacks) *Listener {
	t.Helper()
	l, err := NewListener(nil, "sb", "q", cb, cb, nil)
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}
	return l
}

func TestListener_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches each callback", func(t *testing.T) {
		cb := newFakeCallbacks()
		l := newTestListener(t, cb)

		msgs := []struct{ kind, body string }{
			{CallbackSnapshotStaged, `{"snapshotId":"s1","totalSizeInBytes":42}`},
			{CallbackSnapshotItem, `{"snapshotId":"s1","contentId":"c1","properties":{"content-checksum":"abc","b":"2"}}`},
			{CallbackSnapshotComplete, `{"snapshotId":"s1"}`},
			{CallbackSnapshotFailed, `{"snapshotId":"s2","detail":"disk full"}`},
			{CallbackRestoreComplete, `{"restorationId":7}`},
		}
		for _, m := range msgs {
			if reply := l.handle(ctx, CallbackSubject("sb", m.kind), []byte(m.body)); !reply.OK {
				t.Fatalf("handle(%s) = %+v, want ok", m.kind, reply)
			}
		}

		if cb.staged["s1"] != 42 {
			t.Errorf("staged size = %d, want 42", cb.staged["s1"])
		}
		props := cb.items["s1/c1"]
		if v, _ := props.Get(bridge.PropertyChecksum); v != "abc" {
			t.Errorf("item checksum = %q, want abc", v)
		}
		if props[0].Key != "b" {
			t.Errorf("item properties not sorted: %v", props)
		}
		if len(cb.completed) != 1 || cb.completed[0] != "s1" {
			t.Errorf("completed = %v, want [s1]", cb.completed)
		}
		if cb.failed["s2"] != "disk full" {
			t.Errorf("failed detail = %q", cb.failed["s2"])
		}
		if len(cb.restored) != 1 || cb.restored[0] != 7 {
			t.Errorf("restored = %v, want [7]", cb.restored)
		}
	})

	t.Run("rejects invalid payloads", func(t *testing.T) {
		cb := newFakeCallbacks()
		l := newTestListener(t, cb)

		tests := []struct {
			name, subject, body string
		}{
			{"missing snapshot id", CallbackSubject("sb", CallbackSnapshotComplete), `{}`},
			{"negative size", CallbackSubject("sb", CallbackSnapshotStaged), `{"snapshotId":"s1","totalSizeInBytes":-1}`},
			{"non-string property", CallbackSubject("sb", CallbackSnapshotItem), `{"snapshotId":"s1","contentId":"c","properties":{"content-checksum":"abc","a":1}}`},
			{"item without properties", CallbackSubject("sb", CallbackSnapshotItem), `{"snapshotId":"s1","contentId":"c"}`},
			{"item without checksum", CallbackSubject("sb", CallbackSnapshotItem), `{"snapshotId":"s1","contentId":"c","properties":{"mimetype":"text/plain"}}`},
			{"item with empty checksum", CallbackSubject("sb", CallbackSnapshotItem), `{"snapshotId":"s1","contentId":"c","properties":{"content-checksum":""}}`},
			{"not json", CallbackSubject("sb", CallbackRestoreComplete), `restorationId=7`},
			{"unknown callback", CallbackSubject("sb", "snapshot.exploded"), `{"snapshotId":"s1"}`},
			{"foreign subject", "other.callbacks.snapshot.complete", `{"snapshotId":"s1"}`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				reply := l.handle(ctx, tt.subject, []byte(tt.body))
				if reply.OK || reply.Kind != "invalid-request" {
					t.Errorf("handle() = %+v, want invalid-request", reply)
				}
			})
		}
		if len(cb.completed)+len(cb.staged)+len(cb.items)+len(cb.restored) != 0 {
			t.Error("invalid callbacks reached the managers")
		}
	})

	t.Run("reports manager errors by kind", func(t *testing.T) {
		cb := newFakeCallbacks()
		cb.err = fmt.Errorf("snapshot s1: %w", bridge.ErrNotFound)
		l := newTestListener(t, cb)

		reply := l.handle(ctx, CallbackSubject("sb", CallbackSnapshotComplete), []byte(`{"snapshotId":"s1"}`))
		if reply.OK || reply.Kind != "not-found" {
			t.Errorf("handle() = %+v, want not-found", reply)
		}
	})
}

// TestNATSGateway exercises the JetStream gateway against a live server
// named by SNAPBRIDGE_TEST_NATS_URL.
func TestNATSGateway(t *testing.T) {
	url := os.Getenv("SNAPBRIDGE_TEST_NATS_URL")
	if url == "" {
		t.Skip("SNAPBRIDGE_TEST_NATS_URL not set")
	}
	nc, err := Connect(url, "snapbridge-test")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer nc.Close()

	prefix := "sbtest"
	g, err := NewNATSGateway(nc, prefix, nil)
	if err != nil {
		t.Fatalf("NewNATSGateway() error = %v", err)
	}
	js, _ := nc.JetStream()
	sub, err := js.PullSubscribe(JobSubject(prefix, bridge.JobSnapshot), "sbtest-worker", nats.BindStream(StreamName))
	if err != nil {
		t.Fatalf("PullSubscribe() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := g.Submit(ctx, bridge.JobSnapshot, "snap-dup"); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
	if err != nil && !errors.Is(err, nats.ErrTimeout) {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("fetched %d jobs, want 1 after de-duplication", len(msgs))
	}
	for _, m := range msgs {
		m.Ack()
	}
}
