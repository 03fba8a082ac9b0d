package bridge

import "fmt"

// SnapshotStatus is the lifecycle state of a Snapshot.
type SnapshotStatus string

const (
	SnapshotInitialized        SnapshotStatus = "INITIALIZED"
	SnapshotWaitingForTransfer SnapshotStatus = "WAITING_FOR_TRANSFER"
	SnapshotTransferComplete   SnapshotStatus = "TRANSFER_COMPLETE"
	SnapshotCleaningUp         SnapshotStatus = "CLEANING_UP"
	SnapshotComplete           SnapshotStatus = "SNAPSHOT_COMPLETE"
	SnapshotFailed             SnapshotStatus = "FAILED"
	SnapshotError              SnapshotStatus = "ERROR"
)

// SnapshotEvent drives a Snapshot from one status to the next.
type SnapshotEvent string

const (
	SnapshotStaged         SnapshotEvent = "staged"
	SnapshotTransferred    SnapshotEvent = "transferred"
	SnapshotCleanupStarted SnapshotEvent = "cleanup-started"
	SnapshotFinalized      SnapshotEvent = "finalized"
	SnapshotFailedEvent    SnapshotEvent = "failed"
	SnapshotErrored        SnapshotEvent = "errored"
)

// RestoreStatus is the lifecycle state of a Restoration.
type RestoreStatus string

const (
	RestoreInitialized        RestoreStatus = "INITIALIZED"
	RestoreWaitingForTransfer RestoreStatus = "WAITING_FOR_TRANSFER"
	RestoreTransferComplete   RestoreStatus = "TRANSFER_COMPLETE"
	RestoreExpired            RestoreStatus = "EXPIRED"
)

// RestoreEvent drives a Restoration from one status to the next.
type RestoreEvent string

const (
	RestoreRequested    RestoreEvent = "requested"
	RestoreTransferred  RestoreEvent = "transferred"
	RestoreExpiredEvent RestoreEvent = "expired"
)

type transitionTable[S ~string, E ~string] map[S]map[E]S

func (t transitionTable[S, E]) next(from S, event E) (S, bool) {
	to, ok := t[from][event]
	return to, ok
}

func (t transitionTable[S, E]) terminal(s S) bool {
	return len(t[s]) == 0
}

var snapshotTransitions = transitionTable[SnapshotStatus, SnapshotEvent]{
	SnapshotInitialized: {
		SnapshotStaged:      SnapshotWaitingForTransfer,
		SnapshotTransferred: SnapshotTransferComplete,
		SnapshotFailedEvent: SnapshotFailed,
		SnapshotErrored:     SnapshotError,
	},
	SnapshotWaitingForTransfer: {
		SnapshotTransferred: SnapshotTransferComplete,
		SnapshotFailedEvent: SnapshotFailed,
		SnapshotErrored:     SnapshotError,
	},
	SnapshotTransferComplete: {
		SnapshotCleanupStarted: SnapshotCleaningUp,
		SnapshotFailedEvent:    SnapshotFailed,
		SnapshotErrored:        SnapshotError,
	},
	SnapshotCleaningUp: {
		SnapshotFinalized:   SnapshotComplete,
		SnapshotFailedEvent: SnapshotFailed,
		SnapshotErrored:     SnapshotError,
	},
	SnapshotComplete: {},
	SnapshotFailed:   {},
	SnapshotError:    {},
}

var restoreTransitions = transitionTable[RestoreStatus, RestoreEvent]{
	RestoreInitialized: {
		RestoreRequested: RestoreWaitingForTransfer,
	},
	RestoreWaitingForTransfer: {
		RestoreTransferred: RestoreTransferComplete,
	},
	RestoreTransferComplete: {
		RestoreExpiredEvent: RestoreExpired,
	},
	RestoreExpired: {},
}

// Next returns the status reached by applying event, and false when the
// transition is not permitted.
func (s SnapshotStatus) Next(event SnapshotEvent) (SnapshotStatus, bool) {
	return snapshotTransitions.next(s, event)
}

// IsTerminal reports whether no further transitions leave s.
func (s SnapshotStatus) IsTerminal() bool { return snapshotTransitions.terminal(s) }

func (s SnapshotStatus) String() string { return string(s) }

// ParseSnapshotStatus converts a stored value back into a SnapshotStatus.
func ParseSnapshotStatus(v string) (SnapshotStatus, error) {
	s := SnapshotStatus(v)
	if _, ok := snapshotTransitions[s]; !ok {
		return "", fmt.Errorf("unknown snapshot status %q", v)
	}
	return s, nil
}

// Next returns the status reached by applying event, and false when the
// transition is not permitted.
func (s RestoreStatus) Next(event RestoreEvent) (RestoreStatus, bool) {
	return restoreTransitions.next(s, event)
}

// IsTerminal reports whether no further transitions leave s.
func (s RestoreStatus) IsTerminal() bool { return restoreTransitions.terminal(s) }

func (s RestoreStatus) String() string { return string(s) }

// ParseRestoreStatus converts a stored value back into a RestoreStatus.
func ParseRestoreStatus(v string) (RestoreStatus, error) {
	s := RestoreStatus(v)
	if _, ok := restoreTransitions[s]; !ok {
		return "", fmt.Errorf("unknown restore status %q", v)
	}
	return s, nil
}
