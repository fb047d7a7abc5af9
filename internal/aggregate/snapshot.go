package aggregate

import "github.com/polyscope/polyscope/internal/watch"

// Snapshot is a point-in-time view of the row table plus the changes a
// given consumer has not yet seen.
type Snapshot struct {
	Rows    []watch.ResourceRow
	Changes []CellChange
	Status  WatchStatus
}

// Snapshot returns the current rows and the changes accumulated since
// this consumerToken's previous call, then clears that consumer's
// pending set (at-most-once delivery). Rows and the change log are read
// under one dataMu critical section together with apply's row removal
// and change-log tombstoning, so a CellChange can never reference a row
// already absent from rows (spec.md §5, §8.2): DELETED/DropContext
// tombstone a row's pending changes in the same locked section that
// removes it from the table, and Snapshot filters tombstoned entries
// out before returning.
func (e *Engine) Snapshot(consumerToken string) Snapshot {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()

	rows := make([]watch.ResourceRow, 0, len(e.table))
	for _, row := range e.table {
		rows = append(rows, row)
	}

	lastSeen, known := e.consumers[consumerToken]
	if !known {
		// A new consumer token starts at the current tip: it sees no
		// retroactive history, only changes from here forward.
		lastSeen = e.logOffset + len(e.changeLog)
	}

	start := lastSeen - e.logOffset
	if start < 0 {
		start = 0
	}
	changes := make([]CellChange, 0, len(e.changeLog)-start)
	for _, c := range e.changeLog[start:] {
		if c.dropped {
			continue
		}
		changes = append(changes, c)
	}

	e.consumers[consumerToken] = e.logOffset + len(e.changeLog)
	e.trimLocked()

	return Snapshot{Rows: rows, Changes: changes, Status: e.watchStatus()}
}

// ForgetConsumer drops a consumer token's bookmark, e.g. when the UI
// stops polling. Without this the change log could never be trimmed
// past a client that disappeared mid-session.
func (e *Engine) ForgetConsumer(consumerToken string) {
	e.dataMu.Lock()
	delete(e.consumers, consumerToken)
	e.trimLocked()
	e.dataMu.Unlock()
}

// trimLocked drops change-log entries every known consumer has already
// received. Must be called with dataMu held.
func (e *Engine) trimLocked() {
	min := e.minConsumerIndex()
	if min <= e.logOffset {
		return
	}
	cut := min - e.logOffset
	if cut > len(e.changeLog) {
		cut = len(e.changeLog)
	}
	e.changeLog = append([]CellChange{}, e.changeLog[cut:]...)
	e.logOffset += cut
}

// watchStatus summarizes every active worker's state into one of the
// three PollResources-facing statuses. Reconnecting outranks connected,
// and any worker present at all outranks disconnected.
func (e *Engine) watchStatus() WatchStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active || len(e.workers) == 0 {
		return StatusDisconnected
	}
	status := StatusConnected
	for _, w := range e.workers {
		if w.State() == watch.StateRelisting {
			status = StatusReconnecting
		}
	}
	return status
}
