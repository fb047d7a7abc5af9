// Package aggregate implements the Aggregation Engine: it fans the
// active GVK's Watch Workers into a single keyed resource table,
// coalesces repeated field changes, and exposes both through a
// pull-based Snapshot API, per spec.md §4.6/§4.7.
package aggregate

import (
	"time"

	"github.com/polyscope/polyscope/internal/watch"
)

// CellChange records that a row's field changed value between two
// Snapshot calls.
type CellChange struct {
	RowId     watch.RowId
	FieldPath []string
	Timestamp time.Time

	// dropped marks an entry whose row left the table (DELETED or
	// DropContext) before a consumer drained it. Snapshot never returns
	// a dropped entry; it stays in changeLog as a tombstone rather than
	// being spliced out so consumer bookmark indices stay valid.
	dropped bool
}

// WatchStatus summarizes the aggregate health of the active workers for
// a PollResources-style caller; it does not distinguish per context.
type WatchStatus string

const (
	StatusConnected    WatchStatus = "connected"
	StatusReconnecting WatchStatus = "reconnecting"
	StatusDisconnected WatchStatus = "disconnected"
)
