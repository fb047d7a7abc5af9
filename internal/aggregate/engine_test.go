package aggregate

import (
	"testing"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/watch"
)

func newTestEngine() *Engine {
	return New(config.Default(), logr.Discard(), nil)
}

func obj(namespace, name string, fields map[string]interface{}) *unstructured.Unstructured {
	m := map[string]interface{}{
		"metadata": map[string]interface{}{"namespace": namespace, "name": name},
	}
	for k, v := range fields {
		m[k] = v
	}
	return &unstructured.Unstructured{Object: m}
}

func row(context, namespace, name string, fields map[string]interface{}) watch.ResourceRow {
	return watch.ResourceRow{Context: context, Object: obj(namespace, name, fields)}
}

func TestApplyAddedInsertsRowNoChange(t *testing.T) {
	e := newTestEngine()
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Pending"}})})

	snap := e.Snapshot("t1")
	if len(snap.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(snap.Rows))
	}
	if len(snap.Changes) != 0 {
		t.Fatalf("expected no changes on ADDED, got %d", len(snap.Changes))
	}
}

func TestApplyModifiedProducesCellChange(t *testing.T) {
	e := newTestEngine()
	r1 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Pending"}})
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: r1})
	// A consumer token sees only changes recorded after its first Snapshot.
	e.Snapshot("t1")

	r2 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Running"}})
	e.apply(watch.WatchEvent{Kind: watch.Modified, Row: r2, Prev: &r1})

	snap := e.Snapshot("t1")
	if len(snap.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(snap.Changes))
	}
	want := []string{"status", "phase"}
	if !pathsEqual(snap.Changes[0].FieldPath, want) {
		t.Fatalf("expected path %v, got %v", want, snap.Changes[0].FieldPath)
	}
}

func TestApplyModifiedArrayComparedWhole(t *testing.T) {
	e := newTestEngine()
	r1 := row("c1", "default", "a", map[string]interface{}{"spec": map[string]interface{}{"finalizers": []interface{}{"a"}}})
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: r1})
	e.Snapshot("t1")

	r2 := row("c1", "default", "a", map[string]interface{}{"spec": map[string]interface{}{"finalizers": []interface{}{"a", "b"}}})
	e.apply(watch.WatchEvent{Kind: watch.Modified, Row: r2, Prev: &r1})

	snap := e.Snapshot("t1")
	if len(snap.Changes) != 1 {
		t.Fatalf("expected 1 change for the whole array, got %d", len(snap.Changes))
	}
	want := []string{"spec", "finalizers"}
	if !pathsEqual(snap.Changes[0].FieldPath, want) {
		t.Fatalf("expected path %v, got %v", want, snap.Changes[0].FieldPath)
	}
}

func TestApplyModifiedWithoutPreviousRowTreatedAsAdded(t *testing.T) {
	e := newTestEngine()
	e.Snapshot("t1")
	r1 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Running"}})
	e.apply(watch.WatchEvent{Kind: watch.Modified, Row: r1})

	snap := e.Snapshot("t1")
	if len(snap.Rows) != 1 {
		t.Fatalf("expected the row to be inserted, got %d", len(snap.Rows))
	}
	if len(snap.Changes) != 0 {
		t.Fatalf("expected no CellChange for a MODIFIED with no known previous row, got %d", len(snap.Changes))
	}
}

func TestApplyDeletedRemovesRowNoChange(t *testing.T) {
	e := newTestEngine()
	r1 := row("c1", "default", "a", nil)
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: r1})
	e.apply(watch.WatchEvent{Kind: watch.Deleted, Row: r1})

	snap := e.Snapshot("t1")
	if len(snap.Rows) != 0 {
		t.Fatalf("expected row removed, got %d", len(snap.Rows))
	}
	if len(snap.Changes) != 0 {
		t.Fatalf("expected no changes on DELETED, got %d", len(snap.Changes))
	}
}

func TestCoalescingCollapsesRepeatedModifiedToOneChange(t *testing.T) {
	e := newTestEngine()
	r1 := row("c1", "default", "a", map[string]interface{}{"spec": map[string]interface{}{"replicas": int64(1)}})
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: r1})
	e.Snapshot("t1")

	prev := r1
	for i := int64(2); i <= 5; i++ {
		next := row("c1", "default", "a", map[string]interface{}{"spec": map[string]interface{}{"replicas": i}})
		e.apply(watch.WatchEvent{Kind: watch.Modified, Row: next, Prev: &prev})
		prev = next
	}

	snap := e.Snapshot("t1")
	if len(snap.Changes) != 1 {
		t.Fatalf("expected exactly one coalesced change, got %d", len(snap.Changes))
	}
}

func TestSnapshotChangesAreExhaustiveAndNonDuplicating(t *testing.T) {
	e := newTestEngine()
	r1 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Pending"}})
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: r1})
	e.Snapshot("t1")

	r2 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Running"}})
	e.apply(watch.WatchEvent{Kind: watch.Modified, Row: r2, Prev: &r1})

	first := e.Snapshot("t1")
	if len(first.Changes) != 1 {
		t.Fatalf("expected 1 change on first snapshot, got %d", len(first.Changes))
	}

	second := e.Snapshot("t1")
	if len(second.Changes) != 0 {
		t.Fatalf("expected no duplicate delivery on second snapshot, got %d", len(second.Changes))
	}
}

func TestSnapshotPerConsumerTokenIsIndependent(t *testing.T) {
	e := newTestEngine()
	r1 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Pending"}})
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: r1})
	e.Snapshot("consumer-a")
	e.Snapshot("consumer-b")
	r2 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Running"}})
	e.apply(watch.WatchEvent{Kind: watch.Modified, Row: r2, Prev: &r1})

	a := e.Snapshot("consumer-a")
	if len(a.Changes) != 1 {
		t.Fatalf("expected consumer-a to see 1 change, got %d", len(a.Changes))
	}
	b := e.Snapshot("consumer-b")
	if len(b.Changes) != 1 {
		t.Fatalf("expected consumer-b to independently see 1 change, got %d", len(b.Changes))
	}
}

func TestDropContextRemovesOnlyThatContext(t *testing.T) {
	e := newTestEngine()
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: row("c1", "default", "a", nil)})
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: row("c2", "default", "a", nil)})

	e.DropContext("c1")

	snap := e.Snapshot("t1")
	if len(snap.Rows) != 1 {
		t.Fatalf("expected 1 row remaining, got %d", len(snap.Rows))
	}
	if snap.Rows[0].Context != "c2" {
		t.Fatalf("expected remaining row to belong to c2, got %s", snap.Rows[0].Context)
	}
}

func TestDeletedDropsPendingChangeForThatRow(t *testing.T) {
	e := newTestEngine()
	r1 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Pending"}})
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: r1})
	e.Snapshot("t1")

	r2 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Running"}})
	e.apply(watch.WatchEvent{Kind: watch.Modified, Row: r2, Prev: &r1})

	e.apply(watch.WatchEvent{Kind: watch.Deleted, Row: r2})

	snap := e.Snapshot("t1")
	if len(snap.Rows) != 0 {
		t.Fatalf("expected the row removed, got %d", len(snap.Rows))
	}
	for _, c := range snap.Changes {
		if c.RowId == r2.Id() {
			t.Fatalf("expected no CellChange referencing a deleted row, got %+v", c)
		}
	}
}

func TestDropContextDropsPendingChangesForThatContext(t *testing.T) {
	e := newTestEngine()
	r1 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Pending"}})
	e.apply(watch.WatchEvent{Kind: watch.Added, Row: r1})
	e.Snapshot("t1")

	r2 := row("c1", "default", "a", map[string]interface{}{"status": map[string]interface{}{"phase": "Running"}})
	e.apply(watch.WatchEvent{Kind: watch.Modified, Row: r2, Prev: &r1})

	e.DropContext("c1")

	snap := e.Snapshot("t1")
	if len(snap.Rows) != 0 {
		t.Fatalf("expected the row removed, got %d", len(snap.Rows))
	}
	for _, c := range snap.Changes {
		if c.RowId.Context == "c1" {
			t.Fatalf("expected no CellChange referencing a dropped context, got %+v", c)
		}
	}
}
