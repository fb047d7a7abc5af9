// Package watch implements the Watch Worker: one per (session, GVK),
// it maintains an eventually-consistent local mirror of a collection
// and emits a coherent stream of add/modify/delete events, per
// spec.md §4.5.
package watch

import "k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

// EventKind distinguishes the three event shapes a Worker emits.
type EventKind string

const (
	Added    EventKind = "ADDED"
	Modified EventKind = "MODIFIED"
	Deleted  EventKind = "DELETED"
)

// RowId identifies a resource row uniquely within one context's
// collection: (context, namespace, name). Namespace is empty for
// cluster-scoped kinds.
type RowId struct {
	Context   string
	Namespace string
	Name      string
}

// ResourceRow is one resource's document tagged with its origin context.
type ResourceRow struct {
	Context string
	Object  *unstructured.Unstructured
}

// Id derives this row's RowId from its context and object metadata.
func (r ResourceRow) Id() RowId {
	return RowId{Context: r.Context, Namespace: r.Object.GetNamespace(), Name: r.Object.GetName()}
}

// WatchEvent is one add/modify/delete notification from a Worker.
type WatchEvent struct {
	Kind EventKind
	Row  ResourceRow
	Prev *ResourceRow // set only for Modified
}
