// Package schema builds per-GVK field trees from each session's OpenAPI
// v3 document and merges them across contexts, per spec.md §4.4.
package schema

import (
	"encoding/json"
	"strings"

	"github.com/go-openapi/jsonreference"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/kube-openapi/pkg/spec3"
	kubespec "k8s.io/kube-openapi/pkg/validation/spec"

	"github.com/polyscope/polyscope/internal/xerrors"
)

// Session is the capability this package needs from a *session.Session.
type Session interface {
	Context() string
	Discovery() (discovery.DiscoveryInterface, error)
}

// document fetches the OpenAPI v3 document covering gv's API group from
// the session's discovery client.
func document(sess Session, gv schema.GroupVersion) (*spec3.OpenAPI, error) {
	disco, err := sess.Discovery()
	if err != nil {
		return nil, err
	}

	paths, err := disco.OpenAPIV3().Paths()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ErrUnreachable, "list openapi v3 paths for context "+sess.Context(), err)
	}

	path := documentPath(gv)
	entry, ok := paths[path]
	if !ok {
		return nil, xerrors.Wrap(xerrors.ErrProtocol, "no openapi document at path "+path+" for context "+sess.Context(), errNoDocument)
	}

	raw, err := entry.Schema(runtime.ContentTypeJSON)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ErrUnreachable, "fetch openapi document "+path+" for context "+sess.Context(), err)
	}

	var doc spec3.OpenAPI
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.ErrProtocol, "unmarshal openapi document "+path+" for context "+sess.Context(), err)
	}
	return &doc, nil
}

var errNoDocument = documentNotFoundError{}

type documentNotFoundError struct{}

func (documentNotFoundError) Error() string { return "no openapi v3 document published at that path" }

func documentPath(gv schema.GroupVersion) string {
	if gv.Group == "" {
		return "api/" + gv.Version
	}
	return "apis/" + gv.Group + "/" + gv.Version
}

// findSchemaByGVK scans a document's component schemas for the one
// tagged with gvk via the x-kubernetes-group-version-kind extension.
func findSchemaByGVK(doc *spec3.OpenAPI, gvk schema.GroupVersionKind) (*kubespec.Schema, error) {
	for _, candidate := range doc.Components.Schemas {
		if matchesGVK(candidate.Extensions, gvk) {
			return candidate, nil
		}
	}
	return nil, xerrors.Wrap(xerrors.ErrNotFound, "schema for gvk "+gvk.String(), errGVKNotInDocument)
}

var errGVKNotInDocument = gvkNotFoundError{}

type gvkNotFoundError struct{}

func (gvkNotFoundError) Error() string { return "gvk not tagged in this openapi document" }

func matchesGVK(ext kubespec.Extensions, gvk schema.GroupVersionKind) bool {
	raw, ok := ext["x-kubernetes-group-version-kind"]
	if !ok {
		return false
	}
	list, ok := raw.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if m["group"] == gvk.Group && m["version"] == gvk.Version && m["kind"] == gvk.Kind {
			return true
		}
	}
	return false
}

// resolveRef resolves a local "#/components/schemas/<name>" $ref within doc.
func resolveRef(refString string, doc *spec3.OpenAPI) *kubespec.Schema {
	if refString == "" {
		return nil
	}
	ref, err := jsonreference.New(refString)
	if err != nil || !ref.HasFragmentOnly {
		return nil
	}
	fragment := ref.GetURL().Fragment
	parts := strings.Split(fragment, "/")
	if len(parts) < 4 {
		return nil
	}
	return doc.Components.Schemas[parts[3]]
}
