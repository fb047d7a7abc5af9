package schema

import (
	"testing"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/kube-openapi/pkg/spec3"
	kubespec "k8s.io/kube-openapi/pkg/validation/spec"
)

func TestDocumentPath(t *testing.T) {
	cases := []struct {
		gv   schema.GroupVersion
		want string
	}{
		{schema.GroupVersion{Version: "v1"}, "api/v1"},
		{schema.GroupVersion{Group: "apps", Version: "v1"}, "apis/apps/v1"},
	}
	for _, tc := range cases {
		if got := documentPath(tc.gv); got != tc.want {
			t.Errorf("documentPath(%+v) = %q, want %q", tc.gv, got, tc.want)
		}
	}
}

func TestMatchesGVK(t *testing.T) {
	ext := kubespec.Extensions{
		"x-kubernetes-group-version-kind": []interface{}{
			map[string]interface{}{"group": "apps", "version": "v1", "kind": "Deployment"},
		},
	}
	if !matchesGVK(ext, schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}) {
		t.Fatalf("expected match")
	}
	if matchesGVK(ext, schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "StatefulSet"}) {
		t.Fatalf("expected no match for different kind")
	}
	if matchesGVK(kubespec.Extensions{}, schema.GroupVersionKind{Kind: "Pod"}) {
		t.Fatalf("expected no match without the extension present")
	}
}

func TestResolveRef(t *testing.T) {
	pod := &kubespec.Schema{SchemaProps: kubespec.SchemaProps{Type: kubespec.StringOrArray{"object"}}}
	doc := &spec3.OpenAPI{
		Components: &spec3.Components{
			Schemas: map[string]*kubespec.Schema{
				"io.k8s.api.core.v1.Pod": pod,
			},
		},
	}

	resolved := resolveRef("#/components/schemas/io.k8s.api.core.v1.Pod", doc)
	if resolved != pod {
		t.Fatalf("expected resolveRef to find the Pod schema by fragment")
	}

	if resolveRef("", doc) != nil {
		t.Fatalf("expected empty ref string to resolve to nil")
	}
	if resolveRef("#/components/schemas/does.not.Exist", doc) != nil {
		t.Fatalf("expected unknown ref to resolve to nil")
	}
}
