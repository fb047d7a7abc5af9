package schema

import (
	"context"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
)

// columnSession is the narrower capability SuggestedColumns needs: a
// dynamic client to read CustomResourceDefinitions.
type columnSession interface {
	Dynamic() (dynamic.Interface, error)
}

var crdGVR = schema.GroupVersionResource{
	Group:    "apiextensions.k8s.io",
	Version:  "v1",
	Resource: "customresourcedefinitions",
}

// SuggestedColumns returns field paths worth offering as default table
// columns for gvk, preferring a CRD's additionalPrinterColumns and
// falling back to a curated mapping of well-known kubectl columns for
// built-in kinds. Never returns an error, since this is a UX hint, not a
// required capability: with no CRD columns and no entry for the kind it
// returns only the common metadata columns.
func SuggestedColumns(sess columnSession, gvk schema.GroupVersionKind, resource string) [][]string {
	if paths := suggestedFromCRD(sess, gvk, resource); paths != nil {
		return paths
	}
	return suggestedFromKindMapping(gvk.Kind)
}

func suggestedFromCRD(sess columnSession, gvk schema.GroupVersionKind, resource string) [][]string {
	dyn, err := sess.Dynamic()
	if err != nil {
		return nil
	}

	crdName := resource
	if gvk.Group != "" {
		crdName = resource + "." + gvk.Group
	}

	crd, err := dyn.Resource(crdGVR).Get(context.Background(), crdName, metav1.GetOptions{})
	if err != nil {
		return nil
	}

	versions, found, err := unstructured.NestedSlice(crd.Object, "spec", "versions")
	if err != nil || !found {
		return nil
	}

	for _, v := range versions {
		versionMap, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		name, _, _ := unstructured.NestedString(versionMap, "name")
		if name != gvk.Version {
			continue
		}

		columns, found, _ := unstructured.NestedSlice(versionMap, "additionalPrinterColumns")
		if !found || len(columns) == 0 {
			return nil
		}

		var paths [][]string
		for _, col := range columns {
			colMap, ok := col.(map[string]interface{})
			if !ok {
				continue
			}
			jsonPath, _, _ := unstructured.NestedString(colMap, "jsonPath")
			if path := jsonPathToFieldPath(jsonPath); len(path) > 0 {
				paths = append(paths, path)
			}
		}
		return paths
	}
	return nil
}

// jsonPathToFieldPath converts a CRD column's JSONPath expression into a
// field-tree path, collapsing array indices/selectors to the tree's "*"
// wildcard convention.
func jsonPathToFieldPath(jsonPath string) []string {
	jsonPath = strings.TrimPrefix(jsonPath, ".")
	if jsonPath == "" {
		return nil
	}

	var parts []string
	current := ""
	for i := 0; i < len(jsonPath); i++ {
		switch jsonPath[i] {
		case '.':
			if current != "" {
				parts = append(parts, current)
				current = ""
			}
		case '[':
			if current != "" {
				parts = append(parts, current)
				current = ""
			}
			for i < len(jsonPath) && jsonPath[i] != ']' {
				i++
			}
			parts = append(parts, ScalarWildcard)
		default:
			current += string(jsonPath[i])
		}
	}
	if current != "" {
		parts = append(parts, current)
	}
	return parts
}

// commonColumns apply regardless of kind.
var commonColumns = map[string][]string{
	"Age":       {"metadata", "creationTimestamp"},
	"Namespace": {"metadata", "namespace"},
	"Labels":    {"metadata", "labels"},
}

// kindColumns maps a built-in Kind's well-known kubectl column names to
// the scalar/leaf field path that produces them. Computed columns (a
// join or aggregate over an array, e.g. Pod's "Ready" container count)
// are intentionally omitted: they have no 1:1 field to select.
var kindColumns = map[string]map[string][]string{
	"Pod": {
		"Status": {"status", "phase"},
		"IP":     {"status", "podIP"},
		"Node":   {"spec", "nodeName"},
	},
	"Deployment": {
		"Ready":      {"status", "readyReplicas"},
		"Up-to-date": {"status", "updatedReplicas"},
		"Available":  {"status", "availableReplicas"},
	},
	"Service": {
		"Type":       {"spec", "type"},
		"Cluster-IP": {"spec", "clusterIP"},
	},
	"ConfigMap": {
		"Data": {"data"},
	},
	"Secret": {
		"Type": {"type"},
		"Data": {"data"},
	},
	"Node": {
		"Version":           {"status", "nodeInfo", "kubeletVersion"},
		"OS-Image":          {"status", "nodeInfo", "osImage"},
		"Kernel-Version":    {"status", "nodeInfo", "kernelVersion"},
		"Container-Runtime": {"status", "nodeInfo", "containerRuntimeVersion"},
	},
	"Namespace": {
		"Status": {"status", "phase"},
	},
	"PersistentVolume": {
		"Reclaim Policy": {"spec", "persistentVolumeReclaimPolicy"},
		"Status":         {"status", "phase"},
		"StorageClass":   {"spec", "storageClassName"},
	},
	"PersistentVolumeClaim": {
		"Status":       {"status", "phase"},
		"Volume":       {"spec", "volumeName"},
		"StorageClass": {"spec", "storageClassName"},
	},
	"StatefulSet": {
		"Ready":    {"status", "readyReplicas"},
		"Replicas": {"spec", "replicas"},
	},
	"DaemonSet": {
		"Desired":    {"status", "desiredNumberScheduled"},
		"Current":    {"status", "currentNumberScheduled"},
		"Ready":      {"status", "numberReady"},
		"Up-to-date": {"status", "updatedNumberScheduled"},
		"Available":  {"status", "numberAvailable"},
	},
	"ReplicaSet": {
		"Desired": {"spec", "replicas"},
		"Current": {"status", "replicas"},
		"Ready":   {"status", "readyReplicas"},
	},
	"Job": {
		"Completions": {"spec", "completions"},
		"Duration":    {"status", "completionTime"},
	},
	"CronJob": {
		"Schedule":      {"spec", "schedule"},
		"Suspend":       {"spec", "suspend"},
		"Last Schedule": {"status", "lastScheduleTime"},
	},
	"Ingress": {
		"Class": {"spec", "ingressClassName"},
	},
}

func suggestedFromKindMapping(kind string) [][]string {
	var paths [][]string
	for _, path := range commonColumns {
		paths = append(paths, path)
	}
	for _, path := range kindColumns[kind] {
		paths = append(paths, path)
	}
	return paths
}
