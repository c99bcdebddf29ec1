package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

func methodAttr(method string) attribute.KeyValue { return attribute.String("method", method) }

func pathAttr(path string) attribute.KeyValue {
	return attribute.String("path", normalizePath(path))
}

// statusAttr groups codes into 2xx/4xx/5xx to keep cardinality low.
func statusAttr(code int) attribute.KeyValue {
	return attribute.String("status", fmt.Sprintf("%dxx", code/100))
}

func stateAttr(s string) attribute.KeyValue    { return attribute.String("state", s) }
func typeAttr(t string) attribute.KeyValue     { return attribute.String("type", t) }
func outcomeAttr(o string) attribute.KeyValue  { return attribute.String("outcome", o) }
func loopAttr(l string) attribute.KeyValue     { return attribute.String("loop", l) }
func topicAttr(t string) attribute.KeyValue    { return attribute.String("topic", t) }
func actionAttr(a string) attribute.KeyValue   { return attribute.String("action", a) }
func appliedAttr(a bool) attribute.KeyValue    { return attribute.Bool("applied", a) }

// normalizePath is the fallback for requests that matched no route; routed
// requests already report the route template.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	const prefix = "/api/v1/jobs/"
	if strings.HasPrefix(path, prefix) && !strings.Contains(path, ":") {
		rest := strings.TrimPrefix(path, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			return prefix + ":id" + rest[i:]
		}
		return prefix + ":id"
	}
	return path
}
