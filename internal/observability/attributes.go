// Package observability provides metrics for the monitor and its local API.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrReady   = "ready"
	attrHint    = "hint"
	attrResult  = "result"
	attrOutcome = "outcome"
	attrState   = "state"
)

// knownPaths are the routes served by the local API. Anything else is
// reported as "other" to keep cardinality bounded.
var knownPaths = map[string]bool{
	"/livez":            true,
	"/readyz":           true,
	"/metrics":          true,
	"/v1/session":       true,
	"/v1/session/logs":  true,
	"/v1/session/watch": true,
	"/v1/jobs":          true,
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func readyAttr(ready bool) attribute.KeyValue {
	return attribute.Bool(attrReady, ready)
}

func hintAttr(hint string) attribute.KeyValue {
	return attribute.String(attrHint, hint)
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String(attrResult, result)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// normalizePath maps unknown paths to a single placeholder.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "other"
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}
