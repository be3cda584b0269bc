// Package metrics defines gate's prometheus collectors and the /metrics
// handler. Collectors live on a per-instance registry rather than the global
// default so tests and embedded uses stay isolated.
package metrics
