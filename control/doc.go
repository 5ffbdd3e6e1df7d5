// Package control carries the ambient, cross-engine concerns that sit
// outside any single channel/transport/cache instance: runtime metrics.
//
// Grounded on the teacher's control package (metrics.go's mutable
// key/value MetricsRegistry), adapted from an ad hoc map[string]any
// store into typed github.com/prometheus/client_golang collectors, per
// Design Notes §9's preference for explicit, typed state over
// string-keyed runtime indirection.
package control
