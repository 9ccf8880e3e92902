// Package engine runs exports asynchronously as local jobs. Each job submits
// one remote export task, follows it to a terminal status, streams the content
// into a sink and records its progress in the store, on the event broker and
// in Prometheus metrics.
package engine
