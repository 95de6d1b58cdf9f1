// Package metrics defines the Prometheus collectors for archive streaming and
// the HTTP front end.
package metrics
