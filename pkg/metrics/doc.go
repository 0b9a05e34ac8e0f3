// Package metrics registers and exposes the controller's Prometheus
// metrics: build/worker gauges, dispatch and liveness histograms, and HTTP
// request counters. Handler returns the scrape endpoint; Timer times an
// operation and observes it against a histogram.
package metrics
