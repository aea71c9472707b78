// Package metrics exposes daemon counters, gauges, and stage latency
// histograms for Prometheus scraping.
package metrics
