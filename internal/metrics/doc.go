// Package metrics collects laraclaw runtime counters and gauges.
//
// The Collector is an injected service over a Backend key/value store with
// per-entry expiry. Counters are read-modify-write with a 30-day TTL; drift under
// concurrent increments is acceptable. Recording "response_time" feeds a rolling
// window of the latest samples whose mean is stored as avg_response_time.
//
// ExportText renders one "<namespace>_<name> <value>" line per metric for
// scrape-based collection.
package metrics
