/*
Package metrics provides Prometheus metrics collection and exposition for
a resource process: pipeline throughput, query planner behavior, and
ResourceAccess connection health. Metrics are registered at package init
and exposed via Handler() for scraping.
*/
package metrics
