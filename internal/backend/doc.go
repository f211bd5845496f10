// Package backend holds the backend registry: the static mapping from
// logical service name to base URL, plus per-backend runtime observations
// (probe health, in-flight requests, EWMA response time) used for reporting.
package backend
