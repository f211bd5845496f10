// Package handler implements the gateway's request handler. It rejects
// malformed requests, matches the path against the route table, forwards
// matched requests and reports the outcome to the log and the metrics
// collector.
package handler
