// Package healthcheck periodically probes each backend's health endpoint
// and records the observed status. The gateway's own liveness answer does
// not depend on it and routing ignores it; the results feed logs and
// metrics only.
package healthcheck
