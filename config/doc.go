// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the gateway configuration structure
// including listener settings, backend base URLs, the route list, upstream
// timeouts, circuit breaker thresholds and backend probe intervals.
package config
