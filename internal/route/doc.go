// Package route builds the gateway's immutable route table and answers
// longest-prefix lookups against it.
package route
