package util

import "github.com/google/uuid"

// NewUUID generates a new v7 uuid, used to correlate the log lines of one
// deploy invocation.
func NewUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}
