package instance

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GetID returns the worker instance identifier used as a lease holder.
// WORKER_ID wins when set; otherwise hostname, pid and a random suffix keep
// concurrently running processes distinct.
func GetID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
