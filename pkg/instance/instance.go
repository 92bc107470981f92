package instance

import (
	"os"
	"strings"
)

// ID identifies this device or worker process in logs and as the drain lock owner. The
// configured device id wins, then WORKER_ID, then the hostname.
func ID(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "device-0"
}
