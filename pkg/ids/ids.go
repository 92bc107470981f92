// Package ids mints identifiers for records created while the device is offline.
package ids

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProvisionalPrefix marks ids that the server has not yet confirmed.
const ProvisionalPrefix = "offline_"

var now = time.Now

// NewProvisional returns an id of the form offline_<unix-millis>_<8 hex chars>.
func NewProvisional() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", ProvisionalPrefix, now().UnixMilli(), suffix)
}

// IsProvisional reports whether id was minted locally.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
