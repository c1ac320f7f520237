package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewOrderNumber builds the human-facing order reference: a UTC
// timestamp plus a random suffix. Collisions are vanishingly unlikely,
// so there is no retry loop; the unique index is the backstop.
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("SO-%s-%s", now.UTC().Format("20060102150405"), suffix)
}
