// Package ids generates kind-prefixed identifiers for governance records.
package ids

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind prefixes.
const (
	Proposal    = "prop"
	Decision    = "gd"
	Command     = "cmd"
	Council     = "cd"
	Transaction = "tx"
	AuditEntry  = "ae"
	QueueItem   = "q"
)

// TimeFormat is the UTC millisecond timestamp layout used on persisted records.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// New returns "<kind>-<uuid v4 without dashes, first 16 hex chars>".
func New(kind string) string {
	u := uuid.New()
	return kind + "-" + strings.ReplaceAll(u.String(), "-", "")[:16]
}

// HasKind reports whether id was generated for kind.
func HasKind(id, kind string) bool {
	return strings.HasPrefix(id, kind+"-") && len(id) > len(kind)+1
}

// UTCNowISO returns the current UTC time in TimeFormat.
func UTCNowISO() string {
	return time.Now().UTC().Format(TimeFormat)
}
