package domain

import (
	"strings"
	"time"
)

// Principal is an opaque, globally unique caller identity. Wallet callers use
// their EIP-55 checksummed address.
type Principal string

// System principals. They are never accepted from the wire.
const (
	GovernanceExecutor Principal = "system:governance"
	FallbackExecutor   Principal = "system:fallback"
)

const systemPrefix = "system:"

// IsSystem reports whether p is one of the reserved internal principals.
func (p Principal) IsSystem() bool {
	return strings.HasPrefix(string(p), systemPrefix)
}

// Timestamp is a Unix time in nanoseconds.
type Timestamp int64

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixNano())
}

// Time returns ts as a UTC time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(0, int64(ts)).UTC()
}

// Clock returns the current time. Services take one so tests can pin time.
type Clock func() time.Time
