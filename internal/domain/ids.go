// Package domain holds the core data types shared across the runtime:
// sessions, messages, tasks, delegations, revert state and events.
package domain

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// PublicID is a time-ordered, globally unique external identifier. Every
// aggregate (Session, Message, Task, Delegation, RevertState) is addressed
// externally by a PublicID; internal SQLite primary keys are plain
// autoincrement integers and never leak past the store boundary.
type PublicID string

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewPublicID mints a new time-ordered PublicID. Safe for concurrent use.
func NewPublicID() PublicID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return PublicID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}
