// Package cache implements the job cache (C3): a ticketed, revision-versioned
// key-value store with per-key exclusive leases, backed by either an
// in-process sharded map (package-local MemCache) or Redis (RedisCache) for
// durability across process restarts.
package cache

import (
	"context"
	"regexp"
	"time"

	"tracdap.evalgo.org/errs"
)

// keyPattern is the closed key grammar from spec §3.2.
var keyPattern = regexp.MustCompile(`^[\w\-]+$`)

// reservedKeyPattern excludes identifiers that collide with internal
// bookkeeping keys the durable backend may use for its own metadata.
var reservedKeyPattern = regexp.MustCompile(`^__trac_`)

// ValidateKey enforces the cache key grammar.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return errs.New(errs.Validation, "cache key %q does not match [\\w\\-]+", key)
	}
	if reservedKeyPattern.MatchString(key) {
		return errs.New(errs.Validation, "cache key %q uses the reserved __trac_ prefix", key)
	}
	return nil
}

// TicketState is the result of requesting a ticket.
type TicketState string

const (
	TicketLive       TicketState = "LIVE"
	TicketMissing    TicketState = "MISSING"
	TicketSuperseded TicketState = "SUPERSEDED"
)

// Ticket is a bounded-duration exclusive lease on (Key, Revision).
type Ticket struct {
	ID       string
	Key      string
	Revision int64
	State    TicketState
	GrantedAt time.Time
	Deadline  time.Time
}

// Expired reports whether the ticket's grant deadline has passed as of now.
func (t Ticket) Expired(now time.Time) bool { return now.After(t.Deadline) }

// Entry is a single cache record.
type Entry struct {
	Key          string
	Revision     int64
	Status       string
	Value        []byte
	LastActivity time.Time

	// Deleted marks a soft-deleted entry: the record persists with no value
	// so concurrent ticket-holders observe a consistent state, per §4.3.
	Deleted bool

	// DecodeError is set when Value failed to decode under the caller's
	// expected schema; queries still return the entry so callers can
	// remediate it individually instead of the whole query failing.
	DecodeError error
}

// MaxTicketDuration is the fixed upper bound on ticket grants from §3.2.
const MaxTicketDuration = 5 * time.Minute

// Cache is the C3 surface: a ticketed, revision-versioned key-value store.
type Cache interface {
	// OpenNewTicket grants a ticket for a key with no prior entry, or one
	// whose lease has lapsed. Installs a ticket at revision 0 on success.
	OpenNewTicket(ctx context.Context, key string, dur time.Duration) (Ticket, error)

	// OpenTicket grants a ticket against a key/revision pair that already
	// exists in the cache.
	OpenTicket(ctx context.Context, key string, revision int64, dur time.Duration) (Ticket, error)

	// CloseTicket releases the lease if ticket still holds it. Closing an
	// already-closed or super­seded ticket is a no-op.
	CloseTicket(ctx context.Context, ticket Ticket) error

	// CreateEntry, UpdateEntry, DeleteEntry and ReadEntry all require a LIVE,
	// non-expired ticket whose (key, revision) matches the stored entry.
	CreateEntry(ctx context.Context, ticket Ticket, status string, value []byte) (Entry, error)
	UpdateEntry(ctx context.Context, ticket Ticket, status string, value []byte) (Entry, error)
	DeleteEntry(ctx context.Context, ticket Ticket) error
	ReadEntry(ctx context.Context, ticket Ticket) (Entry, error)

	// QueryKey and QueryStatus are lock-free reads. By default both skip
	// entries whose ticket is LIVE and unexpired.
	QueryKey(ctx context.Context, key string) (Entry, bool, error)
	QueryStatus(ctx context.Context, statuses []string, includeOpenTickets bool) ([]Entry, error)

	Close() error
}
