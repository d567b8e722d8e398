package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"tracdap.evalgo.org/errs"
)

const shardCount = 16

// record is the shard's internal bookkeeping for one key: the entry itself
// plus at most one outstanding ticket.
type record struct {
	entry  Entry
	ticket *Ticket
}

type shard struct {
	mu   sync.Mutex
	data map[string]*record
}

// MemCache is the in-process, non-blocking job cache backend: a
// fixed-cardinality set of shards, each independently mutexed, following the
// §9 Design Note ("shared mutable global state → owned map with atomic
// updates... per-shard locking acceptable").
type MemCache struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewMemCache constructs an empty MemCache.
func NewMemCache() *MemCache {
	mc := &MemCache{now: time.Now}
	for i := range mc.shards {
		mc.shards[i] = &shard{data: make(map[string]*record)}
	}
	return mc
}

func (mc *MemCache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return mc.shards[h.Sum32()%shardCount]
}

func (mc *MemCache) OpenNewTicket(ctx context.Context, key string, dur time.Duration) (Ticket, error) {
	if err := ValidateKey(key); err != nil {
		return Ticket{}, err
	}
	dur = clampTicketDuration(dur)

	s := mc.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := mc.now()
	rec, exists := s.data[key]
	if exists {
		if len(rec.entry.Value) > 0 && !rec.entry.Deleted {
			return Ticket{Key: key, State: TicketSuperseded}, nil
		}
		if rec.ticket != nil && !rec.ticket.Expired(now) {
			return Ticket{Key: key, State: TicketSuperseded}, nil
		}
	} else {
		rec = &record{entry: Entry{Key: key, Revision: 0}}
		s.data[key] = rec
	}

	t := newTicket(key, rec.entry.Revision, now, dur)
	rec.ticket = &t
	return t, nil
}

func (mc *MemCache) OpenTicket(ctx context.Context, key string, revision int64, dur time.Duration) (Ticket, error) {
	if err := ValidateKey(key); err != nil {
		return Ticket{}, err
	}
	dur = clampTicketDuration(dur)

	s := mc.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.data[key]
	if !exists {
		return Ticket{Key: key, State: TicketMissing}, nil
	}

	now := mc.now()
	if rec.entry.Revision > revision {
		return Ticket{Key: key, State: TicketSuperseded}, nil
	}
	if rec.entry.Revision < revision {
		return Ticket{Key: key, State: TicketMissing}, nil
	}
	if rec.ticket != nil && !rec.ticket.Expired(now) {
		return Ticket{Key: key, State: TicketSuperseded}, nil
	}

	t := newTicket(key, revision, now, dur)
	rec.ticket = &t
	return t, nil
}

func (mc *MemCache) CloseTicket(ctx context.Context, ticket Ticket) error {
	s := mc.shardFor(ticket.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.data[ticket.Key]
	if !exists {
		return nil
	}
	if rec.ticket != nil && rec.ticket.ID == ticket.ID {
		rec.ticket = nil
		if rec.entry.Deleted {
			delete(s.data, ticket.Key)
		}
	}
	return nil
}

func (mc *MemCache) CreateEntry(ctx context.Context, ticket Ticket, status string, value []byte) (Entry, error) {
	return mc.mutate(ticket, func(rec *record) error {
		rec.entry.Status = status
		rec.entry.Value = value
		rec.entry.Deleted = false
		return nil
	})
}

func (mc *MemCache) UpdateEntry(ctx context.Context, ticket Ticket, status string, value []byte) (Entry, error) {
	return mc.mutate(ticket, func(rec *record) error {
		rec.entry.Status = status
		rec.entry.Value = value
		return nil
	})
}

func (mc *MemCache) DeleteEntry(ctx context.Context, ticket Ticket) error {
	_, err := mc.mutate(ticket, func(rec *record) error {
		rec.entry.Value = nil
		rec.entry.Deleted = true
		return nil
	})
	return err
}

func (mc *MemCache) ReadEntry(ctx context.Context, ticket Ticket) (Entry, error) {
	s := mc.shardFor(ticket.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := mc.checkTicketLocked(s, ticket)
	if err != nil {
		return Entry{}, err
	}
	return rec.entry, nil
}

// mutate validates the ticket, runs fn against the record under lock, bumps
// revision, and refreshes LastActivity — the single choke point every
// write-path method funnels through.
func (mc *MemCache) mutate(ticket Ticket, fn func(rec *record) error) (Entry, error) {
	s := mc.shardFor(ticket.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := mc.checkTicketLocked(s, ticket)
	if err != nil {
		return Entry{}, err
	}

	if err := fn(rec); err != nil {
		return Entry{}, err
	}
	rec.entry.Revision++
	rec.entry.LastActivity = mc.now()
	return rec.entry, nil
}

func (mc *MemCache) checkTicketLocked(s *shard, ticket Ticket) (*record, error) {
	rec, exists := s.data[ticket.Key]
	if !exists {
		return nil, errs.New(errs.CacheTicket, "no such cache entry %q", ticket.Key)
	}
	if rec.ticket == nil || rec.ticket.ID != ticket.ID {
		return nil, errs.New(errs.CacheTicket, "ticket for %q is not live", ticket.Key)
	}
	if rec.ticket.Expired(mc.now()) {
		return nil, errs.New(errs.CacheTicket, "ticket for %q has expired", ticket.Key)
	}
	if rec.entry.Revision != ticket.Revision {
		return nil, errs.New(errs.CacheTicket, "ticket revision %d does not match current revision %d for %q", ticket.Revision, rec.entry.Revision, ticket.Key)
	}
	return rec, nil
}

func (mc *MemCache) QueryKey(ctx context.Context, key string) (Entry, bool, error) {
	s := mc.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.data[key]
	if !exists {
		return Entry{}, false, nil
	}
	if rec.ticket != nil && !rec.ticket.Expired(mc.now()) {
		return Entry{}, false, nil
	}
	return rec.entry, true, nil
}

func (mc *MemCache) QueryStatus(ctx context.Context, statuses []string, includeOpenTickets bool) ([]Entry, error) {
	wanted := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []Entry
	now := mc.now()
	for _, s := range mc.shards {
		s.mu.Lock()
		for _, rec := range s.data {
			if !includeOpenTickets && rec.ticket != nil && !rec.ticket.Expired(now) {
				continue
			}
			if len(wanted) > 0 && !wanted[rec.entry.Status] {
				continue
			}
			out = append(out, rec.entry)
		}
		s.mu.Unlock()
	}
	return out, nil
}

// Sweep removes entries whose LastActivity is older than olderThan and that
// have no live ticket outstanding, per spec §4's cache entry TTL/GC
// supplement. It never removes a record a ticket is still held against,
// even if the record itself is stale, since that ticket's holder may still
// be about to write it.
func (mc *MemCache) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := mc.now().Add(-olderThan)
	removed := 0

	for _, s := range mc.shards {
		s.mu.Lock()
		for key, rec := range s.data {
			if rec.ticket != nil && !rec.ticket.Expired(mc.now()) {
				continue
			}
			if rec.entry.LastActivity.IsZero() || rec.entry.LastActivity.After(cutoff) {
				continue
			}
			delete(s.data, key)
			removed++
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}
	}
	return removed, nil
}

func (mc *MemCache) Close() error { return nil }

func clampTicketDuration(dur time.Duration) time.Duration {
	if dur <= 0 || dur > MaxTicketDuration {
		return MaxTicketDuration
	}
	return dur
}

func newTicket(key string, revision int64, now time.Time, dur time.Duration) Ticket {
	return Ticket{
		ID:        uuid.NewString(),
		Key:       key,
		Revision:  revision,
		State:     TicketLive,
		GrantedAt: now,
		Deadline:  now.Add(dur),
	}
}
