package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tracdap.evalgo.org/errs"
)

// RedisCache is the durable job cache backend, persisting entries and
// tickets to Redis so job state survives an orchestrator restart. Grounded
// directly on queue/redis/queue.go's Queue (client construction from a URL,
// context-scoped per-call methods, a key-prefix convention) generalized from
// a FIFO job queue to a revisioned key-value store with per-key leases.
type RedisCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisConfig configures the durable cache backend.
type RedisConfig struct {
	RedisURL  string
	KeyPrefix string
}

// NewRedisCache dials Redis per config, defaulting the URL and prefix the way
// queue/redis/queue.go's NewQueue does.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "jobcache:"
	}

	return &RedisCache{client: client, prefix: prefix, now: time.Now}, nil
}

func (rc *RedisCache) entryKey(key string) string  { return rc.prefix + "entry:" + key }
func (rc *RedisCache) ticketKey(key string) string { return rc.prefix + "ticket:" + key }

type redisEntry struct {
	Revision     int64     `json:"revision"`
	Status       string    `json:"status"`
	Value        []byte    `json:"value"`
	Deleted      bool      `json:"deleted"`
	LastActivity time.Time `json:"last_activity"`
}

type redisTicket struct {
	ID       string    `json:"id"`
	Revision int64     `json:"revision"`
	Deadline time.Time `json:"deadline"`
}

func (rc *RedisCache) OpenNewTicket(ctx context.Context, key string, dur time.Duration) (Ticket, error) {
	if err := ValidateKey(key); err != nil {
		return Ticket{}, err
	}
	dur = clampTicketDuration(dur)

	var result Ticket
	txf := func(tx *redis.Tx) error {
		entryRaw, err := tx.Get(ctx, rc.entryKey(key)).Result()
		entryExists := !errors.Is(err, redis.Nil)
		if err != nil && entryExists {
			return err
		}

		if entryExists {
			var entry redisEntry
			if err := json.Unmarshal([]byte(entryRaw), &entry); err == nil {
				if len(entry.Value) > 0 && !entry.Deleted {
					result = Ticket{Key: key, State: TicketSuperseded}
					return nil
				}
			}
		}

		live, err := rc.activeTicketLocked(ctx, tx, key)
		if err != nil {
			return err
		}
		if live {
			result = Ticket{Key: key, State: TicketSuperseded}
			return nil
		}

		t := newTicket(key, 0, rc.now(), dur)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			rc.writeTicket(ctx, p, key, t)
			return nil
		})
		result = t
		return err
	}

	if err := rc.client.Watch(ctx, txf, rc.entryKey(key), rc.ticketKey(key)); err != nil {
		return Ticket{}, fmt.Errorf("open new ticket for %q: %w", key, err)
	}
	return result, nil
}

func (rc *RedisCache) OpenTicket(ctx context.Context, key string, revision int64, dur time.Duration) (Ticket, error) {
	if err := ValidateKey(key); err != nil {
		return Ticket{}, err
	}
	dur = clampTicketDuration(dur)

	var result Ticket
	txf := func(tx *redis.Tx) error {
		entryRaw, err := tx.Get(ctx, rc.entryKey(key)).Result()
		if errors.Is(err, redis.Nil) {
			result = Ticket{Key: key, State: TicketMissing}
			return nil
		}
		if err != nil {
			return err
		}

		var entry redisEntry
		if err := json.Unmarshal([]byte(entryRaw), &entry); err != nil {
			return err
		}
		if entry.Revision > revision {
			result = Ticket{Key: key, State: TicketSuperseded}
			return nil
		}
		if entry.Revision < revision {
			result = Ticket{Key: key, State: TicketMissing}
			return nil
		}

		live, err := rc.activeTicketLocked(ctx, tx, key)
		if err != nil {
			return err
		}
		if live {
			result = Ticket{Key: key, State: TicketSuperseded}
			return nil
		}

		t := newTicket(key, revision, rc.now(), dur)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			rc.writeTicket(ctx, p, key, t)
			return nil
		})
		result = t
		return err
	}

	if err := rc.client.Watch(ctx, txf, rc.entryKey(key), rc.ticketKey(key)); err != nil {
		return Ticket{}, fmt.Errorf("open ticket for %q: %w", key, err)
	}
	return result, nil
}

func (rc *RedisCache) activeTicketLocked(ctx context.Context, tx *redis.Tx, key string) (bool, error) {
	raw, err := tx.Get(ctx, rc.ticketKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var t redisTicket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return false, nil
	}
	return rc.now().Before(t.Deadline), nil
}

func (rc *RedisCache) writeTicket(ctx context.Context, p redis.Pipeliner, key string, t Ticket) {
	payload, _ := json.Marshal(redisTicket{ID: t.ID, Revision: t.Revision, Deadline: t.Deadline})
	ttl := time.Until(t.Deadline)
	if ttl <= 0 {
		ttl = time.Second
	}
	p.Set(ctx, rc.ticketKey(key), payload, ttl)
}

func (rc *RedisCache) CloseTicket(ctx context.Context, ticket Ticket) error {
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rc.ticketKey(ticket.Key)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var t redisTicket
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return err
		}
		if t.ID != ticket.ID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, rc.ticketKey(ticket.Key))
			return nil
		})
		return err
	}
	if err := rc.client.Watch(ctx, txf, rc.ticketKey(ticket.Key)); err != nil {
		return fmt.Errorf("close ticket for %q: %w", ticket.Key, err)
	}
	return nil
}

func (rc *RedisCache) CreateEntry(ctx context.Context, ticket Ticket, status string, value []byte) (Entry, error) {
	return rc.mutate(ctx, ticket, func(e *redisEntry) { e.Status = status; e.Value = value; e.Deleted = false })
}

func (rc *RedisCache) UpdateEntry(ctx context.Context, ticket Ticket, status string, value []byte) (Entry, error) {
	return rc.mutate(ctx, ticket, func(e *redisEntry) { e.Status = status; e.Value = value })
}

func (rc *RedisCache) DeleteEntry(ctx context.Context, ticket Ticket) error {
	_, err := rc.mutate(ctx, ticket, func(e *redisEntry) { e.Value = nil; e.Deleted = true })
	return err
}

func (rc *RedisCache) mutate(ctx context.Context, ticket Ticket, fn func(e *redisEntry)) (Entry, error) {
	var result Entry
	var opErr error

	txf := func(tx *redis.Tx) error {
		if err := rc.checkTicket(ctx, tx, ticket); err != nil {
			opErr = err
			return nil
		}

		entry := redisEntry{Revision: ticket.Revision}
		if raw, err := tx.Get(ctx, rc.entryKey(ticket.Key)).Result(); err == nil {
			_ = json.Unmarshal([]byte(raw), &entry)
		}
		if entry.Revision != ticket.Revision {
			opErr = errs.New(errs.CacheTicket, "ticket revision %d does not match current revision %d for %q", ticket.Revision, entry.Revision, ticket.Key)
			return nil
		}

		fn(&entry)
		entry.Revision++
		entry.LastActivity = rc.now()

		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, rc.entryKey(ticket.Key), payload, 0)
			return nil
		})
		if err != nil {
			return err
		}

		result = Entry{
			Key: ticket.Key, Revision: entry.Revision, Status: entry.Status,
			Value: entry.Value, Deleted: entry.Deleted, LastActivity: entry.LastActivity,
		}
		return nil
	}

	if err := rc.client.Watch(ctx, txf, rc.entryKey(ticket.Key), rc.ticketKey(ticket.Key)); err != nil {
		return Entry{}, fmt.Errorf("mutate %q: %w", ticket.Key, err)
	}
	return result, opErr
}

func (rc *RedisCache) checkTicket(ctx context.Context, tx *redis.Tx, ticket Ticket) error {
	raw, err := tx.Get(ctx, rc.ticketKey(ticket.Key)).Result()
	if errors.Is(err, redis.Nil) {
		return errs.New(errs.CacheTicket, "no live ticket for %q", ticket.Key)
	}
	if err != nil {
		return err
	}
	var t redisTicket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return err
	}
	if t.ID != ticket.ID {
		return errs.New(errs.CacheTicket, "ticket for %q is not live", ticket.Key)
	}
	if rc.now().After(t.Deadline) {
		return errs.New(errs.CacheTicket, "ticket for %q has expired", ticket.Key)
	}
	return nil
}

// ReadEntry is a plain (non-transactional) ticket check followed by a read:
// no concurrent mutation of this key can be in flight without holding the
// same ticket, so a torn read here is not observable.
func (rc *RedisCache) ReadEntry(ctx context.Context, ticket Ticket) (Entry, error) {
	raw, err := rc.client.Get(ctx, rc.ticketKey(ticket.Key)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, errs.New(errs.CacheTicket, "no live ticket for %q", ticket.Key)
	}
	if err != nil {
		return Entry{}, err
	}
	var t redisTicket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Entry{}, err
	}
	if t.ID != ticket.ID || rc.now().After(t.Deadline) {
		return Entry{}, errs.New(errs.CacheTicket, "ticket for %q is not live", ticket.Key)
	}

	entryRaw, err := rc.client.Get(ctx, rc.entryKey(ticket.Key)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, errs.New(errs.CacheNotFound, "no such cache entry %q", ticket.Key)
	}
	if err != nil {
		return Entry{}, err
	}
	var entry redisEntry
	if err := json.Unmarshal([]byte(entryRaw), &entry); err != nil {
		return Entry{}, err
	}
	if entry.Revision != ticket.Revision {
		return Entry{}, errs.New(errs.CacheTicket, "ticket revision %d does not match current revision %d for %q", ticket.Revision, entry.Revision, ticket.Key)
	}
	return Entry{Key: ticket.Key, Revision: entry.Revision, Status: entry.Status, Value: entry.Value, Deleted: entry.Deleted, LastActivity: entry.LastActivity}, nil
}

func (rc *RedisCache) QueryKey(ctx context.Context, key string) (Entry, bool, error) {
	if raw, err := rc.client.Get(ctx, rc.ticketKey(key)).Result(); err == nil {
		var t redisTicket
		if json.Unmarshal([]byte(raw), &t) == nil && rc.now().Before(t.Deadline) {
			return Entry{}, false, nil
		}
	}

	entryRaw, err := rc.client.Get(ctx, rc.entryKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var entry redisEntry
	if err := json.Unmarshal([]byte(entryRaw), &entry); err != nil {
		return Entry{Key: key, DecodeError: err}, true, nil
	}
	return Entry{Key: key, Revision: entry.Revision, Status: entry.Status, Value: entry.Value, Deleted: entry.Deleted, LastActivity: entry.LastActivity}, true, nil
}

// QueryStatus scans the entry keyspace under this cache's prefix. Redis SCAN
// is the idiomatic non-blocking alternative to KEYS for this, matching the
// cursor-based iteration go-redis exposes.
func (rc *RedisCache) QueryStatus(ctx context.Context, statuses []string, includeOpenTickets bool) ([]Entry, error) {
	wanted := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []Entry
	iter := rc.client.Scan(ctx, 0, rc.prefix+"entry:*", 100).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		key := fullKey[len(rc.prefix+"entry:"):]

		if !includeOpenTickets {
			if raw, err := rc.client.Get(ctx, rc.ticketKey(key)).Result(); err == nil {
				var t redisTicket
				if json.Unmarshal([]byte(raw), &t) == nil && rc.now().Before(t.Deadline) {
					continue
				}
			}
		}

		raw, err := rc.client.Get(ctx, fullKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry redisEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			out = append(out, Entry{Key: key, DecodeError: err})
			continue
		}
		if len(wanted) > 0 && !wanted[entry.Status] {
			continue
		}
		out = append(out, Entry{Key: key, Revision: entry.Revision, Status: entry.Status, Value: entry.Value, Deleted: entry.Deleted, LastActivity: entry.LastActivity})
	}
	return out, iter.Err()
}

func (rc *RedisCache) Close() error { return rc.client.Close() }
