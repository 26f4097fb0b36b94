// Package redis provides a Redis implementation of the paysync.Ledger interface.
// Claims and finalization are Lua scripts, so several engine processes can
// share one ledger without an in-process lock.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Storage implements paysync.Ledger using Redis hashes, one per event
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "paysync:")
	KeyPrefix string

	// Retention is how long a finalized ledger record is kept (default: 0, forever).
	// Unfinalized claims never expire.
	Retention time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "paysync:",
	}
}

// New creates a new Redis ledger
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "paysync:"
	}
	if config.Retention < 0 {
		return nil, fmt.Errorf("retention must not be negative")
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Insert or take over an expired claim. Returns 1 when the event is
	// finalized or held by a live claim, 0 when the caller now owns it.
	s.scripts["claim"] = redis.NewScript(`
		local key = KEYS[1]
		local eventType = ARGV[1]
		local orgID = ARGV[2]
		local now = tonumber(ARGV[3])
		local leaseEnd = ARGV[4]

		if redis.call('EXISTS', key) == 0 then
			redis.call('HSET', key,
				'event_type', eventType,
				'organization_id', orgID,
				'received_at', ARGV[3],
				'claimed_until', leaseEnd,
				'attempts', 1)
			return 0
		end

		if redis.call('HEXISTS', key, 'processed_at') == 1 then
			return 1
		end

		local current = tonumber(redis.call('HGET', key, 'claimed_until'))
		if current and now < current then
			return 1
		end

		redis.call('HSET', key, 'claimed_until', leaseEnd)
		redis.call('HINCRBY', key, 'attempts', 1)
		return 0
	`)

	// Finalize once. Returns -1 when the record does not exist. The record
	// only gets a TTL when a retention is configured.
	s.scripts["finalize"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return -1
		end
		if redis.call('HEXISTS', key, 'processed_at') == 0 then
			redis.call('HSET', key, 'processed_at', ARGV[1])
		end
		if ARGV[2] ~= '' then
			redis.call('HSET', key, 'organization_id', ARGV[2])
		end
		local retention = tonumber(ARGV[3])
		if retention > 0 then
			redis.call('PEXPIRE', key, retention)
		end
		return 1
	`)
}

// CheckAndRecord implements paysync.Ledger
func (s *Storage) CheckAndRecord(ctx context.Context, req *paysync.ClaimRequest) (bool, error) {
	if req == nil || req.EventID == "" {
		return false, fmt.Errorf("invalid claim request")
	}

	result, err := s.scripts["claim"].Run(ctx, s.client,
		[]string{s.eventKey(req.EventID)},
		req.EventType,
		req.OrganizationID,
		req.Now.UnixMilli(),
		req.Now.Add(req.ClaimTTL).UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: failed to claim event: %w", paysync.ErrStorageUnavailable, err)
	}
	return result == 1, nil
}

// MarkProcessed implements paysync.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID, organizationID string, at time.Time) error {
	result, err := s.scripts["finalize"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)},
		at.UnixMilli(),
		organizationID,
		s.config.Retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: failed to mark event processed: %w", paysync.ErrStorageUnavailable, err)
	}
	if result < 0 {
		return paysync.ErrNotFound
	}
	return nil
}

// GetProcessedEvent implements paysync.Ledger
func (s *Storage) GetProcessedEvent(ctx context.Context, eventID string) (*paysync.ProcessedEvent, error) {
	fields, err := s.client.HGetAll(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}
	if len(fields) == 0 {
		return nil, paysync.ErrNotFound
	}
	return parseRecord(eventID, fields)
}

// parseRecord converts the hash fields written by the claim script.
func parseRecord(eventID string, fields map[string]string) (*paysync.ProcessedEvent, error) {
	rec := &paysync.ProcessedEvent{
		EventID:        eventID,
		EventType:      fields["event_type"],
		OrganizationID: fields["organization_id"],
	}

	var err error
	if rec.ReceivedAt, err = parseMillis(fields["received_at"]); err != nil {
		return nil, err
	}
	if rec.ClaimedUntil, err = parseMillis(fields["claimed_until"]); err != nil {
		return nil, err
	}
	if v, ok := fields["attempts"]; ok {
		if rec.Attempts, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid attempts %q: %w", v, err)
		}
	}
	if v, ok := fields["processed_at"]; ok {
		processedAt, err := parseMillis(v)
		if err != nil {
			return nil, err
		}
		rec.ProcessedAt = &processedAt
	}
	return rec, nil
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
