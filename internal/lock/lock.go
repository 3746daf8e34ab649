// Package lock implements the distributed lock and timestamp service (C3):
// cluster-wide mutual exclusion keyed by provider slug, plus the
// last-execution-timestamp and stats side-channels the pull engine uses for
// incremental sync bookkeeping. Ported from
// mirobody/pulse/core/distributed_lock.py's PullTaskLockManager.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	lockKeyPrefix       = "lock:"
	tsKeyPrefix         = "ts:"
	statsKeyPrefix      = "stats:"
	oauthStateKeyPrefix = "oauth2:state:"
	oauthRedirKeyPrefix = "oauth2:redir:"

	timestampTTL  = 7 * 24 * time.Hour
	statsTTL      = 24 * time.Hour
	oauthStateTTL = 15 * time.Minute
)

// redisClient is the narrow subset of *redis.Client the service needs,
// isolated behind an interface so tests can substitute a fake without a
// live Redis instance.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
}

// goRedisClient adapts *redis.Client to redisClient.
type goRedisClient struct{ rdb *redis.Client }

func (c *goRedisClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *goRedisClient) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

func (c *goRedisClient) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *goRedisClient) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *goRedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

func (c *goRedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Status describes the state of a provider's lock key.
type Status struct {
	Locked         bool
	HolderInstance string
	ExecutionID    string
	TTL            time.Duration
}

// Service is the distributed lock and timestamp/stats key-value service.
// When the Redis backend is unreachable, it degrades to vacuous success on
// acquire and no-op on release, per spec.md §4.3 and §9: availability over
// strict mutual exclusion, since downstream normalization is idempotent on
// duplicate pushes.
type Service struct {
	instanceID string
	client     redisClient
	degraded   bool
}

// New builds a Service backed by addr (a redis "host:port" address). It
// pings immediately; if the ping fails the service starts in degraded mode
// and stays there for its lifetime: no later operation contacts Redis, even
// if it becomes reachable again.
func New(addr string) *Service {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return NewWithClient(&goRedisClient{rdb: rdb})
}

// NewWithClient builds a Service over an arbitrary redisClient, used by
// tests and by New.
func NewWithClient(client redisClient) *Service {
	s := &Service{
		instanceID: uuid.NewString()[:8],
		client:     client,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("lock: redis unreachable at startup, degrading to vacuous locking")
		s.degraded = true
	}
	return s
}

func lockKey(slug string) string  { return lockKeyPrefix + slug }
func tsKey(slug string) string    { return tsKeyPrefix + slug }
func statsKey(slug string) string { return statsKeyPrefix + slug }

func lockValue(instanceID, executionID string) string {
	return fmt.Sprintf("%s:%d:%s", instanceID, time.Now().Unix(), executionID)
}

// TryAcquire attempts to acquire the cluster-wide lock for provider slug,
// valid for duration. If force is true, any existing lock is deleted first.
// Returns the execution id on success, or "" if another instance holds the
// lock. In degraded mode (Redis unreachable), always "succeeds" with a fresh
// execution id.
func (s *Service) TryAcquire(ctx context.Context, slug string, duration time.Duration, force bool) (string, error) {
	executionID := uuid.NewString()

	if s.degraded {
		log.Warn().Str("provider", slug).Msg("lock: degraded mode, granting lock vacuously")
		return executionID, nil
	}

	key := lockKey(slug)

	if force {
		log.Warn().Str("provider", slug).Msg("lock: force mode, deleting existing lock before acquire")
		if err := s.client.Del(ctx, key); err != nil {
			log.Error().Err(err).Str("provider", slug).Msg("lock: failed to delete lock in force mode")
		}
	}

	value := lockValue(s.instanceID, executionID)
	acquired, err := s.client.SetNX(ctx, key, value, duration)
	if err != nil {
		log.Error().Err(err).Str("provider", slug).Msg("lock: acquire error, degrading for this call")
		return executionID, nil
	}
	if !acquired {
		log.Info().Str("provider", slug).Msg("lock: already held by another instance/execution")
		return "", nil
	}

	log.Info().
		Str("provider", slug).
		Str("instance", s.instanceID).
		Str("execution_id", executionID).
		Dur("duration", duration).
		Msg("lock: acquired")
	return executionID, nil
}

// Release releases the lock for slug only if it is still held by this
// instance and executionID (ownership guard); otherwise it is a no-op.
func (s *Service) Release(ctx context.Context, slug, executionID string) error {
	if s.degraded {
		return nil
	}

	key := lockKey(slug)
	current, err := s.client.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("provider", slug).Msg("lock: release read error")
		return nil
	}

	if !strings.Contains(current, s.instanceID) || !strings.Contains(current, executionID) {
		log.Warn().Str("provider", slug).Str("current", current).Msg("lock: release ownership mismatch, ignoring")
		return nil
	}

	if err := s.client.Del(ctx, key); err != nil {
		return fmt.Errorf("lock: release %s: %w", slug, err)
	}
	log.Info().Str("provider", slug).Str("execution_id", executionID).Msg("lock: released")
	return nil
}

// Status reports the current lock state for slug.
func (s *Service) Status(ctx context.Context, slug string) (Status, error) {
	if s.degraded {
		return Status{}, nil
	}

	key := lockKey(slug)
	value, err := s.client.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("lock: status %s: %w", slug, err)
	}

	ttl, _ := s.client.TTL(ctx, key)
	parts := strings.SplitN(value, ":", 3)
	st := Status{Locked: true, TTL: ttl}
	if len(parts) > 0 {
		st.HolderInstance = parts[0]
	}
	if len(parts) > 2 {
		st.ExecutionID = parts[2]
	}
	return st, nil
}

// GetLastTimestamp returns the last recorded execution timestamp for slug,
// or ok=false if unset.
func (s *Service) GetLastTimestamp(ctx context.Context, slug string) (int64, bool, error) {
	if s.degraded {
		return 0, false, nil
	}

	value, err := s.client.Get(ctx, tsKey(slug))
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lock: get timestamp %s: %w", slug, err)
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("lock: parse timestamp %s: %w", slug, err)
	}
	return ts, true, nil
}

// SetLastTimestamp records the last execution timestamp for slug with a
// 7-day TTL.
func (s *Service) SetLastTimestamp(ctx context.Context, slug string, unixSeconds int64) error {
	if s.degraded {
		return nil
	}
	return s.client.SetEX(ctx, tsKey(slug), strconv.FormatInt(unixSeconds, 10), timestampTTL)
}

// ClearLastTimestamp removes slug's recorded timestamp, forcing the next
// pull to fall back to its default lookback window.
func (s *Service) ClearLastTimestamp(ctx context.Context, slug string) error {
	if s.degraded {
		return nil
	}
	return s.client.Del(ctx, tsKey(slug))
}

// SaveStats persists an opaque JSON blob describing a task's run stats, with
// a 24-hour TTL.
func (s *Service) SaveStats(ctx context.Context, slug string, blob string) error {
	if s.degraded {
		return nil
	}
	return s.client.SetEX(ctx, statsKey(slug), blob, statsTTL)
}

// SaveOAuthState records the OAuth2 state handed out at link time: the user
// who initiated the flow and the redirect URI the token exchange must repeat.
// Both entries expire after 15 minutes, bounding how long a pending
// authorization stays redeemable.
func (s *Service) SaveOAuthState(ctx context.Context, state, userID, redirectURI string) error {
	if s.degraded {
		log.Warn().Msg("lock: degraded mode, oauth2 state not persisted")
		return errors.New("lock: oauth2 state store unavailable")
	}
	if err := s.client.SetEX(ctx, oauthStateKeyPrefix+state, userID, oauthStateTTL); err != nil {
		return fmt.Errorf("lock: save oauth2 state: %w", err)
	}
	if err := s.client.SetEX(ctx, oauthRedirKeyPrefix+state, redirectURI, oauthStateTTL); err != nil {
		return fmt.Errorf("lock: save oauth2 redirect: %w", err)
	}
	return nil
}

// TakeOAuthState redeems an OAuth2 state exactly once: it reads the stored
// user id and redirect URI, then deletes both keys so a replayed callback
// with the same state finds nothing (first-wins).
func (s *Service) TakeOAuthState(ctx context.Context, state string) (userID, redirectURI string, ok bool, err error) {
	if s.degraded {
		return "", "", false, nil
	}

	userID, err = s.client.Get(ctx, oauthStateKeyPrefix+state)
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("lock: read oauth2 state: %w", err)
	}
	redirectURI, err = s.client.Get(ctx, oauthRedirKeyPrefix+state)
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", "", false, fmt.Errorf("lock: read oauth2 redirect: %w", err)
	}

	_ = s.client.Del(ctx, oauthStateKeyPrefix+state, oauthRedirKeyPrefix+state)
	return userID, redirectURI, true, nil
}

// GetStats returns the last-saved stats blob for slug, or ok=false if unset
// or expired.
func (s *Service) GetStats(ctx context.Context, slug string) (string, bool, error) {
	if s.degraded {
		return "", false, nil
	}
	value, err := s.client.Get(ctx, statsKey(slug))
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lock: get stats %s: %w", slug, err)
	}
	return value, true, nil
}
