// Package store is the thin adapter over the Redis-compatible key/value
// store: hashes, sets, sorted sets, lists, pub/sub, scripted atomic
// multi-ops, keyspace-notification subscription, and connection
// duplication.
//
// Grounded on the teacher's queue/redis/queue.go (URL parsing + ping,
// BLPop-with-timeout-on-a-fresh-context, ZAdd/ZRem processing bookkeeping)
// and db/repository/redis.go (SetNX-based locks, Publish/Subscribe
// forwarding goroutine, "cache:"/"counter:" key prefixing pattern, which
// this package generalizes into a single role-keyed connection cache
// rather than one-off prefixed helpers).
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store wraps a primary non-blocking connection plus a cache of derived
// connections for operations that would otherwise hold the primary
// connection in a blocking state (BRPOP, SUBSCRIBE).
type Store struct {
	opts    *redis.Options
	primary *redis.Client

	mu    sync.Mutex
	conns map[string]*redis.Client

	log *logrus.Entry
}

// New parses redisURL, opens the primary connection, and verifies it with
// a PING, mirroring NewQueue/NewRedisRepository's connect-then-ping idiom.
func New(ctx context.Context, redisURL string, log *logrus.Entry) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}

	primary := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := primary.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Store{
		opts:    opts,
		primary: primary,
		conns:   make(map[string]*redis.Client),
		log:     log.WithField("component", "store"),
	}, nil
}

// DB returns the logical database index the primary connection is bound
// to, needed to address "__keyspace@<db>__:<key>" channels.
func (s *Store) DB() int {
	return s.opts.DB
}

// Conn returns the derived connection cached under role, opening a fresh
// client against the same options on first use. Every role used for a
// blocking pop or a pub/sub subscription is cached and reused for the
// life of the Store, matching the spec's per-role connection-duplication
// requirement (§4.1, §4.7, §9).
func (s *Store) Conn(role string) *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[role]; ok {
		return c
	}
	c := redis.NewClient(s.opts)
	s.conns[role] = c
	s.log.WithField("role", role).Debug("opened derived connection")
	return c
}

// Close tears down the primary connection and every derived connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for role, c := range s.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: close conn %s: %w", role, err)
		}
	}
	s.conns = make(map[string]*redis.Client)
	if err := s.primary.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store: close primary: %w", err)
	}
	return firstErr
}

// --- hash operations ---

// HashSet writes every field in fields to the hash at key via HSET.
func (s *Store) HashSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.primary.HSet(ctx, key, args...).Err()
}

// HashGetAll reads every field of the hash at key.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.primary.HGetAll(ctx, key).Result()
}

// HashGet reads a single field of the hash at key.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	return s.primary.HGet(ctx, key, field).Result()
}

// Expire sets a TTL on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.primary.PExpire(ctx, key, ttl).Err()
}

// --- set operations ---

// SetAdd adds members to the set at key via SADD.
func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.primary.SAdd(ctx, key, args...).Err()
}

// SetIsMember reports whether member is in the set at key.
func (s *Store) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.primary.SIsMember(ctx, key, member).Result()
}

// SetMembers returns every member of the set at key.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.primary.SMembers(ctx, key).Result()
}

// --- list operations ---

// ListPush left-pushes value onto the list at key.
func (s *Store) ListPush(ctx context.Context, key, value string) error {
	return s.primary.LPush(ctx, key, value).Err()
}

// ListLen returns the length of the list at key.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	return s.primary.LLen(ctx, key).Result()
}

// BlockingPop performs a BRPOP on the derived connection cached under
// role, using a fresh background-derived context (bounded at timeout
// plus 5 seconds when timeout > 0) rather than a caller's context -- the
// teacher's queue.go does this explicitly to avoid a cancelled/expired
// init-time context wedging the blocking call. A timeout of 0 blocks
// indefinitely (BRPOP ... 0).
func (s *Store) BlockingPop(role, key string, timeout time.Duration) (string, error) {
	popCtx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		popCtx, cancel = context.WithTimeout(popCtx, timeout+5*time.Second)
		defer cancel()
	}
	result, err := s.Conn(role).BRPop(popCtx, timeout, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

// --- sorted set operations ---

// SortedSetAdd adds member to the sorted set at key with the given score.
func (s *Store) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	return s.primary.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// SortedSetRemoveExpired trims every member of the sorted set at key whose
// score (an expiry unix timestamp) is less than now, implementing the
// event retention index's trim-on-publish behavior (spec §3).
func (s *Store) SortedSetRemoveExpired(ctx context.Context, key string, now time.Time) error {
	return s.primary.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", now.Unix())).Err()
}

// --- pub/sub ---

// Publish publishes payload on channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.primary.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription on the derived connection cached under
// role and blocks until the subscribe is acknowledged, matching
// RedisRepository.Subscribe's confirm-then-forward pattern.
func (s *Store) Subscribe(ctx context.Context, role, channel string) (*redis.PubSub, error) {
	pubsub := s.Conn(role).Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("store: subscribe %s: %w", channel, err)
	}
	return pubsub, nil
}

// KeyspaceChannel builds the keyspace-notification channel name for key.
func (s *Store) KeyspaceChannel(key string) string {
	return fmt.Sprintf("__keyspace@%d__:%s", s.DB(), key)
}

// SubscribeKeyspace subscribes to mutation notifications on key.
func (s *Store) SubscribeKeyspace(ctx context.Context, role, key string) (*redis.PubSub, error) {
	return s.Subscribe(ctx, role, s.KeyspaceChannel(key))
}

// --- scripted atomic multi-op ---

var enqueueScript = redis.NewScript(`
redis.call('HSET', KEYS[1], unpack(ARGV, 1, #ARGV-1))
redis.call('LPUSH', KEYS[2], KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[#ARGV])
return 1
`)

// EnqueueAction atomically writes the action hash, pushes its key onto
// queue, and sets the hash's TTL -- the publish protocol's single
// scripted multi-op (spec §4.6), so a partial failure between the three
// effects (the historical source of the lost-wakeup hazard this redesign
// closes) cannot be observed by another engine.
func (s *Store) EnqueueAction(ctx context.Context, queue, actionKey string, fields map[string]string, ttl time.Duration) error {
	argv := make([]interface{}, 0, len(fields)*2+2)
	for k, v := range fields {
		argv = append(argv, k, v)
	}
	argv = append(argv, ttl.Milliseconds())
	return enqueueScript.Run(ctx, s.primary, []string{actionKey, queue}, argv...).Err()
}

// CheckAndSetSentinel performs an atomic set-if-absent (SET NX with a
// TTL) used by
// verify_store_configuration to ensure exactly one engine performs the
// configuration check per TTL window (spec §5, §4.7).
func (s *Store) CheckAndSetSentinel(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.primary.SetNX(ctx, key, time.Now().Format(time.RFC3339), ttl).Result()
}

// ConfigGet reads a server configuration parameter via CONFIG GET,
// returning the empty string if unset.
func (s *Store) ConfigGet(ctx context.Context, parameter string) (string, error) {
	result, err := s.primary.ConfigGet(ctx, parameter).Result()
	if err != nil {
		return "", err
	}
	if v, ok := result[parameter]; ok {
		return v, nil
	}
	// Fall back to a case-insensitive match on the returned parameter names.
	for k, v := range result {
		if strings.EqualFold(k, parameter) {
			return v, nil
		}
	}
	return "", nil
}
