// Package eventsourcing records emitted events in Redis: RedisEventStore
// keeps a time-indexed append log of (pk, ts) per topic with bounded-range
// replay, and RedisPrepareCommit keeps the durable two-phase record of ORM
// transactions. Sub wires both onto the signal bus.
//
// The event sourcing here is deliberately shallow: it records that
// something changed at time T for pk X, not what changed. Replaying a time
// range yields the pks whose rows have gone stale; the current data still
// comes from the database.
package eventsourcing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/samsarahq/go/oops"

	"github.com/samsarahq/meepo/logger"
)

// Namespace buckets store keys by event timestamp. Static returns the same
// bucket for every timestamp.
type Namespace func(ts int64) string

// Static builds a Namespace that ignores the timestamp.
func Static(s string) Namespace {
	return func(int64) string { return s }
}

// Daily builds a Namespace that buckets by day, e.g. "meepo:redis_es:20240115".
func Daily(prefix string) Namespace {
	return func(ts int64) string {
		return prefix + ":" + time.Unix(ts, 0).UTC().Format("20060102")
	}
}

// luaTime reads the clock on the Redis server, so that timestamps stay
// consistent across publishers with skewed clocks.
var luaTime = redis.NewScript("return tonumber(redis.call('TIME')[1])")

// luaAdd is the compare-and-set for event scores: a pk's score only ever
// moves forward, which makes retries and duplicate replays idempotent.
// ARGV[3] refreshes the key TTL when positive.
var luaAdd = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[2])
if score and tonumber(ARGV[1]) <= tonumber(score) then
    return 0
else
    redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
    if tonumber(ARGV[3]) > 0 then
        redis.call('EXPIRE', KEYS[1], ARGV[3])
    end
    return 1
end`)

// RedisEventStoreOptions configures a RedisEventStore.
type RedisEventStoreOptions struct {
	// Namespace buckets keys; default Daily("meepo:redis_es").
	Namespace Namespace

	// TTL expires a topic's log after inactivity; default 3 days.
	TTL time.Duration

	// SocketTimeout bounds Redis I/O; default 1s. Store calls run inside
	// publisher handlers and must not block the transaction boundary.
	SocketTimeout time.Duration

	Logger logger.Logger
}

// ScoredPK is a replayed pk together with its event timestamp.
type ScoredPK struct {
	Pk string
	Ts int64
}

// RedisEventStore is an append-only, time-indexed event log: per topic a
// sorted set of pks scored by timestamp.
//
// The store is compatible with hash-sharding proxies: every operation
// touches a single key.
type RedisEventStore struct {
	r         *redis.Client
	namespace Namespace
	ttl       time.Duration
	logger    logger.Logger
}

func NewRedisEventStore(redisDSN string, options RedisEventStoreOptions) (*RedisEventStore, error) {
	client, err := newClient(redisDSN, options.SocketTimeout)
	if err != nil {
		return nil, err
	}
	namespace := options.Namespace
	if namespace == nil {
		namespace = Daily("meepo:redis_es")
	}
	ttl := options.TTL
	if ttl == 0 {
		ttl = 3 * 24 * time.Hour
	}
	return &RedisEventStore{
		r:         client,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger.Prefixed(options.Logger, "meepo.redis_es"),
	}, nil
}

func newClient(redisDSN string, socketTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisDSN)
	if err != nil {
		return nil, oops.Wrapf(err, "parsing redis dsn")
	}
	if socketTimeout == 0 {
		socketTimeout = time.Second
	}
	opts.DialTimeout = socketTimeout
	opts.ReadTimeout = socketTimeout
	opts.WriteTimeout = socketTimeout
	return redis.NewClient(opts), nil
}

func (s *RedisEventStore) keygen(event string, ts int64) string {
	if ts == 0 {
		ts = time.Now().Unix()
	}
	return fmt.Sprintf("%s:%s", s.namespace(ts), event)
}

// serverTime reads the Redis server clock.
func (s *RedisEventStore) serverTime(ctx context.Context) (int64, error) {
	return luaTime.Run(ctx, s.r, []string{"1"}).Int64()
}

// Add records that pk changed under event at ts. Zero ts uses the Redis
// server clock. The stored score never decreases; a stale ts is a no-op
// and Add reports false. Transport errors are logged and report false.
func (s *RedisEventStore) Add(event, pk string, ts int64) bool {
	ctx := context.Background()

	if ts == 0 {
		serverTs, err := s.serverTime(ctx)
		if err != nil {
			s.logger.Error("event store failed reading server time", "error", err)
			return false
		}
		ts = serverTs
	}

	key := s.keygen(event, ts)
	newer, err := luaAdd.Run(ctx, s.r, []string{key}, ts, pk, int64(s.ttl.Seconds())).Int64()
	if err != nil {
		s.logger.Error("event store failed", "event", event, "pk", pk, "error", err)
		return false
	}
	return newer == 1
}

// Replay returns the pks recorded under event with scores in [from, to],
// ordered by score ascending. A to of zero or less means +inf. When the
// namespace buckets by time, replay only covers from's bucket.
func (s *RedisEventStore) Replay(event string, from, to int64) ([]string, error) {
	pks, err := s.r.ZRangeByScore(context.Background(), s.keygen(event, from), &redis.ZRangeBy{
		Min: fmt.Sprint(from),
		Max: maxScore(to),
	}).Result()
	if err != nil {
		return nil, oops.Wrapf(err, "replaying %s", event)
	}
	return pks, nil
}

// ReplayWithTs is Replay returning the event timestamps alongside the pks.
func (s *RedisEventStore) ReplayWithTs(event string, from, to int64) ([]ScoredPK, error) {
	scored, err := s.r.ZRangeByScoreWithScores(context.Background(), s.keygen(event, from), &redis.ZRangeBy{
		Min: fmt.Sprint(from),
		Max: maxScore(to),
	}).Result()
	if err != nil {
		return nil, oops.Wrapf(err, "replaying %s", event)
	}
	pks := make([]ScoredPK, 0, len(scored))
	for _, z := range scored {
		pks = append(pks, ScoredPK{Pk: fmt.Sprint(z.Member), Ts: int64(z.Score)})
	}
	return pks, nil
}

func maxScore(to int64) string {
	if to <= 0 {
		return "+inf"
	}
	return fmt.Sprint(to)
}

// Clear drops the stored log of event in ts's namespace bucket; zero ts
// means the current bucket.
func (s *RedisEventStore) Clear(event string, ts int64) error {
	return s.r.Del(context.Background(), s.keygen(event, ts)).Err()
}

// Close releases the Redis connection.
func (s *RedisEventStore) Close() error { return s.r.Close() }
