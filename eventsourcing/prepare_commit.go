package eventsourcing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/samsarahq/go/oops"

	"github.com/samsarahq/meepo/events"
	"github.com/samsarahq/meepo/logger"
)

// Phase is a transaction's position in the two-phase log.
type Phase int

const (
	// PhasePrepare means the transaction is durably recorded but not yet
	// acknowledged; after a crash these are the transactions whose events
	// may need replay.
	PhasePrepare Phase = iota
	// PhaseCommit means the transaction left the pending set, by commit or
	// rollback.
	PhaseCommit
)

func (p Phase) String() string {
	if p == PhasePrepare {
		return "prepare"
	}
	return "commit"
}

// RedisPrepareCommitOptions configures a RedisPrepareCommit.
type RedisPrepareCommitOptions struct {
	// Strict propagates transport errors to the caller, aborting the
	// surrounding database transaction. The default lenient mode logs
	// them and reports ok=false so publication continues.
	Strict bool

	// Namespace buckets keys; default Daily("meepo:redis_pc").
	Namespace Namespace

	// TTL is how long a transaction's event set lingers after commit for
	// diagnostics; default 1 hour.
	TTL time.Duration

	SocketTimeout time.Duration

	Logger logger.Logger
}

// RedisPrepareCommit is the durable two-phase transaction log: a set of
// pending tids plus, per tid, a hash of topic -> pks. A tid that stays in
// the pending set is recoverable evidence of a crash between the database
// commit and the downstream ack.
type RedisPrepareCommit struct {
	r         *redis.Client
	strict    bool
	namespace Namespace
	ttl       time.Duration
	logger    logger.Logger

	mu        sync.Mutex
	prepareTs map[string]int64
}

func NewRedisPrepareCommit(redisDSN string, options RedisPrepareCommitOptions) (*RedisPrepareCommit, error) {
	client, err := newClient(redisDSN, options.SocketTimeout)
	if err != nil {
		return nil, err
	}
	namespace := options.Namespace
	if namespace == nil {
		namespace = Daily("meepo:redis_pc")
	}
	ttl := options.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &RedisPrepareCommit{
		r:         client,
		strict:    options.Strict,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger.Prefixed(options.Logger, "meepo.redis_pc"),
		prepareTs: make(map[string]int64),
	}, nil
}

// keygen returns the pending-set key and the tid's event-set key. The
// timestamp is pinned at first use per tid so prepare and commit land in
// the same namespace bucket even across a bucket rollover.
func (pc *RedisPrepareCommit) keygen(tid string) (string, string) {
	pc.mu.Lock()
	ts, ok := pc.prepareTs[tid]
	if !ok {
		ts = time.Now().Unix()
		pc.prepareTs[tid] = ts
	}
	pc.mu.Unlock()

	spKey := pc.namespace(ts) + ":session_prepare"
	return spKey, spKey + ":" + tid
}

func (pc *RedisPrepareCommit) forget(tid string) {
	pc.mu.Lock()
	delete(pc.prepareTs, tid)
	pc.mu.Unlock()
}

// fail applies the error policy: strict mode returns the error, lenient
// mode logs it and reports ok=false.
func (pc *RedisPrepareCommit) fail(op, tid string, err error) (bool, error) {
	if pc.strict {
		return false, oops.Wrapf(err, "%s %s", op, tid)
	}
	pc.logger.Warn("redis error", "op", op, "tid", tid, "error", err)
	return false, nil
}

// Prepare durably records tid and its event set as pending. The two writes
// run in one pipeline; they touch disjoint keys, so no transaction is
// needed.
func (pc *RedisPrepareCommit) Prepare(tid string, es events.EventSet) (bool, error) {
	spKey, hKey := pc.keygen(tid)

	fields := make(map[string]interface{}, len(es))
	for _, topic := range es.Topics() {
		encoded, err := json.Marshal(es.Pks(topic))
		if err != nil {
			return false, oops.Wrapf(err, "encoding event set for %s", tid)
		}
		fields[topic] = encoded
	}

	pipe := pc.r.Pipeline()
	ctx := context.Background()
	pipe.SAdd(ctx, spKey, tid)
	if len(fields) > 0 {
		pipe.HSet(ctx, hKey, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return pc.fail("prepare", tid, err)
	}
	pc.logger.Debug("session_prepare", "tid", tid)
	return true, nil
}

// Commit moves tid out of the pending set. Its event set lingers for the
// configured TTL for diagnostics, then expires.
func (pc *RedisPrepareCommit) Commit(tid string) (bool, error) {
	return pc.finish("commit", tid)
}

// Rollback is the same transition as Commit: the tid leaves the pending
// set. The caller is expected not to publish events on rollback.
func (pc *RedisPrepareCommit) Rollback(tid string) (bool, error) {
	return pc.finish("rollback", tid)
}

func (pc *RedisPrepareCommit) finish(op, tid string) (bool, error) {
	spKey, hKey := pc.keygen(tid)

	pipe := pc.r.Pipeline()
	ctx := context.Background()
	pipe.SRem(ctx, spKey, tid)
	pipe.Expire(ctx, hKey, pc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return pc.fail(op, tid, err)
	}
	pc.forget(tid)
	pc.logger.Debug("session_"+op, "tid", tid)
	return true, nil
}

// PhaseOf reports whether tid is still pending.
func (pc *RedisPrepareCommit) PhaseOf(tid string) (Phase, error) {
	spKey, _ := pc.keygen(tid)
	pending, err := pc.r.SIsMember(context.Background(), spKey, tid).Result()
	if err != nil {
		return PhaseCommit, oops.Wrapf(err, "phase of %s", tid)
	}
	if pending {
		return PhasePrepare, nil
	}
	return PhaseCommit, nil
}

// SessionInfo fetches the event set recorded for tid in prepare phase.
func (pc *RedisPrepareCommit) SessionInfo(tid string) (events.EventSet, error) {
	_, hKey := pc.keygen(tid)
	fields, err := pc.r.HGetAll(context.Background(), hKey).Result()
	if err != nil {
		return nil, oops.Wrapf(err, "session info of %s", tid)
	}

	es := events.NewEventSet()
	for topic, encoded := range fields {
		var pks []string
		if err := json.Unmarshal([]byte(encoded), &pks); err != nil {
			return nil, oops.Wrapf(err, "decoding event set of %s", tid)
		}
		for _, pk := range pks {
			es.Add(topic, pk)
		}
	}
	return es, nil
}

// PrepareInfo enumerates the tids currently pending in ts's namespace
// bucket (zero ts means now). After a crash, these are the transactions to
// inspect with SessionInfo and replay.
func (pc *RedisPrepareCommit) PrepareInfo(ts int64) ([]string, error) {
	if ts == 0 {
		ts = time.Now().Unix()
	}
	spKey := pc.namespace(ts) + ":session_prepare"
	tids, err := pc.r.SMembers(context.Background(), spKey).Result()
	if err != nil {
		return nil, oops.Wrapf(err, "listing pending transactions")
	}
	return tids, nil
}

// Close releases the Redis connection.
func (pc *RedisPrepareCommit) Close() error { return pc.r.Close() }
