package eventsourcing

import (
	"time"

	"github.com/samsarahq/meepo/events"
	"github.com/samsarahq/meepo/logger"
	"github.com/samsarahq/meepo/pub"
	"github.com/samsarahq/meepo/signals"
	"github.com/samsarahq/meepo/sqlgen"
)

// SubOptions configures Install.
type SubOptions struct {
	// Strict aborts the surrounding database transaction when the
	// prepare-commit log cannot be written: the failing handler panics on
	// the sending stack. Lenient mode (default) logs and continues.
	Strict bool

	Namespace     Namespace
	TTL           time.Duration
	SocketTimeout time.Duration

	// Bus to subscribe on; nil uses signals.Default.
	Bus *signals.Bus

	Logger logger.Logger
}

// Sub holds the event-sourcing subscriptions of one session: the event
// store fed by table topics and the prepare-commit log driven by the
// session_* signals.
type Sub struct {
	Store *RedisEventStore
	PC    *RedisPrepareCommit

	strict bool
	logger logger.Logger
}

// Install subscribes event sourcing for tables changed through session.
// It should be used together with pub.ESSessionPub on the same session:
// every "{table}_{action}" topic feeds the event store, and the session's
// prepare/commit/rollback signals drive the two-phase log, sender-filtered
// to this session.
func Install(session *sqlgen.Session, tables []string, redisDSN string, options SubOptions) (*Sub, error) {
	bus := options.Bus
	if bus == nil {
		bus = signals.Default
	}

	store, err := NewRedisEventStore(redisDSN, RedisEventStoreOptions{
		Namespace:     options.Namespace,
		TTL:           options.TTL,
		SocketTimeout: options.SocketTimeout,
		Logger:        options.Logger,
	})
	if err != nil {
		return nil, err
	}

	pc, err := NewRedisPrepareCommit(redisDSN, RedisPrepareCommitOptions{
		Strict:        options.Strict,
		Namespace:     options.Namespace,
		SocketTimeout: options.SocketTimeout,
		Logger:        options.Logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	sub := &Sub{
		Store:  store,
		PC:     pc,
		strict: options.Strict,
		logger: logger.Prefixed(options.Logger, "meepo.redis_es_sub"),
	}

	for _, table := range tables {
		for _, action := range events.Actions {
			topic := events.Topic(table, action)
			bus.Connect(topic, func(sender, payload interface{}) {
				sub.record(topic, payload)
			})
		}
	}

	bus.ConnectTo(events.SignalSessionPrepare, session, func(sender, payload interface{}) {
		record := payload.(pub.PrepareRecord)
		sub.check(pc.Prepare(record.Tid, record.EventSet))
	})
	bus.ConnectTo(events.SignalSessionCommit, session, func(sender, payload interface{}) {
		sub.check(pc.Commit(payload.(string)))
	})
	bus.ConnectTo(events.SignalSessionRollback, session, func(sender, payload interface{}) {
		sub.check(pc.Rollback(payload.(string)))
	})

	return sub, nil
}

// record feeds one pk signal into the event store.
func (s *Sub) record(topic string, payload interface{}) {
	pk := events.PKString(payload)
	if s.Store.Add(topic, pk, 0) {
		s.logger.Info("recorded", "topic", topic, "pk", pk)
	} else {
		s.logger.Error("event sourcing failed", "topic", topic, "pk", pk)
	}
}

// check applies the strict error policy to a prepare-commit result. In
// strict mode the error panics across the bus so the database transaction
// boundary aborts; the application recovers it around Flush/Commit.
func (s *Sub) check(ok bool, err error) {
	if err != nil && s.strict {
		panic(err)
	}
	if err != nil || !ok {
		s.logger.Warn("prepare commit not recorded", "error", err)
	}
}

// Close releases both Redis connections.
func (s *Sub) Close() error {
	err := s.Store.Close()
	if cerr := s.PC.Close(); err == nil {
		err = cerr
	}
	return err
}
