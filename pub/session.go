package pub

import (
	"reflect"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/samsarahq/meepo/events"
	"github.com/samsarahq/meepo/logger"
	"github.com/samsarahq/meepo/signals"
	"github.com/samsarahq/meepo/sqlgen"
)

// SessionPubOptions configures SessionPub and ESSessionPub.
type SessionPubOptions struct {
	// Bus receives the emitted signals; nil uses signals.Default.
	Bus *signals.Bus

	Logger logger.Logger
}

// sessionState is the transaction-scoped staging area of one session
// lifecycle. It exists from the first observed flush until commit or
// rollback.
type sessionState struct {
	tid string

	pendingWrite  map[interface{}]struct{}
	pendingUpdate map[interface{}]struct{}
	pendingDelete map[interface{}]struct{}
}

func newSessionState() *sessionState {
	return &sessionState{
		tid:           uuid.NewV4().String(),
		pendingWrite:  make(map[interface{}]struct{}),
		pendingUpdate: make(map[interface{}]struct{}),
		pendingDelete: make(map[interface{}]struct{}),
	}
}

// SessionPub publishes "{table}_{action}" signals for rows flushed through
// a sqlgen session, after the transaction commits.
//
// Per-session staging lives in a map keyed by session id and owned by the
// publisher, so session objects stay clean and the state is independently
// testable. Rows written with bulk SQL bypass the unit of work and are not
// observed.
type SessionPub struct {
	bus    *signals.Bus
	logger logger.Logger

	mu        sync.Mutex
	installed map[string]bool
	tables    map[string]map[string]bool
	states    map[string]*sessionState
}

func NewSessionPub(options SessionPubOptions) *SessionPub {
	bus := options.Bus
	if bus == nil {
		bus = signals.Default
	}
	return &SessionPub{
		bus:       bus,
		logger:    logger.Prefixed(options.Logger, "meepo.pub.session"),
		installed: make(map[string]bool),
		tables:    make(map[string]map[string]bool),
		states:    make(map[string]*sessionState),
	}
}

// Install hooks the publisher into session. Installing again on the same
// session merges the table sets; an empty table list publishes all tables.
func (p *SessionPub) Install(session *sqlgen.Session, tables ...string) {
	if p.mergeTables(session, tables) {
		return
	}
	session.OnBeforeFlush(p.sessionUpdate)
	session.OnAfterCommit(p.sessionCommit)
}

// mergeTables records the watched tables for session and reports whether
// hooks were installed before.
func (p *SessionPub) mergeTables(session *sqlgen.Session, tables []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.tables[session.ID()]
	if !ok {
		set = make(map[string]bool)
		p.tables[session.ID()] = set
	}
	for _, table := range tables {
		set[table] = true
	}

	already := p.installed[session.ID()]
	p.installed[session.ID()] = true
	return already
}

func (p *SessionPub) watched(session *sqlgen.Session, table string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.tables[session.ID()]
	return len(set) == 0 || set[table]
}

// state returns the session's staging state, minting a tid on first use.
func (p *SessionPub) state(session *sqlgen.Session) *sessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[session.ID()]
	if !ok {
		st = newSessionState()
		p.states[session.ID()] = st
		p.logger.Debug("session init", "tid", st.tid)
	}
	return st
}

// peekState returns the session's state without creating one.
func (p *SessionPub) peekState(session *sqlgen.Session) *sessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[session.ID()]
}

func (p *SessionPub) dropState(session *sqlgen.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, session.ID())
}

// sessionUpdate records the session's staged rows before each flush,
// accumulating them for the publication at commit.
func (p *SessionPub) sessionUpdate(session *sqlgen.Session) {
	st := p.state(session)
	for _, row := range session.New() {
		st.pendingWrite[row] = struct{}{}
	}
	for _, row := range session.Dirty() {
		st.pendingUpdate[row] = struct{}{}
	}
	for _, row := range session.Deleted() {
		st.pendingDelete[row] = struct{}{}
	}
	p.logger.Debug("session update", "tid", st.tid)
}

// sessionCommit publishes the accumulated rows once the transaction is
// committed and clears the staging state.
func (p *SessionPub) sessionCommit(session *sqlgen.Session) {
	st := p.peekState(session)
	if st == nil {
		// nothing was flushed in this transaction
		p.logger.Debug("skipped - session commit")
		return
	}
	p.publish(session, st)
	p.dropState(session)
}

// isZeroPK reports whether pk is absent or still the zero value, which
// happens for rows that never reached the database.
func isZeroPK(pk events.PK) bool {
	if pk == nil {
		return true
	}
	v := reflect.ValueOf(pk)
	return v.Interface() == reflect.Zero(v.Type()).Interface()
}

// publish sends the pk signal and its raw twin for every pending row.
func (p *SessionPub) publish(session *sqlgen.Session, st *sessionState) {
	pub := func(rows map[interface{}]struct{}, action events.Action) {
		for row := range rows {
			table, err := session.Schema().Get(row)
			if err != nil {
				p.logger.Error("unregistered row type", "error", err)
				continue
			}
			if !p.watched(session, table.Name) {
				continue
			}
			pk := table.PrimaryKey(row)
			if isZeroPK(pk) {
				continue
			}
			topic := events.Topic(table.Name, action)
			p.bus.Send(topic, pk)
			p.bus.Send(events.RawTopic(table.Name, action), row)
			p.logger.Debug("session pub", "tid", st.tid, "topic", topic, "pk", events.PKString(pk))
		}
	}
	pub(st.pendingWrite, events.Write)
	pub(st.pendingUpdate, events.Update)
	pub(st.pendingDelete, events.Delete)
}

// eventSet builds the cumulative event set of the session's pending rows,
// restricted to the watched tables.
func (p *SessionPub) eventSet(session *sqlgen.Session, st *sessionState) events.EventSet {
	es := events.NewEventSet()
	add := func(rows map[interface{}]struct{}, action events.Action) {
		for row := range rows {
			table, err := session.Schema().Get(row)
			if err != nil {
				continue
			}
			if !p.watched(session, table.Name) {
				continue
			}
			pk := table.PrimaryKey(row)
			if isZeroPK(pk) {
				continue
			}
			es.Add(events.Topic(table.Name, action), pk)
		}
	}
	add(st.pendingWrite, events.Write)
	add(st.pendingUpdate, events.Update)
	add(st.pendingDelete, events.Delete)
	return es
}

// PrepareRecord is the payload of a session_prepare signal: the
// transaction id and the cumulative event set captured so far. Later
// prepares of the same tid supersede earlier ones.
type PrepareRecord struct {
	Tid      string
	EventSet events.EventSet
}

// ESSessionPub extends SessionPub with prepare-commit signals for
// event-sourcing subscribers: session_prepare after each flush,
// session_commit after publication, session_rollback on rollback.
type ESSessionPub struct {
	*SessionPub
}

func NewESSessionPub(options SessionPubOptions) *ESSessionPub {
	return &ESSessionPub{SessionPub: NewSessionPub(options)}
}

// Install hooks the prepare-commit publisher into session. Installing
// again on the same session merges the table sets.
func (p *ESSessionPub) Install(session *sqlgen.Session, tables ...string) {
	if p.mergeTables(session, tables) {
		return
	}
	session.OnBeforeFlush(p.sessionUpdate)
	session.OnAfterFlush(p.sessionPrepare)
	session.OnAfterCommit(p.esSessionCommit)
	session.OnAfterRollback(p.sessionRollback)
}

// sessionPrepare sends the cumulative event set after each flush. Empty
// sets do not fire.
func (p *ESSessionPub) sessionPrepare(session *sqlgen.Session) {
	st := p.state(session)
	es := p.eventSet(session, st)
	if es.Empty() {
		return
	}
	p.logger.Debug("session prepare", "tid", st.tid)
	p.bus.SendFrom(events.SignalSessionPrepare, session, PrepareRecord{Tid: st.tid, EventSet: es})
}

// esSessionCommit performs the simple-mode publication and then marks the
// transaction committed.
func (p *ESSessionPub) esSessionCommit(session *sqlgen.Session) {
	st := p.peekState(session)
	if st == nil {
		p.logger.Debug("skipped - session commit")
		return
	}
	p.publish(session, st)
	p.bus.SendFrom(events.SignalSessionCommit, session, st.tid)
	p.dropState(session)
}

// sessionRollback discards the staged events and marks the transaction
// terminated without publication.
func (p *ESSessionPub) sessionRollback(session *sqlgen.Session) {
	st := p.peekState(session)
	if st == nil {
		p.logger.Debug("skipped - session rollback")
		return
	}
	p.bus.SendFrom(events.SignalSessionRollback, session, st.tid)
	p.dropState(session)
}
