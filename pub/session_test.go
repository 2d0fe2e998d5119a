package pub

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsarahq/meepo/events"
	"github.com/samsarahq/meepo/internal/testdb"
	"github.com/samsarahq/meepo/signals"
	"github.com/samsarahq/meepo/sqlgen"
)

type user struct {
	Id   int64 `sql:",primary"`
	Name string
}

type note struct {
	Uuid string `sql:",primary"`
	Body string
}

func newTestSession(t *testing.T, options *sqlgen.SessionOptions) *sqlgen.Session {
	db, _ := testdb.New()
	schema := sqlgen.NewSchema()
	schema.MustRegisterType("users", sqlgen.AutoIncrement, user{})
	schema.MustRegisterType("notes", sqlgen.UniqueId, note{})
	return sqlgen.NewSession(db, schema, options)
}

// sessionRecorder collects pk signals per topic and the prepare-commit
// lifecycle signals.
type sessionRecorder struct {
	pks       map[string][]string
	prepares  []PrepareRecord
	commits   []string
	rollbacks []string
}

func recordSession(bus *signals.Bus, session *sqlgen.Session, tables ...string) *sessionRecorder {
	r := &sessionRecorder{pks: make(map[string][]string)}
	for _, table := range tables {
		for _, action := range events.Actions {
			topic := events.Topic(table, action)
			bus.Connect(topic, func(sender, payload interface{}) {
				r.pks[topic] = append(r.pks[topic], events.PKString(payload))
				sort.Strings(r.pks[topic])
			})
		}
	}
	bus.ConnectTo(events.SignalSessionPrepare, session, func(sender, payload interface{}) {
		r.prepares = append(r.prepares, payload.(PrepareRecord))
	})
	bus.ConnectTo(events.SignalSessionCommit, session, func(sender, payload interface{}) {
		r.commits = append(r.commits, payload.(string))
	})
	bus.ConnectTo(events.SignalSessionRollback, session, func(sender, payload interface{}) {
		r.rollbacks = append(r.rollbacks, payload.(string))
	})
	return r
}

func TestSessionPubCommit(t *testing.T) {
	bus := signals.NewBus()
	session := newTestSession(t, nil)
	r := recordSession(bus, session, "users")

	pub := NewSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(session)

	session.Add(&user{Name: "a"})
	session.Add(&user{Name: "b"})
	require.NoError(t, session.Flush())

	assert.Empty(t, r.pks["users_write"], "nothing published before commit")

	require.NoError(t, session.Commit())
	assert.Equal(t, []string{"1", "2"}, r.pks["users_write"])
	assert.Len(t, pub.states, 0, "staging state dropped after commit")
}

func TestSessionPubActions(t *testing.T) {
	bus := signals.NewBus()
	session := newTestSession(t, nil)
	r := recordSession(bus, session, "users")

	pub := NewSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(session)

	session.Add(&user{Name: "a"})
	session.Update(&user{Id: 5, Name: "e"})
	session.Delete(&user{Id: 9})
	require.NoError(t, session.Commit())

	assert.Equal(t, []string{"1"}, r.pks["users_write"])
	assert.Equal(t, []string{"5"}, r.pks["users_update"])
	assert.Equal(t, []string{"9"}, r.pks["users_delete"])
}

func TestSessionPubTableFilter(t *testing.T) {
	bus := signals.NewBus()
	session := newTestSession(t, nil)
	r := recordSession(bus, session, "users", "notes")

	pub := NewSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(session, "notes")

	session.Add(&user{Name: "a"})
	session.Add(&note{Uuid: "n1", Body: "hi"})
	require.NoError(t, session.Commit())

	assert.Empty(t, r.pks["users_write"])
	assert.Equal(t, []string{"n1"}, r.pks["notes_write"])
}

func TestSessionPubInstallTwice(t *testing.T) {
	bus := signals.NewBus()
	session := newTestSession(t, nil)
	r := recordSession(bus, session, "users", "notes")

	pub := NewSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(session, "users")
	// second install merges the table set without doubling the hooks
	pub.Install(session, "notes")

	session.Add(&user{Name: "a"})
	session.Add(&note{Uuid: "n1"})
	require.NoError(t, session.Commit())

	assert.Equal(t, []string{"1"}, r.pks["users_write"])
	assert.Equal(t, []string{"n1"}, r.pks["notes_write"])
}

func TestSessionPubZeroPKSkipped(t *testing.T) {
	bus := signals.NewBus()
	session := newTestSession(t, nil)
	r := recordSession(bus, session, "notes")

	pub := NewSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(session)

	session.Add(&note{Uuid: "", Body: "orphan"})
	require.NoError(t, session.Commit())

	assert.Empty(t, r.pks["notes_write"])
}

func TestESSessionPrepareCommit(t *testing.T) {
	bus := signals.NewBus()
	session := newTestSession(t, nil)
	r := recordSession(bus, session, "users")

	pub := NewESSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(session)

	session.Add(&user{Name: "a"})
	require.NoError(t, session.Flush())

	require.Len(t, r.prepares, 1)
	tid := r.prepares[0].Tid
	assert.Equal(t, []string{"1"}, r.prepares[0].EventSet.Pks("users_write"))

	// a second flush prepares the cumulative event set under the same tid
	session.Update(&user{Id: 7})
	require.NoError(t, session.Flush())

	require.Len(t, r.prepares, 2)
	assert.Equal(t, tid, r.prepares[1].Tid)
	assert.Equal(t, []string{"1"}, r.prepares[1].EventSet.Pks("users_write"))
	assert.Equal(t, []string{"7"}, r.prepares[1].EventSet.Pks("users_update"))

	require.NoError(t, session.Commit())
	assert.Equal(t, []string{tid}, r.commits)
	assert.Equal(t, []string{"1"}, r.pks["users_write"])
	assert.Equal(t, []string{"7"}, r.pks["users_update"])
	assert.Empty(t, r.rollbacks)
}

func TestESSessionRollback(t *testing.T) {
	bus := signals.NewBus()
	session := newTestSession(t, nil)
	r := recordSession(bus, session, "users")

	pub := NewESSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(session)

	session.Add(&user{Name: "a"})
	require.NoError(t, session.Flush())
	require.Len(t, r.prepares, 1)

	require.NoError(t, session.Rollback())
	assert.Equal(t, []string{r.prepares[0].Tid}, r.rollbacks)
	assert.Empty(t, r.commits)
	assert.Empty(t, r.pks["users_write"], "rolled back rows never publish")
}

func TestESSessionEmptyFlushNoPrepare(t *testing.T) {
	bus := signals.NewBus()
	session := newTestSession(t, nil)
	r := recordSession(bus, session, "users")

	pub := NewESSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(session, "users")

	// only an unwatched table changes: the event set is empty, no prepare
	session.Add(&note{Uuid: "n1"})
	require.NoError(t, session.Flush())
	assert.Empty(t, r.prepares)
}

func TestESSessionFreshTidPerLifecycle(t *testing.T) {
	bus := signals.NewBus()
	session := newTestSession(t, nil)
	r := recordSession(bus, session, "users")

	pub := NewESSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(session)

	session.Add(&user{Name: "a"})
	require.NoError(t, session.Commit())

	session.Add(&user{Name: "b"})
	require.NoError(t, session.Commit())

	require.Len(t, r.prepares, 2)
	assert.NotEqual(t, r.prepares[0].Tid, r.prepares[1].Tid)
}

func TestESSessionSenderFiltering(t *testing.T) {
	bus := signals.NewBus()
	mine := newTestSession(t, nil)
	other := newTestSession(t, nil)
	r := recordSession(bus, mine, "users")

	pub := NewESSessionPub(SessionPubOptions{Bus: bus})
	pub.Install(mine)
	pub.Install(other)

	other.Add(&user{Name: "x"})
	require.NoError(t, other.Commit())

	assert.Empty(t, r.prepares, "prepare signals of other sessions are filtered out")
	assert.Empty(t, r.commits)
}
