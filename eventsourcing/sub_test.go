package eventsourcing

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsarahq/meepo/internal/testdb"
	"github.com/samsarahq/meepo/pub"
	"github.com/samsarahq/meepo/signals"
	"github.com/samsarahq/meepo/sqlgen"
)

type user struct {
	Id   int64 `sql:",primary"`
	Name string
}

func newSessionWithES(t *testing.T, mr *miniredis.Miniredis, strict bool) (*sqlgen.Session, *Sub) {
	db, _ := testdb.New()
	schema := sqlgen.NewSchema()
	schema.MustRegisterType("users", sqlgen.AutoIncrement, user{})

	bus := signals.NewBus()
	session := sqlgen.NewSession(db, schema, &sqlgen.SessionOptions{})

	publisher := pub.NewESSessionPub(pub.SessionPubOptions{Bus: bus})
	publisher.Install(session, "users")

	sub, err := Install(session, []string{"users"}, "redis://"+mr.Addr(), SubOptions{
		Strict:    strict,
		Namespace: Static("test"),
		Bus:       bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return session, sub
}

func TestInstallCommitFlow(t *testing.T) {
	mr := miniredis.RunT(t)
	session, sub := newSessionWithES(t, mr, false)

	session.Add(&user{Name: "a"})
	require.NoError(t, session.Flush())

	// after flush the transaction is durably pending
	pending, err := sub.PC.PrepareInfo(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	tid := pending[0]

	phase, err := sub.PC.PhaseOf(tid)
	require.NoError(t, err)
	assert.Equal(t, PhasePrepare, phase)

	es, err := sub.PC.SessionInfo(tid)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, es.Pks("users_write"))

	require.NoError(t, session.Commit())

	phase, err = sub.PC.PhaseOf(tid)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommit, phase)

	pks, err := sub.Store.Replay("users_write", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, pks)
}

func TestInstallRollbackFlow(t *testing.T) {
	mr := miniredis.RunT(t)
	session, sub := newSessionWithES(t, mr, false)

	session.Add(&user{Name: "a"})
	require.NoError(t, session.Flush())

	pending, err := sub.PC.PrepareInfo(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, session.Rollback())

	pending, err = sub.PC.PrepareInfo(0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pks, err := sub.Store.Replay("users_write", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, pks, "rolled back events never reach the store")
}

func TestInstallStrictAbortsFlush(t *testing.T) {
	mr := miniredis.RunT(t)
	session, _ := newSessionWithES(t, mr, true)
	mr.Close()

	session.Add(&user{Name: "a"})
	assert.Panics(t, func() { session.Flush() })
}
