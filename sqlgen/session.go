package sqlgen

import (
	"database/sql"

	"github.com/samsarahq/go/oops"
	uuid "github.com/satori/go.uuid"

	"github.com/samsarahq/meepo/logger"
)

// Hook observes a session boundary. Hooks run synchronously on the caller's
// stack, inside the database transaction boundary for flush hooks.
type Hook func(session *Session)

// SessionOptions configures a Session.
type SessionOptions struct {
	// Name is the session factory identity used for sender-filtered signal
	// routing. Sessions with the same Name match the same subscriptions.
	Name string

	Logger logger.Logger
}

// Session is a unit of work on a single database connection. Rows staged
// with Add, Update, and Delete are written on Flush inside one transaction,
// which Commit finalizes. The before/after hooks expose the session
// lifecycle to publishers.
//
// A Session is not safe for concurrent use. Bulk SQL executed with Exec
// bypasses the unit of work and is invisible to hooks.
type Session struct {
	conn   *sql.DB
	schema *Schema
	name   string
	logger logger.Logger

	id string
	tx *sql.Tx

	newRows     []interface{}
	dirtyRows   []interface{}
	deletedRows []interface{}

	beforeFlush   []Hook
	afterFlush    []Hook
	afterCommit   []Hook
	afterRollback []Hook
}

func NewSession(conn *sql.DB, schema *Schema, options *SessionOptions) *Session {
	if options == nil {
		options = &SessionOptions{}
	}
	l := options.Logger
	if l == nil {
		l = logger.New()
	}
	return &Session{
		conn:   conn,
		schema: schema,
		name:   options.Name,
		logger: logger.Prefixed(l, "meepo.sqlgen.session"),
		id:     uuid.NewV4().String(),
	}
}

// ID returns the session's stable identity, used by publishers to key
// per-session transaction state.
func (s *Session) ID() string { return s.id }

// SenderName implements signals.NamedSender with the factory name so
// sender-filtered subscriptions survive session reconstruction. Unnamed
// sessions fall back to their unique id.
func (s *Session) SenderName() string {
	if s.name != "" {
		return s.name
	}
	return s.id
}

// Schema returns the schema the session writes through.
func (s *Session) Schema() *Schema { return s.schema }

// OnBeforeFlush registers a hook fired before staged rows are written.
func (s *Session) OnBeforeFlush(h Hook) { s.beforeFlush = append(s.beforeFlush, h) }

// OnAfterFlush registers a hook fired after staged rows are written, still
// inside the transaction.
func (s *Session) OnAfterFlush(h Hook) { s.afterFlush = append(s.afterFlush, h) }

// OnAfterCommit registers a hook fired after the transaction commits.
func (s *Session) OnAfterCommit(h Hook) { s.afterCommit = append(s.afterCommit, h) }

// OnAfterRollback registers a hook fired after the transaction rolls back.
func (s *Session) OnAfterRollback(h Hook) { s.afterRollback = append(s.afterRollback, h) }

// Add stages row for insert.
func (s *Session) Add(row interface{}) { s.newRows = append(s.newRows, row) }

// Update stages row for update by primary key.
func (s *Session) Update(row interface{}) { s.dirtyRows = append(s.dirtyRows, row) }

// Delete stages row for delete by primary key.
func (s *Session) Delete(row interface{}) { s.deletedRows = append(s.deletedRows, row) }

// New returns the rows staged for insert since the last flush.
func (s *Session) New() []interface{} { return append([]interface{}(nil), s.newRows...) }

// Dirty returns the rows staged for update since the last flush.
func (s *Session) Dirty() []interface{} { return append([]interface{}(nil), s.dirtyRows...) }

// Deleted returns the rows staged for delete since the last flush.
func (s *Session) Deleted() []interface{} { return append([]interface{}(nil), s.deletedRows...) }

func (s *Session) begin() error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return oops.Wrapf(err, "beginning transaction")
	}
	s.tx = tx
	return nil
}

// Flush writes the staged rows inside the session transaction, firing the
// before-flush hooks first and the after-flush hooks once the rows are
// written. A flush with nothing staged is a no-op.
func (s *Session) Flush() error {
	if len(s.newRows) == 0 && len(s.dirtyRows) == 0 && len(s.deletedRows) == 0 {
		return nil
	}
	if err := s.begin(); err != nil {
		return err
	}

	for _, h := range s.beforeFlush {
		h(s)
	}

	for _, row := range s.newRows {
		table, err := s.schema.Get(row)
		if err != nil {
			return err
		}
		query := table.makeInsert(row)
		res, err := s.tx.Exec(query.Clause, query.Args...)
		if err != nil {
			return oops.Wrapf(err, "inserting into %s", table.Name)
		}
		if table.PrimaryKeyType == AutoIncrement {
			if id, err := res.LastInsertId(); err == nil && id != 0 {
				table.setPrimaryKey(row, id)
			}
		}
	}
	for _, row := range s.dirtyRows {
		table, err := s.schema.Get(row)
		if err != nil {
			return err
		}
		query := table.makeUpdate(row)
		if _, err := s.tx.Exec(query.Clause, query.Args...); err != nil {
			return oops.Wrapf(err, "updating %s", table.Name)
		}
	}
	for _, row := range s.deletedRows {
		table, err := s.schema.Get(row)
		if err != nil {
			return err
		}
		query := table.makeDelete(row)
		if _, err := s.tx.Exec(query.Clause, query.Args...); err != nil {
			return oops.Wrapf(err, "deleting from %s", table.Name)
		}
	}

	s.newRows, s.dirtyRows, s.deletedRows = nil, nil, nil

	for _, h := range s.afterFlush {
		h(s)
	}
	return nil
}

// Commit flushes any remaining staged rows, commits the transaction, and
// fires the after-commit hooks. Committing a session that never opened a
// transaction is a no-op and fires nothing.
func (s *Session) Commit() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		return oops.Wrapf(err, "committing")
	}
	s.tx = nil
	for _, h := range s.afterCommit {
		h(s)
	}
	return nil
}

// Rollback discards staged rows, rolls back the transaction, and fires the
// after-rollback hooks. Rolling back a session that never opened a
// transaction is a no-op and fires nothing.
func (s *Session) Rollback() error {
	s.newRows, s.dirtyRows, s.deletedRows = nil, nil, nil
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Rollback(); err != nil {
		return oops.Wrapf(err, "rolling back")
	}
	s.tx = nil
	for _, h := range s.afterRollback {
		h(s)
	}
	return nil
}

// Exec runs raw SQL on the session transaction, beginning one if needed.
// Rows touched this way bypass the unit of work and are not observed by
// hooks; use the binlog publisher to capture bulk operations.
func (s *Session) Exec(query string, args ...interface{}) (sql.Result, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	return s.tx.Exec(query, args...)
}
