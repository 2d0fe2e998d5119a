// Package testdb provides a fake database/sql driver that records every
// statement and transaction boundary executed through it, for testing the
// session layer without a real database.
package testdb

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Statement is one statement executed through the fake driver.
type Statement struct {
	Query string
	Args  []driver.Value
}

// Recorder captures the statements and transaction boundaries of one fake
// database.
type Recorder struct {
	mu           sync.Mutex
	statements   []Statement
	begins       int
	commits      int
	rollbacks    int
	nextInsertID int64
	execErr      error
}

// Statements returns the statements executed so far.
func (r *Recorder) Statements() []Statement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Statement(nil), r.statements...)
}

// Queries returns just the query strings executed so far.
func (r *Recorder) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	queries := make([]string, len(r.statements))
	for i, s := range r.statements {
		queries[i] = s.Query
	}
	return queries
}

func (r *Recorder) Begins() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begins
}

func (r *Recorder) Commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits
}

func (r *Recorder) Rollbacks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollbacks
}

// SetExecError makes every subsequent exec fail with err; nil clears it.
func (r *Recorder) SetExecError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execErr = err
}

func (r *Recorder) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begins++
}

func (r *Recorder) commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
}

func (r *Recorder) rollback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks++
}

func (r *Recorder) exec(query string, args []driver.Value) (driver.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.execErr != nil {
		return nil, r.execErr
	}
	r.statements = append(r.statements, Statement{Query: query, Args: args})
	var id int64
	if strings.HasPrefix(query, "INSERT") {
		r.nextInsertID++
		id = r.nextInsertID
	}
	return result{lastInsertID: id}, nil
}

type fakeDriver struct {
	mu        sync.Mutex
	recorders map[string]*Recorder
}

var theDriver = &fakeDriver{recorders: make(map[string]*Recorder)}
var seq int64

func init() {
	sql.Register("testdb", theDriver)
}

// New opens a fresh fake database and returns it with its recorder.
func New() (*sql.DB, *Recorder) {
	name := fmt.Sprintf("fake-%d", atomic.AddInt64(&seq, 1))
	rec := &Recorder{}
	theDriver.mu.Lock()
	theDriver.recorders[name] = rec
	theDriver.mu.Unlock()

	db, err := sql.Open("testdb", name)
	if err != nil {
		panic(err)
	}
	return db, rec
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.recorders[name]
	if !ok {
		return nil, errors.New("unknown fake database " + name)
	}
	return &conn{rec: rec}, nil
}

type conn struct {
	rec *Recorder
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{rec: c.rec, query: query}, nil
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	c.rec.begin()
	return &tx{rec: c.rec}, nil
}

type stmt struct {
	rec   *Recorder
	query string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.rec.exec(s.query, args)
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return nil, errors.New("queries not supported")
}

type tx struct {
	rec *Recorder
}

func (t *tx) Commit() error {
	t.rec.commit()
	return nil
}

func (t *tx) Rollback() error {
	t.rec.rollback()
	return nil
}

type result struct {
	lastInsertID int64
}

func (r result) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r result) RowsAffected() (int64, error) { return 1, nil }
