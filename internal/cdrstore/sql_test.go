package cdrstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func ns(v string) sql.NullString { return sql.NullString{String: v, Valid: true} }

func TestRecordFromRow_MySQLDatetime(t *testing.T) {
	row := map[string]sql.NullString{
		"calldate":      ns("2025-03-01 14:02:03"),
		"src":           ns("1001"),
		"dst":           ns("1002"),
		"duration":      ns("65"),
		"billsec":       ns("60"),
		"disposition":   ns("ANSWERED"),
		"channel":       ns("PJSIP/1001-00000001"),
		"dstchannel":    ns("PJSIP/1002-00000002"),
		"lastapp":       ns("Dial"),
		"uniqueid":      ns("1740837723.1"),
		"recordingfile": ns("rec.wav"),
		"hangupcause":   {},
	}
	rec, err := recordFromRow(row, time.UTC)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.UniqueID != "1740837723.1" || rec.RecordingFile != "rec.wav" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.CallDate.Equal(time.Date(2025, 3, 1, 14, 2, 3, 0, time.UTC)) {
		t.Fatalf("unexpected calldate %s", rec.CallDate)
	}
	if rec.DurationSeconds != 65 || rec.AnsweredSeconds == nil || *rec.AnsweredSeconds != 60 {
		t.Fatalf("unexpected durations: %d %v", rec.DurationSeconds, rec.AnsweredSeconds)
	}
	if rec.HangupCause != "" {
		t.Fatalf("expected absent hangup cause")
	}
}

func TestRecordFromRow_PostgresTimestampAndMissingColumns(t *testing.T) {
	row := map[string]sql.NullString{
		"calldate": ns("2025-03-01T14:02:03Z"),
		"uniqueid": ns("u1"),
		"duration": ns("5"),
	}
	rec, err := recordFromRow(row, time.Local)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.AnsweredSeconds != nil {
		t.Fatalf("expected nil answered seconds")
	}
	if rec.HasRecording() {
		t.Fatalf("expected no recording")
	}
	if rec.CallDate.UTC().Hour() != 14 {
		t.Fatalf("unexpected calldate %s", rec.CallDate)
	}
}

func TestRecordFromRow_RequiresIdentity(t *testing.T) {
	if _, err := recordFromRow(map[string]sql.NullString{"calldate": ns("2025-03-01 00:00:00")}, time.UTC); err == nil {
		t.Fatalf("expected error without uniqueid")
	}
	if _, err := recordFromRow(map[string]sql.NullString{"uniqueid": ns("u")}, time.UTC); err == nil {
		t.Fatalf("expected error without calldate")
	}
	if _, err := recordFromRow(map[string]sql.NullString{"uniqueid": ns("u"), "calldate": ns("yesterday")}, time.UTC); err == nil {
		t.Fatalf("expected error for bad calldate")
	}
}

func TestNewSQLStore_DialectQueries(t *testing.T) {
	db := &sql.DB{}

	my, err := NewSQLStore(db, DialectMySQL, "cdr")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.Contains(my.fetchSQL, "INTERVAL ? SECOND") || !strings.Contains(my.fetchSQL, "ORDER BY calldate DESC LIMIT 1") {
		t.Fatalf("unexpected mysql fetch: %s", my.fetchSQL)
	}
	if my.deleteSQL != "DELETE FROM `cdr` WHERE uniqueid = ?" {
		t.Fatalf("unexpected mysql delete: %s", my.deleteSQL)
	}

	pg, err := NewSQLStore(db, DialectPostgres, "cdr")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.Contains(pg.fetchSQL, "$1") || pg.deleteSQL != `DELETE FROM "cdr" WHERE uniqueid = $1` {
		t.Fatalf("unexpected postgres sql: %s / %s", pg.fetchSQL, pg.deleteSQL)
	}
}

func TestNewSQLStore_RejectsBadInput(t *testing.T) {
	if _, err := NewSQLStore(nil, DialectMySQL, "cdr"); err == nil {
		t.Fatalf("expected error for nil db")
	}
	if _, err := NewSQLStore(&sql.DB{}, DialectMySQL, "cdr; DROP TABLE x"); err == nil {
		t.Fatalf("expected error for bad table")
	}
	if _, err := NewSQLStore(&sql.DB{}, Dialect("sqlite"), "cdr"); err == nil {
		t.Fatalf("expected error for unknown dialect")
	}
}

// fakeDriver is a database/sql connector answering every query with one
// canned result set.
type fakeDriver struct {
	mu       sync.Mutex
	cols     []string
	rows     [][]driver.Value
	queryErr error
	execErr  error
	affected int64
	queries  []string
	args     [][]driver.NamedValue
}

func (d *fakeDriver) Open(string) (driver.Conn, error)             { return &fakeConn{d: d}, nil }
func (d *fakeDriver) Connect(context.Context) (driver.Conn, error) { return &fakeConn{d: d}, nil }
func (d *fakeDriver) Driver() driver.Driver                        { return d }

func (d *fakeDriver) record(query string, args []driver.NamedValue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, query)
	d.args = append(d.args, args)
}

type fakeConn struct{ d *fakeDriver }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return nil, errors.New("tx not supported") }

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.d.record(query, args)
	if c.d.queryErr != nil {
		return nil, c.d.queryErr
	}
	return &fakeRows{cols: c.d.cols, rows: c.d.rows}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.d.record(query, args)
	if c.d.execErr != nil {
		return nil, c.d.execErr
	}
	return driver.RowsAffected(c.d.affected), nil
}

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	next int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.next])
	r.next++
	return nil
}

func newFakeStore(t *testing.T, d *fakeDriver, dialect Dialect) *SQLStore {
	t.Helper()
	db := sql.OpenDB(d)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewSQLStore(db, dialect, "cdr")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSQLStore_FetchLatestPostgresTimestamp(t *testing.T) {
	d := &fakeDriver{
		cols: []string{"calldate", "src", "dst", "duration", "billsec", "hangupcause", "UniqueID", "recordingfile"},
		rows: [][]driver.Value{{
			time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC),
			"1001",
			[]byte("1002"),
			int64(65),
			int64(60),
			nil,
			"X",
			[]byte("rec.wav"),
		}},
	}
	s := newFakeStore(t, d, DialectPostgres)

	rec, ok, err := s.FetchLatest(context.Background(), 3*time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if rec.UniqueID != "X" || rec.Source != "1001" || rec.Destination != "1002" || rec.RecordingFile != "rec.wav" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.DurationSeconds != 65 || rec.AnsweredSeconds == nil || *rec.AnsweredSeconds != 60 {
		t.Fatalf("unexpected durations %+v", rec)
	}
	if rec.HangupCause != "" {
		t.Fatalf("expected absent hangup cause, got %q", rec.HangupCause)
	}
	if want := filepath.Join("/r", "2025", "03", "01", "rec.wav"); rec.RecordingPath("/r") != want {
		t.Fatalf("expected %s, got %s", want, rec.RecordingPath("/r"))
	}

	if len(d.queries) != 1 || d.queries[0] != s.fetchSQL {
		t.Fatalf("unexpected queries %v", d.queries)
	}
	if got := d.args[0][0].Value; got != int64(180) {
		t.Fatalf("expected lookback of 180 seconds, got %v", got)
	}
}

func TestSQLStore_FetchLatestMySQLDatetime(t *testing.T) {
	d := &fakeDriver{
		cols: []string{"calldate", "uniqueid"},
		rows: [][]driver.Value{{[]byte("2025-03-01 10:15:00"), []byte("Y")}},
	}
	s := newFakeStore(t, d, DialectMySQL)

	rec, ok, err := s.FetchLatest(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !rec.CallDate.Equal(time.Date(2025, 3, 1, 10, 15, 0, 0, time.Local)) {
		t.Fatalf("unexpected calldate %s", rec.CallDate)
	}
	if rec.AnsweredSeconds != nil || rec.HasRecording() {
		t.Fatalf("expected absent optional columns, got %+v", rec)
	}
}

func TestSQLStore_FetchLatestMiss(t *testing.T) {
	d := &fakeDriver{cols: []string{"calldate", "uniqueid"}}
	s := newFakeStore(t, d, DialectMySQL)

	_, ok, err := s.FetchLatest(context.Background(), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestSQLStore_QueryErrorIsStoreUnavailable(t *testing.T) {
	refused := errors.New("connection refused")
	d := &fakeDriver{queryErr: refused, execErr: refused}
	s := newFakeStore(t, d, DialectMySQL)

	_, ok, err := s.FetchLatest(context.Background(), time.Minute)
	if ok || !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, refused) {
		t.Fatalf("expected wrapped store unavailable, got ok=%v err=%v", ok, err)
	}
	if _, err := s.Delete(context.Background(), "X"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected delete to wrap store unavailable, got %v", err)
	}
}

func TestSQLStore_DeleteReportsAffectedRows(t *testing.T) {
	d := &fakeDriver{affected: 1}
	s := newFakeStore(t, d, DialectPostgres)

	n, err := s.Delete(context.Background(), "X")
	if err != nil || n != 1 {
		t.Fatalf("expected one row deleted, got n=%d err=%v", n, err)
	}
	if d.queries[0] != `DELETE FROM "cdr" WHERE uniqueid = $1` || d.args[0][0].Value != "X" {
		t.Fatalf("unexpected delete %q %v", d.queries[0], d.args[0])
	}

	d.affected = 0
	if n, err := s.Delete(context.Background(), "gone"); err != nil || n != 0 {
		t.Fatalf("expected absent id to be a no-op, got n=%d err=%v", n, err)
	}
}
