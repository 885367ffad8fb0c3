package cdrstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cdrwatch/internal/calls"
)

// Dialect selects placeholder and interval syntax. Values match the
// database/sql driver names.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "pgx"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidTable reports whether name can be spliced into SQL as a table name.
func ValidTable(name string) bool {
	return identRe.MatchString(name)
}

// SQLStore reads and deletes CDR rows through database/sql.
//
// The handle is expected to keep no idle connections, so every call checks
// out a fresh connection and returns it when the statement finishes.
type SQLStore struct {
	db        *sql.DB
	dialect   Dialect
	fetchSQL  string
	deleteSQL string
	loc       *time.Location
}

func NewSQLStore(db *sql.DB, dialect Dialect, table string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("cdrstore: db is nil")
	}
	if !ValidTable(table) {
		return nil, fmt.Errorf("cdrstore: invalid table name %q", table)
	}
	s := &SQLStore{db: db, dialect: dialect, loc: time.Local}
	switch dialect {
	case DialectMySQL:
		s.fetchSQL = "SELECT * FROM `" + table + "` WHERE calldate > NOW() - INTERVAL ? SECOND ORDER BY calldate DESC LIMIT 1"
		s.deleteSQL = "DELETE FROM `" + table + "` WHERE uniqueid = ?"
	case DialectPostgres:
		s.fetchSQL = `SELECT * FROM "` + table + `" WHERE calldate > now() - ($1::bigint * interval '1 second') ORDER BY calldate DESC LIMIT 1`
		s.deleteSQL = `DELETE FROM "` + table + `" WHERE uniqueid = $1`
	default:
		return nil, fmt.Errorf("cdrstore: unsupported dialect %q", dialect)
	}
	return s, nil
}

func (s *SQLStore) FetchLatest(ctx context.Context, lookback time.Duration) (calls.CallRecord, bool, error) {
	secs := int64(lookback / time.Second)
	if secs <= 0 {
		secs = 1
	}

	rows, err := s.db.QueryContext(ctx, s.fetchSQL, secs)
	if err != nil {
		return calls.CallRecord{}, false, fmt.Errorf("fetch latest cdr: %w: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return calls.CallRecord{}, false, fmt.Errorf("fetch latest cdr: %w: %w", ErrStoreUnavailable, err)
		}
		return calls.CallRecord{}, false, nil
	}

	cols, err := rows.Columns()
	if err != nil {
		return calls.CallRecord{}, false, fmt.Errorf("fetch latest cdr columns: %w: %w", ErrStoreUnavailable, err)
	}
	vals := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return calls.CallRecord{}, false, fmt.Errorf("scan cdr: %w: %w", ErrStoreUnavailable, err)
	}

	row := make(map[string]sql.NullString, len(cols))
	for i, c := range cols {
		row[strings.ToLower(c)] = vals[i]
	}
	rec, err := recordFromRow(row, s.loc)
	if err != nil {
		return calls.CallRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLStore) Delete(ctx context.Context, uniqueID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.deleteSQL, uniqueID)
	if err != nil {
		return 0, fmt.Errorf("delete cdr %s: %w: %w", uniqueID, ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report affected rows; the delete itself went through.
		return 0, nil
	}
	return n, nil
}

// calldate comes back as DATETIME text from MySQL and as a time.Time
// (formatted RFC3339 by database/sql) from Postgres.
var callDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	time.RFC3339Nano,
}

func parseCallDate(v string, loc *time.Location) (time.Time, error) {
	for _, layout := range callDateLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cdrstore: unparseable calldate %q", v)
}

func recordFromRow(row map[string]sql.NullString, loc *time.Location) (calls.CallRecord, error) {
	str := func(col string) string {
		v := row[col]
		if !v.Valid {
			return ""
		}
		return strings.TrimSpace(v.String)
	}

	uid := str("uniqueid")
	if uid == "" {
		return calls.CallRecord{}, errors.New("cdrstore: row has no uniqueid")
	}
	rawDate := str("calldate")
	if rawDate == "" {
		return calls.CallRecord{}, fmt.Errorf("cdrstore: row %s has no calldate", uid)
	}
	callDate, err := parseCallDate(rawDate, loc)
	if err != nil {
		return calls.CallRecord{}, err
	}

	rec := calls.CallRecord{
		UniqueID:           uid,
		Source:             str("src"),
		Destination:        str("dst"),
		CallDate:           callDate,
		Disposition:        str("disposition"),
		HangupCause:        str("hangupcause"),
		Channel:            str("channel"),
		DestinationChannel: str("dstchannel"),
		LastApplication:    str("lastapp"),
		RecordingFile:      str("recordingfile"),
	}
	if v := str("duration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return calls.CallRecord{}, fmt.Errorf("cdrstore: row %s duration %q: %w", uid, v, err)
		}
		rec.DurationSeconds = n
	}
	if v := str("billsec"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return calls.CallRecord{}, fmt.Errorf("cdrstore: row %s billsec %q: %w", uid, v, err)
		}
		rec.AnsweredSeconds = &n
	}
	return rec, nil
}
