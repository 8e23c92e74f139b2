package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Dialect captures the differences between the SQL backends. Queries are
// written with '?' placeholders and rebound per dialect.
type Dialect struct {
	Name       string
	DriverName string

	numbered  bool   // $1, $2, ... instead of ?
	forUpdate string // row-locking suffix for SELECT
	text      string // column type for ids and short strings
	blob      string // column type for JSON documents
	seedSeq   string
	unique    func(error) bool
	contended func(error) bool // deadlock or lock wait timeout
	upsertFmt func(table string, cols, keys []string) string
	inlineIdx bool // indexes declared in CREATE TABLE
}

var (
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "postgres",
		numbered:   true,
		forUpdate:  " FOR UPDATE",
		text:       "TEXT",
		blob:       "TEXT",
		seedSeq:    "INSERT INTO event_sequence (id, position) VALUES (1, 0) ON CONFLICT (id) DO NOTHING",
		unique:     isPostgresUniqueViolation,
		contended:  isPostgresLockContention,
		upsertFmt:  upsertOnConflict,
	}

	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		text:       "TEXT",
		blob:       "TEXT",
		seedSeq:    "INSERT OR IGNORE INTO event_sequence (id, position) VALUES (1, 0)",
		unique:     isSQLiteUniqueViolation,
		upsertFmt:  upsertOnConflict,
	}

	MySQL = Dialect{
		Name:       "mysql",
		DriverName: "mysql",
		forUpdate:  " FOR UPDATE",
		text:       "VARCHAR(255)",
		blob:       "LONGTEXT",
		seedSeq:    "INSERT IGNORE INTO event_sequence (id, position) VALUES (1, 0)",
		unique:     isMySQLUniqueViolation,
		contended:  isMySQLLockContention,
		upsertFmt:  upsertOnDuplicateKey,
		inlineIdx:  true,
	}
)

// rebind rewrites '?' placeholders for dialects with numbered parameters.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return d.unique(err)
}

// IsLockContention reports whether err aborted a transaction because of a
// deadlock or a lock wait timeout. Such appends can be retried.
func (d Dialect) IsLockContention(err error) bool {
	if err == nil || d.contended == nil {
		return false
	}
	return d.contended(err)
}

func (d Dialect) upsert(table string, cols, keys []string) string {
	return d.upsertFmt(table, cols, keys)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nonKeys(cols, keys []string) []string {
	var out []string
	for _, c := range cols {
		isKey := false
		for _, k := range keys {
			if c == k {
				isKey = true
				break
			}
		}
		if !isKey {
			out = append(out, c)
		}
	}
	return out
}

func upsertOnConflict(table string, cols, keys []string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range nonKeys(cols, keys) {
		sets = append(sets, c+" = excluded."+c)
	}
	return "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) +
		") ON CONFLICT (" + strings.Join(keys, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

func upsertOnDuplicateKey(table string, cols, keys []string) string {
	sets := make([]string, 0, len(cols))
	for _, c := range nonKeys(cols, keys) {
		sets = append(sets, c+" = VALUES("+c+")")
	}
	return "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) +
		") ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

func isMySQLUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062 // ER_DUP_ENTRY
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}

func isPostgresLockContention(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40P01" || pqErr.Code == "40001" // deadlock_detected, serialization_failure
	}
	return false
}

// Two first appends to one stream both take a gap lock on the missing
// stream_heads row under REPEATABLE READ, then deadlock on insert.
func isMySQLLockContention(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205 // ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
	}
	return false
}

func isSQLiteUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// schema returns the DDL statements for every table used by the SQL stores.
func (d Dialect) schema() []string {
	t, b := d.text, d.blob
	eventsIdx := ""
	if d.inlineIdx {
		eventsIdx = ",\n\tINDEX idx_events_occurred_at (occurred_at_ns)"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
	position BIGINT NOT NULL PRIMARY KEY,
	event_id ` + t + ` NOT NULL UNIQUE,
	stream_id ` + t + ` NOT NULL,
	stream_type ` + t + ` NOT NULL,
	stream_version BIGINT NOT NULL,
	event_type ` + t + ` NOT NULL,
	schema_version INT NOT NULL,
	actor ` + t + ` NOT NULL,
	data ` + b + ` NOT NULL,
	occurred_at_ns BIGINT NOT NULL,
	UNIQUE (stream_id, stream_version)` + eventsIdx + `
)`,
		`CREATE TABLE IF NOT EXISTS stream_heads (
	stream_id ` + t + ` NOT NULL PRIMARY KEY,
	stream_type ` + t + ` NOT NULL,
	version BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS event_sequence (
	id INT NOT NULL PRIMARY KEY,
	position BIGINT NOT NULL
)`,
		d.seedSeq,
		`CREATE TABLE IF NOT EXISTS snapshots (
	stream_id ` + t + ` NOT NULL PRIMARY KEY,
	stream_type ` + t + ` NOT NULL,
	version BIGINT NOT NULL,
	schema_version INT NOT NULL,
	state ` + b + ` NOT NULL,
	last_event_at_ns BIGINT NOT NULL,
	created_at_ns BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS projection_states (
	name ` + t + ` NOT NULL PRIMARY KEY,
	last_position BIGINT NOT NULL,
	last_event_id ` + t + ` NOT NULL,
	status ` + t + ` NOT NULL,
	updated_at_ns BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS projection_quarantine (
	projection ` + t + ` NOT NULL,
	event_id ` + t + ` NOT NULL,
	position BIGINT NOT NULL,
	event ` + b + ` NOT NULL,
	error_message ` + b + ` NOT NULL,
	attempts INT NOT NULL,
	quarantined_at_ns BIGINT NOT NULL,
	PRIMARY KEY (projection, event_id)
)`,
		`CREATE TABLE IF NOT EXISTS read_models (
	collection ` + t + ` NOT NULL,
	id ` + t + ` NOT NULL,
	doc ` + b + ` NOT NULL,
	PRIMARY KEY (collection, id)
)`,
	}
	if !d.inlineIdx {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events (occurred_at_ns)`)
	}
	return stmts
}
