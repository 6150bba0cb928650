// Package sql implements storage.Storage on top of database/sql, grounded
// on the teacher's storage/sql package: the flavor-translation mechanism for
// running one set of Postgres-flavored queries against SQLite/MySQL, the
// conn wrapper abstracting *sql.DB vs *sql.Tx, and the JSON encoder/decoder
// helpers for columns too nested for a plain scalar column.
package sql

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	_ "github.com/mattn/go-sqlite3"
)

// flavor translates one canonical (Postgres-flavored) query string into the
// dialect a given driver understands. New queries are written once, in
// Postgres syntax, and translated rather than duplicated per backend.
type flavor struct {
	queryReplacers    []replacer
	executeTx         func(db *sql.DB, fn func(*sql.Tx) error) error
	supportsTimezones bool
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var (
	flavorPostgres = flavor{
		// Postgres defaults to read-consistent, not write-consistent,
		// transactions. Force serializable isolation and retry on
		// serialization failure rather than risk a lost update racing two
		// UpdateX callers against the same row.
		executeTx: func(db *sql.DB, fn func(*sql.Tx) error) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
			for {
				tx, err := db.BeginTx(ctx, opts)
				if err != nil {
					return err
				}
				if err := fn(tx); err != nil {
					tx.Rollback()
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				if err := tx.Commit(); err != nil {
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				return nil
			}
		},
		supportsTimezones: true,
	}

	flavorSQLite3 = flavor{
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("true"), "1"},
			{matchLiteral("false"), "0"},
			{matchLiteral("boolean"), "integer"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
			{regexp.MustCompile(`\bnow\(\)`), "date('now')"},
		},
		executeTx: func(db *sql.DB, fn func(*sql.Tx) error) error {
			tx, err := db.Begin()
			if err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		},
	}

	flavorMySQL = flavor{
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("timestamptz"), "timestamp"},
		},
		executeTx: func(db *sql.DB, fn func(*sql.Tx) error) error {
			tx, err := db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
			if err != nil {
				return err
			}
			if err := fn(tx); err != nil {
				tx.Rollback()
				return err
			}
			return tx.Commit()
		},
	}
)

func isSerializationFailure(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == "serialization_failure"
}

func (f *flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

func (c *conn) translateArgs(args []interface{}) []interface{} {
	if c.flavor.supportsTimezones {
		return args
	}
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// conn is the main database connection, implementing storage.Storage.
type conn struct {
	db     *sql.DB
	flavor *flavor
	logger logrus.FieldLogger
}

func (c *conn) Close() error { return c.db.Close() }

func (c *conn) Ping() error { return c.db.Ping() }

func (c *conn) Exec(query string, args ...interface{}) (sql.Result, error) {
	query = c.flavor.translate(query)
	return c.db.Exec(query, c.translateArgs(args)...)
}

func (c *conn) Query(query string, args ...interface{}) (*sql.Rows, error) {
	query = c.flavor.translate(query)
	return c.db.Query(query, c.translateArgs(args)...)
}

func (c *conn) QueryRow(query string, args ...interface{}) *sql.Row {
	query = c.flavor.translate(query)
	return c.db.QueryRow(query, c.translateArgs(args)...)
}

// querier abstracts *sql.DB vs *sql.Tx so crud.go's query helpers work
// inside or outside an explicit transaction.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// txConn wraps a *sql.Tx with the same flavor translation conn applies, so
// UpdateX's read-modify-write runs inside one transaction.
type txConn struct {
	tx     *sql.Tx
	flavor *flavor
}

func (t *txConn) QueryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRow(t.flavor.translate(query), args...)
}

func (t *txConn) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.Query(t.flavor.translate(query), args...)
}

func (t *txConn) Exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.Exec(t.flavor.translate(query), args...)
}

func (c *conn) executeTx(fn func(*sql.Tx) error) error {
	return c.flavor.executeTx(c.db, fn)
}
