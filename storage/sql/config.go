package sql

import (
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/authrim/authrim/storage"
)

// Postgres options for opening a connection, grounded on the teacher's
// storage/sql.Postgres shape.
type Postgres struct {
	Host     string
	Port     uint16
	Database string
	User     string
	Password string
	SSL      PostgresSSL
}

// PostgresSSL configures TLS for the Postgres connection.
type PostgresSSL struct {
	Mode string
}

func (p *Postgres) dsn() string {
	dsn := fmt.Sprintf("host=%s dbname=%s user=%s", p.Host, p.Database, p.User)
	if p.Port != 0 {
		dsn += fmt.Sprintf(" port=%d", p.Port)
	}
	if p.Password != "" {
		dsn += fmt.Sprintf(" password=%s", p.Password)
	}
	if p.SSL.Mode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", p.SSL.Mode)
	} else {
		dsn += " sslmode=disable"
	}
	return dsn
}

// Open connects to Postgres and returns a storage.Storage.
func (p *Postgres) Open(logger logrus.FieldLogger) (storage.Storage, error) {
	db, err := sql.Open("postgres", p.dsn())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	c := &conn{db: db, flavor: &flavorPostgres, logger: logger}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return c, nil
}

// MySQL options for opening a connection.
type MySQL struct {
	Host     string
	Port     uint16
	Database string
	User     string
	Password string
}

// Open connects to MySQL and returns a storage.Storage.
func (m *MySQL) Open(logger logrus.FieldLogger) (storage.Storage, error) {
	cfg := mysql.Config{
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%d", m.Host, m.Port),
		DBName:               m.Database,
		User:                 m.User,
		Passwd:               m.Password,
		AllowNativePasswords: true,
		ParseTime:            true,
	}
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	c := &conn{db: db, flavor: &flavorMySQL, logger: logger}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate mysql: %w", err)
	}
	return c, nil
}

// SQLite3 options for opening a connection, almost always used for tests
// and single-process deployments.
type SQLite3 struct {
	File string
}

// Open connects to a SQLite3 file and returns a storage.Storage.
func (s *SQLite3) Open(logger logrus.FieldLogger) (storage.Storage, error) {
	db, err := sql.Open("sqlite3", s.File)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// SQLite3 has no real concurrent-writer story; cap to one connection so
	// "database is locked" errors surface as serialized waits instead.
	db.SetMaxOpenConns(1)
	c := &conn{db: db, flavor: &flavorSQLite3, logger: logger}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite3: %w", err)
	}
	return c, nil
}

// Open dials the named flavor ("postgres", "mysql" or "sqlite3") against a
// raw driver DSN and returns a storage.Storage. It exists alongside the
// structured Postgres/MySQL/SQLite3 configs above for callers — the
// configuration loader in particular — that only carry a flat
// type-plus-DSN pair rather than the broken-out connection fields.
func Open(flavor, dsn string, logger logrus.FieldLogger) (storage.Storage, error) {
	switch flavor {
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		c := &conn{db: db, flavor: &flavorPostgres, logger: logger}
		if err := c.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return c, nil
	case "mysql":
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		c := &conn{db: db, flavor: &flavorMySQL, logger: logger}
		if err := c.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate mysql: %w", err)
		}
		return c, nil
	case "sqlite3":
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite3: %w", err)
		}
		db.SetMaxOpenConns(1)
		c := &conn{db: db, flavor: &flavorSQLite3, logger: logger}
		if err := c.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite3: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", flavor)
	}
}
