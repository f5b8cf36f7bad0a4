package metacache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // register the pure-Go sqlite driver
)

// Driver names accepted by Open.
const (
	DriverNone     = ""
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

type dialect struct {
	driver  string
	name    string
	blob    string
	argList func(n int) []string
}

var (
	sqliteDialect = dialect{
		driver: "sqlite",
		name:   "sqlite",
		blob:   "BLOB",
		argList: func(n int) []string {
			out := make([]string, n)
			for i := range out {
				out[i] = "?"
			}
			return out
		},
	}
	postgresDialect = dialect{
		driver: "pgx",
		name:   "postgres",
		blob:   "BYTEA",
		argList: func(n int) []string {
			out := make([]string, n)
			for i := range out {
				out[i] = fmt.Sprintf("$%d", i+1)
			}
			return out
		},
	}
)

// SQLStore persists raw metadata documents in a single table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	getQuery   string
	pruneQuery string
	putQuery   string
}

// Open returns the persistent tier named by driver, or nil for DriverNone.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		s   *SQLStore
		err error
	)
	switch driver {
	case DriverNone:
		return nil, nil
	case DriverSQLite:
		s, err = OpenSQLite(ctx, dsn)
	case DriverPostgres:
		s, err = OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("metacache: unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) a sqlite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("metacache: sqlite path required")
	}
	return openSQL(ctx, sqliteDialect, path)
}

// OpenPostgres connects to a postgres database.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("metacache: postgres dsn required")
	}
	return openSQL(ctx, postgresDialect, dsn)
}

func openSQL(ctx context.Context, d dialect, dsn string) (*SQLStore, error) {
	openMu.Lock()
	db, err := sqlOpen(d.driver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.name == "sqlite" {
		// Writers serialize on the database file anyway.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	s := &SQLStore{db: db, dialect: d}
	s.prepareQueries()
	if err := s.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) prepareQueries() {
	a := s.dialect.argList(4)
	s.getQuery = fmt.Sprintf(
		`SELECT payload FROM artifact_metadata WHERE path = %s AND mtime = %s AND length = %s`,
		a[0], a[1], a[2])
	s.pruneQuery = fmt.Sprintf(
		`DELETE FROM artifact_metadata WHERE path = %s AND (mtime <> %s OR length <> %s)`,
		a[0], a[1], a[2])
	s.putQuery = fmt.Sprintf(
		`INSERT INTO artifact_metadata (path, mtime, length, payload) VALUES (%s, %s, %s, %s)
ON CONFLICT (path, mtime, length) DO UPDATE SET payload = excluded.payload`,
		a[0], a[1], a[2], a[3])
}

func (s *SQLStore) ensureTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS artifact_metadata (
	path TEXT NOT NULL,
	mtime BIGINT NOT NULL,
	length BIGINT NOT NULL,
	payload %s NOT NULL,
	PRIMARY KEY (path, mtime, length)
)`, s.dialect.blob)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create artifact_metadata table: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.getQuery, key.Path, key.MTime, key.Length).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load metadata %s: %w", key, err)
	}
	return doc, true, nil
}

// Put implements Store. Older revisions of the same path are dropped.
func (s *SQLStore) Put(ctx context.Context, key Key, doc []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.pruneQuery, key.Path, key.MTime, key.Length); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prune metadata %s: %w", key.Path, err)
	}
	if _, err := tx.ExecContext(ctx, s.putQuery, key.Path, key.MTime, key.Length, doc); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store metadata %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata %s: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
