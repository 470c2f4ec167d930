// Package ledger records multipart upload sessions and their parts in a SQL
// database shared by every worker. All coordination between workers goes
// through its transactions and upserts.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"pkt.systems/pslog"
)

//go:embed migrations
var migrationsFS embed.FS

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict indicates a session with the same id already exists.
	ErrConflict = errors.New("ledger: session already exists")
)

// Session is one multipart upload in progress.
type Session struct {
	ID           string
	OwnerID      string
	Key          string
	Size         int64
	OriginalName string
	Initiated    time.Time
	UserID       string
}

// Part is one received chunk of a session.
type Part struct {
	Number int
	ETag   string
}

// Store is the SQL backed ledger.
type Store struct {
	db     *sql.DB
	logger pslog.Logger
}

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Open connects to dsn, applies migrations and returns the ledger. dsn is a
// filesystem path, a "sqlite://" URL or MemoryDSN.
func Open(ctx context.Context, dsn string, logger pslog.Logger) (*Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	source, memory := driverSource(dsn)
	db, err := sql.Open("sqlite", source)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite db: %w", err)
	}
	if memory {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func driverSource(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	dsn = strings.TrimPrefix(dsn, "sqlite://")
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if dsn == "" || dsn == MemoryDSN {
		return "file::memory:?" + pragmas, true
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + sep + pragmas + "&_pragma=journal_mode(WAL)", false
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema applies the embedded migrations in lexical order.
func (s *Store) initSchema(ctx context.Context) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("ledger: read migration %s: %w", path, err)
		}
		s.logger.Debug("ledger.migration.apply", "path", path)
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("ledger: apply migration %s: %w", path, err)
		}
		return nil
	})
}

// Reset drops both tables and recreates them empty.
func (s *Store) Reset(ctx context.Context) error {
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DROP TABLE IF EXISTS cloudstorage_multipart_part`,
			`DROP TABLE IF EXISTS cloudstorage_multipart_upload`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: reset: %w", err)
	}
	s.logger.Info("ledger.reset")
	return s.initSchema(ctx)
}

// withTransaction runs fn inside a transaction, committing when it returns nil.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const sessionColumns = `id, resource_id, name, initiated, size, original_name, user_id`

// CreateSession inserts sess. A duplicate id yields ErrConflict.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("ledger: session id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cloudstorage_multipart_upload (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.Key, sess.Initiated.UTC().UnixNano(), sess.Size, sess.OriginalName, sess.UserID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("ledger: session %s: %w", sess.ID, ErrConflict)
		}
		return fmt.Errorf("ledger: insert session: %w", err)
	}
	return nil
}

// Session returns the session with id.
func (s *Store) Session(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM cloudstorage_multipart_upload WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("ledger: session %s: %w", id, err)
	}
	return sess, nil
}

// SessionByKey returns the newest session targeting key.
func (s *Store) SessionByKey(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM cloudstorage_multipart_upload WHERE name = ?
		 ORDER BY initiated DESC, rowid DESC LIMIT 1`, key)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("ledger: session for %s: %w", key, err)
	}
	return sess, nil
}

// SessionsByOwner returns the owner's sessions, newest first.
func (s *Store) SessionsByOwner(ctx context.Context, owner string) ([]Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM cloudstorage_multipart_upload WHERE resource_id = ?
		 ORDER BY initiated DESC, rowid DESC`, owner)
}

// SessionsInitiatedBefore returns sessions started strictly before cutoff,
// oldest first.
func (s *Store) SessionsInitiatedBefore(ctx context.Context, cutoff time.Time) ([]Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM cloudstorage_multipart_upload WHERE initiated < ?
		 ORDER BY initiated ASC, rowid ASC`, cutoff.UTC().UnixNano())
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess      Session
		initiated int64
	)
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Key, &initiated, &sess.Size, &sess.OriginalName, &sess.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Initiated = time.Unix(0, initiated).UTC()
	return &sess, nil
}

// DeleteSession removes the session and its parts in one transaction.
// Deleting a missing session yields ErrNotFound.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cloudstorage_multipart_part WHERE upload_id = ?`, id); err != nil {
			return fmt.Errorf("ledger: delete parts: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM cloudstorage_multipart_upload WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("ledger: delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ledger: delete session: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("ledger: session %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// UpsertPart records etag for part n of the session, replacing any earlier
// etag for the same part number.
func (s *Store) UpsertPart(ctx context.Context, sessionID string, n int, etag string) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM cloudstorage_multipart_upload WHERE id = ?`, sessionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("ledger: session %s: %w", sessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("ledger: lookup session: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cloudstorage_multipart_part (upload_id, n, etag) VALUES (?, ?, ?)
			 ON CONFLICT (upload_id, n) DO UPDATE SET etag = excluded.etag`,
			sessionID, n, etag)
		if err != nil {
			return fmt.Errorf("ledger: upsert part: %w", err)
		}
		return nil
	})
}

// Parts returns the session's parts ordered by part number.
func (s *Store) Parts(ctx context.Context, sessionID string) ([]Part, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n, etag FROM cloudstorage_multipart_part WHERE upload_id = ? ORDER BY n ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query parts: %w", err)
	}
	defer rows.Close()
	var parts []Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.Number, &p.ETag); err != nil {
			return nil, fmt.Errorf("ledger: scan part: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate parts: %w", err)
	}
	return parts, nil
}

// CountParts returns how many distinct part numbers the session holds.
func (s *Store) CountParts(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cloudstorage_multipart_part WHERE upload_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: count parts: %w", err)
	}
	return n, nil
}
