package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/authbroker/internal/crypto"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// Ensure SQLiteStore implements CredentialStore
var _ CredentialStore = (*SQLiteStore)(nil)

// SQLiteStore persists credentials in a local SQLite file. Access and
// refresh tokens are encrypted before they are written.
type SQLiteStore struct {
	db        *sql.DB
	encryptor crypto.Encryptor
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the embedded migrations.
func OpenSQLite(ctx context.Context, path string, encryptor crypto.Encryptor) (*SQLiteStore, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	// busy_timeout goes first so the connection blocks instead of failing while WAL is enabled
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.LogDebugWithFields("storage", "SQLite credential store opened", map[string]any{
		"path": cleanPath,
	})
	return &SQLiteStore{db: db, encryptor: encryptor}, nil
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *SQLiteStore) encrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	return s.encryptor.Encrypt(value)
}

func (s *SQLiteStore) decrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	return s.encryptor.Decrypt(value)
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*StoredCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, token_type, expiry, scope, subject,
		        account_id, account_name, base_uri, updated_at
		   FROM credentials WHERE key = ?`, key)

	var (
		cred              StoredCredential
		access, refresh   string
		expiry, updatedAt int64
	)
	err := row.Scan(&access, &refresh, &cred.TokenType, &expiry, &cred.Scope, &cred.Subject,
		&cred.AccountID, &cred.AccountName, &cred.BaseURI, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	if cred.AccessToken, err = s.decrypt(access); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if cred.RefreshToken, err = s.decrypt(refresh); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	cred.Expiry = fromMillis(expiry)
	cred.UpdatedAt = fromMillis(updatedAt)
	return &cred, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, cred *StoredCredential) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("credential cannot be nil")
	}

	access, err := s.encrypt(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := s.encrypt(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (
		   key, access_token, refresh_token, token_type, expiry, scope, subject,
		   account_id, account_name, base_uri, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   token_type = excluded.token_type,
		   expiry = excluded.expiry,
		   scope = excluded.scope,
		   subject = excluded.subject,
		   account_id = excluded.account_id,
		   account_name = excluded.account_name,
		   base_uri = excluded.base_uri,
		   updated_at = excluded.updated_at`,
		key, access, refresh, cred.TokenType, toMillis(cred.Expiry), cred.Scope, cred.Subject,
		cred.AccountID, cred.AccountName, cred.BaseURI, toMillis(updatedAt))
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM credentials ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan credential key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE expiry > 0 AND expiry <= ? AND refresh_token = ''`,
		toMillis(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
