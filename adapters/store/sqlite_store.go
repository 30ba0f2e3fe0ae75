package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/layer-3/notary/core"
)

// SQLiteStore implements the nonce, identity and document stores on SQLite.
// Atomic transitions are single conditional statements.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (and creates if needed) the database at path
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
		now:    time.Now,
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("SQLite store initialized")
	return s, nil
}

// WithClock overrides the time source used for claim expiry checks
func (s *SQLiteStore) WithClock(now func() time.Time) *SQLiteStore {
	s.now = now
	return s
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS challenges (
			value TEXT PRIMARY KEY,
			subject_address TEXT NOT NULL DEFAULT '',
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_challenges_expires_at
			ON challenges(expires_at);

		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_authenticated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			owner_address TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			registered_at INTEGER NOT NULL,
			verified_at INTEGER,
			verified_by TEXT NOT NULL DEFAULT '',
			expires_at INTEGER,
			revoked_at INTEGER
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_owner_fingerprint
			ON documents(owner_address, fingerprint);

		CREATE TABLE IF NOT EXISTS invalidated_tokens (
			token_id TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Issue inserts a fresh challenge; the primary key rejects a live duplicate
func (s *SQLiteStore) Issue(ctx context.Context, address string, ttl time.Duration) (*core.Challenge, error) {
	for {
		value, err := NewNonceValue()
		if err != nil {
			return nil, err
		}
		now := s.now()
		c := &core.Challenge{
			Value:          value,
			SubjectAddress: address,
			IssuedAt:       now,
			ExpiresAt:      now.Add(ttl),
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO challenges (value, subject_address, issued_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(value) DO NOTHING
		`, c.Value, c.SubjectAddress, c.IssuedAt.UnixNano(), c.ExpiresAt.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("inserting challenge: %w", wrapSQLErr(err))
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return c, nil
		}
	}
}

// Claim consumes a challenge with one conditional update
func (s *SQLiteStore) Claim(ctx context.Context, value string) (*core.Challenge, error) {
	now := s.now().UnixNano()
	c := &core.Challenge{Value: value, Consumed: true}
	var issuedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE challenges SET consumed = 1
		WHERE value = ? AND consumed = 0 AND expires_at > ?
		RETURNING subject_address, issued_at, expires_at
	`, value, now).Scan(&c.SubjectAddress, &issuedAt, &expiresAt)
	if err == nil {
		c.IssuedAt = fromNanos(issuedAt)
		c.ExpiresAt = fromNanos(expiresAt)
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claiming challenge: %w", wrapSQLErr(err))
	}

	// The update matched nothing; classify why
	var consumed int
	err = s.db.QueryRowContext(ctx,
		`SELECT consumed, expires_at FROM challenges WHERE value = ?`, value,
	).Scan(&consumed, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, core.ErrNonceNotFound
	case err != nil:
		return nil, fmt.Errorf("reading challenge: %w", wrapSQLErr(err))
	case consumed == 1:
		return nil, core.ErrNonceAlreadyUsed
	default:
		return nil, core.ErrNonceExpired
	}
}

// Sweep deletes expired challenges and lapsed invalidation entries
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping challenges: %w", wrapSQLErr(err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM invalidated_tokens WHERE expires_at <= ?`, now); err != nil {
		return 0, fmt.Errorf("sweeping invalidated tokens: %w", wrapSQLErr(err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug().Int64("removed", n).Msg("swept expired challenges")
	}
	return int(n), nil
}

// InvalidateToken records tokenID until expiry from now
func (s *SQLiteStore) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invalidated_tokens (token_id, expires_at) VALUES (?, ?)
		ON CONFLICT(token_id) DO UPDATE SET expires_at = excluded.expires_at
	`, tokenID, s.now().Add(expiry).UnixNano())
	if err != nil {
		return fmt.Errorf("invalidating token: %w", wrapSQLErr(err))
	}
	return nil
}

// IsTokenInvalidated reports whether a live invalidation entry exists
func (s *SQLiteStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM invalidated_tokens WHERE token_id = ? AND expires_at > ?`,
		tokenID, s.now().UnixNano(),
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("checking token: %w", wrapSQLErr(err))
	}
	return true, nil
}

const identityColumns = `id, address, role, display_name, status, created_at, last_authenticated_at`

func scanIdentity(row interface{ Scan(...any) error }) (*core.Identity, error) {
	var (
		identity             core.Identity
		role, status         string
		createdAt, lastAuthn int64
	)
	if err := row.Scan(&identity.ID, &identity.Address, &role, &identity.DisplayName, &status, &createdAt, &lastAuthn); err != nil {
		return nil, err
	}
	identity.Role = core.Role(role)
	identity.Status = core.IdentityStatus(status)
	identity.CreatedAt = fromNanos(createdAt)
	identity.LastAuthenticatedAt = fromNanos(lastAuthn)
	return &identity, nil
}

// UpsertOnLogin creates the identity as Individual or refreshes an existing one
func (s *SQLiteStore) UpsertOnLogin(ctx context.Context, identity *core.Identity) (*core.Identity, error) {
	id := identity.ID
	if id == "" {
		id = uuid.New().String()
	}
	at := identity.LastAuthenticatedAt.UnixNano()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			last_authenticated_at = excluded.last_authenticated_at,
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE identities.display_name END
		RETURNING `+identityColumns,
		id, identity.Address, core.RoleIndividual, identity.DisplayName, core.IdentityActive, at, at,
	)
	out, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("upserting identity: %w", wrapSQLErr(err))
	}
	return out, nil
}

// GetIdentity returns the identity for a lowercase address
func (s *SQLiteStore) GetIdentity(ctx context.Context, address string) (*core.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE address = ?`, address)
	out, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting identity: %w", wrapSQLErr(err))
	}
	return out, nil
}

// TouchIdentity advances LastAuthenticatedAt, never moving it backwards
func (s *SQLiteStore) TouchIdentity(ctx context.Context, address string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET last_authenticated_at = MAX(last_authenticated_at, ?)
		WHERE address = ?
	`, at.UnixNano(), address)
	if err != nil {
		return fmt.Errorf("touching identity: %w", wrapSQLErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrIdentityNotFound
	}
	return nil
}

// SetRole assigns a role administratively
func (s *SQLiteStore) SetRole(ctx context.Context, address string, role core.Role) (*core.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE identities SET role = ? WHERE address = ? RETURNING `+identityColumns, role, address)
	out, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("setting role: %w", wrapSQLErr(err))
	}
	s.logger.Info().Str("address", address).Str("role", string(role)).Msg("role changed")
	return out, nil
}

const documentColumns = `id, owner_address, fingerprint, display_name, status, registered_at, verified_at, verified_by, expires_at, revoked_at`

func scanDocument(row interface{ Scan(...any) error }) (*core.DocumentRecord, error) {
	var (
		d                                core.DocumentRecord
		status                           string
		registeredAt                     int64
		verifiedAt, expiresAt, revokedAt sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.OwnerAddress, &d.Fingerprint, &d.DisplayName, &status,
		&registeredAt, &verifiedAt, &d.VerifiedBy, &expiresAt, &revokedAt); err != nil {
		return nil, err
	}
	d.Status = core.DocumentStatus(status)
	d.RegisteredAt = fromNanos(registeredAt)
	d.VerifiedAt = fromNullNanos(verifiedAt)
	d.ExpiresAt = fromNullNanos(expiresAt)
	d.RevokedAt = fromNullNanos(revokedAt)
	return &d, nil
}

// CreateDocument inserts a record; the unique index makes check and insert one step
func (s *SQLiteStore) CreateDocument(ctx context.Context, record *core.DocumentRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_address, fingerprint) DO NOTHING
	`,
		record.ID, record.OwnerAddress, record.Fingerprint, record.DisplayName, record.Status,
		record.RegisteredAt.UnixNano(), toNullNanos(record.VerifiedAt), record.VerifiedBy,
		toNullNanos(record.ExpiresAt), toNullNanos(record.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting document: %w", wrapSQLErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrDuplicateFingerprint
	}
	return nil
}

// GetDocument returns a record by owner and fingerprint
func (s *SQLiteStore) GetDocument(ctx context.Context, owner, fingerprint string) (*core.DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_address = ? AND fingerprint = ?`, owner, fingerprint)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", wrapSQLErr(err))
	}
	return d, nil
}

// MarkDocumentVerified moves a Pending record to Verified
func (s *SQLiteStore) MarkDocumentVerified(ctx context.Context, owner, fingerprint, verifier string, at time.Time) (*core.DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents SET status = ?, verified_at = ?, verified_by = ?
		WHERE owner_address = ? AND fingerprint = ? AND status = ?
		RETURNING `+documentColumns,
		core.DocumentVerified, at.UnixNano(), verifier, owner, fingerprint, core.DocumentPending,
	)
	d, err := scanDocument(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verifying document: %w", wrapSQLErr(err))
	}

	current, err := s.GetDocument(ctx, owner, fingerprint)
	if err != nil {
		return nil, err
	}
	if current.Status == core.DocumentVerified {
		return nil, core.ErrAlreadyVerified
	}
	return nil, core.ErrInvalidTransition
}

// RevokeDocument moves any record to Revoked, keeping the first revocation time
func (s *SQLiteStore) RevokeDocument(ctx context.Context, owner, fingerprint string, at time.Time) (*core.DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents SET status = ?, revoked_at = COALESCE(revoked_at, ?)
		WHERE owner_address = ? AND fingerprint = ?
		RETURNING `+documentColumns,
		core.DocumentRevoked, at.UnixNano(), owner, fingerprint,
	)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("revoking document: %w", wrapSQLErr(err))
	}
	return d, nil
}

// ListDocuments returns an owner's records, newest first
func (s *SQLiteStore) ListDocuments(ctx context.Context, owner string) ([]*core.DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_address = ? ORDER BY registered_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", wrapSQLErr(err))
	}
	defer rows.Close()

	var out []*core.DocumentRecord
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func wrapSQLErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	return err
}
