// Package postgres implements a PostgreSQL persistence driver using lib/pq.
// Redemption transactions run at SERIALIZABLE isolation; serialization
// failures are surfaced as store.ErrWriteConflict for the caller to retry.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/plexward/plexward-go/internal/store"
)

func init() {
	store.Register("postgres", NewDriver)
}

// pq error classes relevant to the redemption flow.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// Options holds postgres-specific settings from [store.drivers.postgres].
type Options struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// Driver implements the store interfaces using PostgreSQL.
type Driver struct {
	opts Options
	db   *sql.DB
}

// NewDriver creates a new postgres driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	var opts Options
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, fmt.Errorf("invalid postgres driver options: %w", err)
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("dsn is required for postgres driver")
	}

	return &Driver{opts: opts}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "postgres"
}

// Init opens the connection pool and creates tables.
func (d *Driver) Init(ctx context.Context) error {
	db, err := sql.Open("postgres", d.opts.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if d.opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.opts.MaxOpenConns)
	}
	if d.opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(d.opts.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	d.db = db
	return d.createTables(ctx)
}

func (d *Driver) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invites (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			max_uses INTEGER NOT NULL DEFAULT 1,
			use_count INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			libraries TEXT NOT NULL DEFAULT '',
			allow_sync BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			plex_id BIGINT NOT NULL DEFAULT 0,
			email TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL DEFAULT '',
			thumb TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS invite_usages (
			id TEXT PRIMARY KEY,
			invite_id TEXT NOT NULL REFERENCES invites(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			used_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS media_servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			machine_id TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS invite_usages_invite_idx ON invite_usages (invite_id)`,
		`CREATE INDEX IF NOT EXISTS audit_events_kind_idx ON audit_events (kind)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// mapError translates pq error codes into store sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %v", store.ErrWriteConflict, err)
		case pqUniqueViolation:
			return fmt.Errorf("%w: %v", store.ErrAlreadyExists, err)
		}
	}
	return err
}

const inviteColumns = `id, code, max_uses, use_count, expires_at, created_by, created_at, libraries, allow_sync`

func scanInvite(row *sql.Row) (*store.Invite, error) {
	var invite store.Invite
	err := row.Scan(
		&invite.ID,
		&invite.Code,
		&invite.MaxUses,
		&invite.UseCount,
		&invite.ExpiresAt,
		&invite.CreatedBy,
		&invite.CreatedAt,
		&invite.Libraries,
		&invite.AllowSync,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &invite, nil
}

// tx implements store.Tx over a SERIALIZABLE sql.Tx.
type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *tx) FindInviteByCode(code string) (*store.Invite, error) {
	query := `SELECT ` + inviteColumns + ` FROM invites WHERE code = $1`
	return scanInvite(t.tx.QueryRowContext(t.ctx, query, store.NormalizeCode(code)))
}

func (t *tx) IncrementUseCount(id string) (*store.Invite, error) {
	query := `
		UPDATE invites SET use_count = use_count + 1
		WHERE id = $1
		RETURNING ` + inviteColumns
	return scanInvite(t.tx.QueryRowContext(t.ctx, query, id))
}

func (t *tx) DecrementUseCount(id string) error {
	query := `
		UPDATE invites SET use_count = GREATEST(use_count - 1, 0)
		WHERE id = $1`
	result, err := t.tx.ExecContext(t.ctx, query, id)
	if err != nil {
		return mapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InTx runs fn inside a SERIALIZABLE transaction. Both statement errors
// and the commit itself can report a serialization failure.
func (d *Driver) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}

	if err := fn(&tx{ctx: ctx, tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return mapError(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// CreateInvite creates a new invite.
func (d *Driver) CreateInvite(ctx context.Context, invite *store.Invite) error {
	if invite.ID == "" {
		invite.ID = uuid.New().String()
	}
	invite.Code = store.NormalizeCode(invite.Code)

	query := `
		INSERT INTO invites (id, code, max_uses, use_count, expires_at, created_by, libraries, allow_sync)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`
	err := d.db.QueryRowContext(ctx, query,
		invite.ID,
		invite.Code,
		invite.MaxUses,
		invite.UseCount,
		invite.ExpiresAt,
		invite.CreatedBy,
		invite.Libraries,
		invite.AllowSync,
	).Scan(&invite.CreatedAt)
	return mapError(err)
}

// GetInviteByCode fetches an invite by its code.
func (d *Driver) GetInviteByCode(ctx context.Context, code string) (*store.Invite, error) {
	query := `SELECT ` + inviteColumns + ` FROM invites WHERE code = $1`
	return scanInvite(d.db.QueryRowContext(ctx, query, store.NormalizeCode(code)))
}

// UpsertUser creates or updates a user record keyed by email.
func (d *Driver) UpsertUser(ctx context.Context, user *store.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	query := `
		INSERT INTO users (id, plex_id, email, username, thumb)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE
		SET plex_id = EXCLUDED.plex_id,
		    username = EXCLUDED.username,
		    thumb = EXCLUDED.thumb,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at`
	err := d.db.QueryRowContext(ctx, query,
		user.ID,
		user.PlexID,
		user.Email,
		user.Username,
		user.Thumb,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	return mapError(err)
}

// CreateInviteUsage appends a redemption record.
func (d *Driver) CreateInviteUsage(ctx context.Context, usage *store.InviteUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}

	query := `
		INSERT INTO invite_usages (id, invite_id, user_id)
		VALUES ($1, $2, $3)
		RETURNING used_at`
	err := d.db.QueryRowContext(ctx, query,
		usage.ID,
		usage.InviteID,
		usage.UserID,
	).Scan(&usage.UsedAt)
	return mapError(err)
}

// GetMediaServer returns the configured media server record.
func (d *Driver) GetMediaServer(ctx context.Context) (*store.MediaServer, error) {
	query := `
		SELECT id, name, machine_id, url, token, updated_at
		FROM media_servers
		ORDER BY updated_at DESC
		LIMIT 1`

	var server store.MediaServer
	err := d.db.QueryRowContext(ctx, query).Scan(
		&server.ID,
		&server.Name,
		&server.MachineID,
		&server.URL,
		&server.Token,
		&server.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &server, nil
}

// SetMediaServer creates or replaces the media server record.
func (d *Driver) SetMediaServer(ctx context.Context, server *store.MediaServer) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	server.UpdatedAt = time.Now()

	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM media_servers WHERE id <> $1`, server.ID); err != nil {
		return mapError(err)
	}

	query := `
		INSERT INTO media_servers (id, name, machine_id, url, token, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    machine_id = EXCLUDED.machine_id,
		    url = EXCLUDED.url,
		    token = EXCLUDED.token,
		    updated_at = EXCLUDED.updated_at`
	if _, err := sqlTx.ExecContext(ctx, query,
		server.ID,
		server.Name,
		server.MachineID,
		server.URL,
		server.Token,
		server.UpdatedAt,
	); err != nil {
		return mapError(err)
	}

	return mapError(sqlTx.Commit())
}

// AppendAuditEvent persists an audit event. Append-only.
func (d *Driver) AppendAuditEvent(ctx context.Context, event *store.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	query := `
		INSERT INTO audit_events (id, kind, actor, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	err := d.db.QueryRowContext(ctx, query,
		event.ID,
		event.Kind,
		event.Actor,
		event.Payload,
	).Scan(&event.CreatedAt)
	return mapError(err)
}
