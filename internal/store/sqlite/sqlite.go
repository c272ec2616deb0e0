// Package sqlite implements a SQLite-based persistence driver using GORM.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/plexward/plexward-go/internal/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

// Driver implements the store interfaces using SQLite via GORM.
type Driver struct {
	dataDir string
	db      *gorm.DB
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}

	return &Driver{
		dataDir: cfg.DataDir,
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Init initializes the SQLite database and runs AutoMigrate.
// The busy timeout is disabled so that lock contention surfaces
// immediately as a retriable write conflict instead of blocking.
func (d *Driver) Init(ctx context.Context) error {
	dbPath := filepath.Join(d.dataDir, "plexward.db")

	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=0&_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	d.db = db

	// AutoMigrate creates/updates tables based on model structs
	if err := db.AutoMigrate(
		&store.Invite{},
		&store.User{},
		&store.InviteUsage{},
		&store.MediaServer{},
		&store.AuditEvent{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// mapError translates SQLite lock errors into store.ErrWriteConflict so
// callers can retry, and record-not-found into store.ErrNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		if serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %v", store.ErrWriteConflict, err)
		}
	}
	return err
}

// tx implements store.Tx over a GORM transaction.
type tx struct {
	db *gorm.DB
}

func (t *tx) FindInviteByCode(code string) (*store.Invite, error) {
	var invite store.Invite
	result := t.db.First(&invite, "code = ?", store.NormalizeCode(code))
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return &invite, nil
}

func (t *tx) IncrementUseCount(id string) (*store.Invite, error) {
	result := t.db.Model(&store.Invite{}).
		Where("id = ?", id).
		UpdateColumn("use_count", gorm.Expr("use_count + 1"))
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, store.ErrNotFound
	}

	var invite store.Invite
	if err := t.db.First(&invite, "id = ?", id).Error; err != nil {
		return nil, mapError(err)
	}
	return &invite, nil
}

func (t *tx) DecrementUseCount(id string) error {
	result := t.db.Model(&store.Invite{}).
		Where("id = ?", id).
		UpdateColumn("use_count", gorm.Expr("MAX(use_count - 1, 0)"))
	if result.Error != nil {
		return mapError(result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InTx runs fn inside a serializable transaction. SQLite's single-writer
// model makes every write transaction serializable; lock contention is
// reported via mapError as a write conflict.
func (d *Driver) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := d.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&tx{db: gtx})
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	return mapError(err)
}

// CreateInvite creates a new invite.
func (d *Driver) CreateInvite(ctx context.Context, invite *store.Invite) error {
	if invite.ID == "" {
		invite.ID = uuid.New().String()
	}
	if invite.CreatedAt.IsZero() {
		invite.CreatedAt = time.Now()
	}
	invite.Code = store.NormalizeCode(invite.Code)

	result := d.db.WithContext(ctx).Create(invite)
	if result.Error != nil {
		var serr sqlite3.Error
		if errors.As(result.Error, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("invite code %s: %w", invite.Code, store.ErrAlreadyExists)
		}
		return mapError(result.Error)
	}
	return nil
}

// GetInviteByCode fetches an invite by its code.
func (d *Driver) GetInviteByCode(ctx context.Context, code string) (*store.Invite, error) {
	var invite store.Invite
	result := d.db.WithContext(ctx).First(&invite, "code = ?", store.NormalizeCode(code))
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return &invite, nil
}

// UpsertUser creates or updates a user record keyed by email.
func (d *Driver) UpsertUser(ctx context.Context, user *store.User) error {
	now := time.Now()

	var existing store.User
	err := d.db.WithContext(ctx).First(&existing, "email = ?", user.Email).Error
	switch {
	case err == nil:
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
		user.UpdatedAt = now
		return mapError(d.db.WithContext(ctx).Save(user).Error)
	case errors.Is(err, gorm.ErrRecordNotFound):
		if user.ID == "" {
			user.ID = uuid.New().String()
		}
		user.CreatedAt = now
		user.UpdatedAt = now
		return mapError(d.db.WithContext(ctx).Create(user).Error)
	default:
		return mapError(err)
	}
}

// CreateInviteUsage appends a redemption record.
func (d *Driver) CreateInviteUsage(ctx context.Context, usage *store.InviteUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.UsedAt.IsZero() {
		usage.UsedAt = time.Now()
	}
	return mapError(d.db.WithContext(ctx).Create(usage).Error)
}

// GetMediaServer returns the configured media server record.
func (d *Driver) GetMediaServer(ctx context.Context) (*store.MediaServer, error) {
	var server store.MediaServer
	result := d.db.WithContext(ctx).First(&server)
	if result.Error != nil {
		return nil, mapError(result.Error)
	}
	return &server, nil
}

// SetMediaServer creates or replaces the media server record.
// A single record is kept; any previous record is removed.
func (d *Driver) SetMediaServer(ctx context.Context, server *store.MediaServer) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	server.UpdatedAt = time.Now()

	err := d.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		if err := gtx.Where("id <> ?", server.ID).Delete(&store.MediaServer{}).Error; err != nil {
			return err
		}
		return gtx.Save(server).Error
	})
	return mapError(err)
}

// AppendAuditEvent persists an audit event. Append-only.
func (d *Driver) AppendAuditEvent(ctx context.Context, event *store.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	return mapError(d.db.WithContext(ctx).Create(event).Error)
}
