// Package store provides persistence primitives and driver abstractions
// for invites, redemption usage records, and media server settings.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors for store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store closed")

	// ErrWriteConflict indicates two serializable transactions raced and
	// this one lost. Callers may retry the whole transaction.
	ErrWriteConflict = errors.New("write conflict")
)

// Driver defines the interface for a persistence backend.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Init initializes the driver (create tables, open connections, etc).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (memory, sqlite, postgres).
	Name() string
}

// Tx is the handle passed to the body of a serializable transaction.
// All reads and writes through a Tx belong to the same transaction and
// become visible atomically on commit.
type Tx interface {
	// FindInviteByCode looks up an invite by its case-normalized code.
	// Returns ErrNotFound if no such invite exists.
	FindInviteByCode(code string) (*Invite, error)

	// IncrementUseCount increments the invite's use count by one and
	// returns the invite as of that increment.
	IncrementUseCount(id string) (*Invite, error)

	// DecrementUseCount decrements the invite's use count by one.
	// The count never goes below zero.
	DecrementUseCount(id string) error
}

// InviteStore defines operations for invite redemption persistence.
type InviteStore interface {
	// InTx runs fn inside a serializable transaction. If the backend
	// reports a serialization failure on any statement or at commit,
	// InTx returns an error matching ErrWriteConflict and none of fn's
	// writes are applied. Any error from fn aborts the transaction.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// CreateInvite creates a new invite. The code is stored case-normalized.
	CreateInvite(ctx context.Context, invite *Invite) error

	// GetInviteByCode fetches an invite outside of any transaction.
	GetInviteByCode(ctx context.Context, code string) (*Invite, error)

	// UpsertUser creates or updates a local user record keyed by email.
	UpsertUser(ctx context.Context, user *User) error

	// CreateInviteUsage appends a redemption record. Usage rows are
	// never updated or deleted through this interface.
	CreateInviteUsage(ctx context.Context, usage *InviteUsage) error

	// GetMediaServer returns the configured media server record, or
	// ErrNotFound if none has been set.
	GetMediaServer(ctx context.Context) (*MediaServer, error)

	// SetMediaServer creates or replaces the media server record.
	SetMediaServer(ctx context.Context, server *MediaServer) error
}

// Invite is a limited-use code granting access to the media server.
type Invite struct {
	ID        string     `json:"id" gorm:"primaryKey"`
	Code      string     `json:"code" gorm:"uniqueIndex"`
	MaxUses   int        `json:"max_uses"`
	UseCount  int        `json:"use_count"`
	ExpiresAt *time.Time `json:"expires_at"` // nil means never expires
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`

	// Libraries is a comma-joined list of library section ids shared by
	// this invite. Empty means all libraries.
	Libraries string `json:"libraries"`

	// AllowSync grants the redeeming user offline download permission.
	AllowSync bool `json:"allow_sync"`
}

// Expired reports whether the invite's expiry (if any) is before now.
func (i *Invite) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && i.ExpiresAt.Before(now)
}

// Exhausted reports whether the invite has no uses remaining.
func (i *Invite) Exhausted() bool {
	return i.UseCount >= i.MaxUses
}

// LibrarySections returns the library section ids as a slice.
func (i *Invite) LibrarySections() []string {
	if i.Libraries == "" {
		return nil
	}
	parts := strings.Split(i.Libraries, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NormalizeCode returns the canonical form of an invite code.
// Codes are compared case-insensitively.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// User is a local identity record mirroring the remote account that
// redeemed an invite.
type User struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	PlexID    int64     `json:"plex_id" gorm:"index"`
	Email     string    `json:"email" gorm:"uniqueIndex"`
	Username  string    `json:"username"`
	Thumb     string    `json:"thumb"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InviteUsage records one successful end-to-end redemption. Append-only.
type InviteUsage struct {
	ID       string    `json:"id" gorm:"primaryKey"`
	InviteID string    `json:"invite_id" gorm:"index"`
	UserID   string    `json:"user_id" gorm:"index"`
	UsedAt   time.Time `json:"used_at"`
}

// MediaServer holds the connection record for the shared media server.
// Written by the admin surface; this core only reads it during redemption.
type MediaServer struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	MachineID string    `json:"machine_id"`
	URL       string    `json:"url"`
	Token     string    `json:"token,omitempty"` // omitempty for redaction
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditStore defines the append-only audit trail. Events are never read
// back by the redemption core.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a persisted security-relevant state transition.
type AuditEvent struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Kind      string    `json:"kind" gorm:"index"`
	Actor     string    `json:"actor"`
	Payload   string    `json:"payload"` // JSON-encoded structured payload
	CreatedAt time.Time `json:"created_at"`
}
