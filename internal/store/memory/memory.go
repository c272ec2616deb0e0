// Package memory implements an in-memory persistence driver.
// Transactions are serialized behind a single mutex, which trivially
// satisfies the serializable-isolation contract. Intended for tests
// and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plexward/plexward-go/internal/store"
)

func init() {
	store.Register("memory", NewDriver)
}

// Driver implements store.Driver and store.InviteStore in memory.
type Driver struct {
	mu          sync.Mutex
	invites     map[string]*store.Invite // id -> invite
	byCode      map[string]string        // normalized code -> id
	users       map[string]*store.User   // email -> user
	usages      []*store.InviteUsage
	auditEvents []*store.AuditEvent
	mediaServer *store.MediaServer
	closed      bool
}

// NewDriver creates a new in-memory driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	return &Driver{
		invites: make(map[string]*store.Invite),
		byCode:  make(map[string]string),
		users:   make(map[string]*store.User),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return "memory" }

// Init is a no-op for the memory driver.
func (d *Driver) Init(ctx context.Context) error { return nil }

// Close marks the driver closed.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// tx implements store.Tx. Writes are staged and applied on commit so a
// failed transaction body leaves no trace, matching the drivers backed
// by a real transactional store.
type tx struct {
	d      *Driver
	staged map[string]*store.Invite // id -> pending state
}

func (t *tx) lookup(id string) (*store.Invite, bool) {
	if inv, ok := t.staged[id]; ok {
		return inv, true
	}
	inv, ok := t.d.invites[id]
	return inv, ok
}

func (t *tx) FindInviteByCode(code string) (*store.Invite, error) {
	id, ok := t.d.byCode[store.NormalizeCode(code)]
	if !ok {
		return nil, store.ErrNotFound
	}
	inv, ok := t.lookup(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (t *tx) IncrementUseCount(id string) (*store.Invite, error) {
	inv, ok := t.lookup(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inv
	cp.UseCount++
	t.staged[id] = &cp
	snapshot := cp
	return &snapshot, nil
}

func (t *tx) DecrementUseCount(id string) error {
	inv, ok := t.lookup(id)
	if !ok {
		return store.ErrNotFound
	}
	cp := *inv
	if cp.UseCount > 0 {
		cp.UseCount--
	}
	t.staged[id] = &cp
	return nil
}

// InTx runs fn under the driver mutex. Concurrent transactions execute
// one at a time, so write conflicts cannot occur.
func (d *Driver) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	t := &tx{d: d, staged: make(map[string]*store.Invite)}
	if err := fn(t); err != nil {
		return err
	}

	// Commit staged writes
	for id, inv := range t.staged {
		d.invites[id] = inv
	}
	return nil
}

// CreateInvite creates a new invite.
func (d *Driver) CreateInvite(ctx context.Context, invite *store.Invite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	if invite.ID == "" {
		invite.ID = uuid.New().String()
	}
	if invite.CreatedAt.IsZero() {
		invite.CreatedAt = time.Now()
	}
	invite.Code = store.NormalizeCode(invite.Code)

	if _, exists := d.byCode[invite.Code]; exists {
		return fmt.Errorf("invite code %s: %w", invite.Code, store.ErrAlreadyExists)
	}

	cp := *invite
	d.invites[invite.ID] = &cp
	d.byCode[invite.Code] = invite.ID
	return nil
}

// GetInviteByCode fetches an invite by code.
func (d *Driver) GetInviteByCode(ctx context.Context, code string) (*store.Invite, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.byCode[store.NormalizeCode(code)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d.invites[id]
	return &cp, nil
}

// UpsertUser creates or updates a user record keyed by email.
func (d *Driver) UpsertUser(ctx context.Context, user *store.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	now := time.Now()
	if existing, ok := d.users[user.Email]; ok {
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
	} else {
		if user.ID == "" {
			user.ID = uuid.New().String()
		}
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	cp := *user
	d.users[user.Email] = &cp
	return nil
}

// CreateInviteUsage appends a redemption record.
func (d *Driver) CreateInviteUsage(ctx context.Context, usage *store.InviteUsage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.UsedAt.IsZero() {
		usage.UsedAt = time.Now()
	}
	cp := *usage
	d.usages = append(d.usages, &cp)
	return nil
}

// ListInviteUsages returns all usage rows for an invite (test helper).
func (d *Driver) ListInviteUsages(ctx context.Context, inviteID string) ([]*store.InviteUsage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*store.InviteUsage, 0)
	for _, u := range d.usages {
		if u.InviteID == inviteID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetMediaServer returns the configured media server record.
func (d *Driver) GetMediaServer(ctx context.Context) (*store.MediaServer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mediaServer == nil {
		return nil, store.ErrNotFound
	}
	cp := *d.mediaServer
	return &cp, nil
}

// SetMediaServer creates or replaces the media server record.
func (d *Driver) SetMediaServer(ctx context.Context, server *store.MediaServer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	server.UpdatedAt = time.Now()
	cp := *server
	d.mediaServer = &cp
	return nil
}

// AppendAuditEvent records an audit event. Append-only.
func (d *Driver) AppendAuditEvent(ctx context.Context, event *store.AuditEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	d.auditEvents = append(d.auditEvents, &cp)
	return nil
}

// ListAuditEvents returns all recorded audit events (test helper).
func (d *Driver) ListAuditEvents(ctx context.Context) ([]*store.AuditEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*store.AuditEvent, 0, len(d.auditEvents))
	for _, e := range d.auditEvents {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
