package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/plexward/plexward-go/internal/store"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	drv, err := NewDriver(&store.DriverConfig{Driver: "sqlite", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	d := drv.(*Driver)
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("failed to init driver: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNewDriverRequiresDataDir(t *testing.T) {
	if _, err := NewDriver(&store.DriverConfig{Driver: "sqlite"}); err == nil {
		t.Fatal("expected error for missing data_dir")
	}
}

func TestInviteRoundTrip(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	invite := &store.Invite{Code: "welcome-1", MaxUses: 3, CreatedBy: "admin", Libraries: "1,3", AllowSync: true}
	if err := d.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("failed to create invite: %v", err)
	}

	got, err := d.GetInviteByCode(ctx, "WELCOME-1")
	if err != nil {
		t.Fatalf("failed to fetch invite: %v", err)
	}
	if got.Code != "WELCOME-1" {
		t.Errorf("expected normalized code, got %q", got.Code)
	}
	if got.Libraries != "1,3" || !got.AllowSync {
		t.Errorf("scoping fields lost: %+v", got)
	}

	if _, err := d.GetInviteByCode(ctx, "NOPE"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateInviteDuplicateCode(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	if err := d.CreateInvite(ctx, &store.Invite{Code: "DUP", MaxUses: 1}); err != nil {
		t.Fatalf("failed to create invite: %v", err)
	}
	err := d.CreateInvite(ctx, &store.Invite{Code: "dup", MaxUses: 1})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestInTxIncrementAndDecrement(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	invite := &store.Invite{Code: "TX", MaxUses: 5}
	if err := d.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("failed to create invite: %v", err)
	}

	err := d.InTx(ctx, func(tx store.Tx) error {
		found, err := tx.FindInviteByCode("tx")
		if err != nil {
			return err
		}
		snap, err := tx.IncrementUseCount(found.ID)
		if err != nil {
			return err
		}
		if snap.UseCount != 1 {
			t.Errorf("expected snapshot use count 1, got %d", snap.UseCount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	got, _ := d.GetInviteByCode(ctx, "TX")
	if got.UseCount != 1 {
		t.Errorf("expected use count 1, got %d", got.UseCount)
	}

	err = d.InTx(ctx, func(tx store.Tx) error {
		return tx.DecrementUseCount(invite.ID)
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	got, _ = d.GetInviteByCode(ctx, "TX")
	if got.UseCount != 0 {
		t.Errorf("expected use count 0 after decrement, got %d", got.UseCount)
	}

	// Decrement never goes below zero.
	err = d.InTx(ctx, func(tx store.Tx) error {
		return tx.DecrementUseCount(invite.ID)
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	got, _ = d.GetInviteByCode(ctx, "TX")
	if got.UseCount != 0 {
		t.Errorf("expected use count floored at 0, got %d", got.UseCount)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	invite := &store.Invite{Code: "TX", MaxUses: 5}
	if err := d.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("failed to create invite: %v", err)
	}

	boom := errors.New("abort")
	err := d.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.IncrementUseCount(invite.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected abort error, got %v", err)
	}

	got, _ := d.GetInviteByCode(ctx, "TX")
	if got.UseCount != 0 {
		t.Errorf("expected rollback, use count %d", got.UseCount)
	}
}

func TestUpsertUserKeyedByEmail(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	first := &store.User{PlexID: 42, Email: "friend@example.com", Username: "friend"}
	if err := d.UpsertUser(ctx, first); err != nil {
		t.Fatalf("failed to upsert user: %v", err)
	}

	second := &store.User{PlexID: 42, Email: "friend@example.com", Username: "renamed"}
	if err := d.UpsertUser(ctx, second); err != nil {
		t.Fatalf("failed to upsert user: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected same id for same email, got %q and %q", first.ID, second.ID)
	}
}

func TestMediaServerReplaced(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	if _, err := d.GetMediaServer(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound before configuration, got %v", err)
	}

	if err := d.SetMediaServer(ctx, &store.MediaServer{Name: "a", MachineID: "m1", Token: "t"}); err != nil {
		t.Fatalf("failed to set media server: %v", err)
	}
	if err := d.SetMediaServer(ctx, &store.MediaServer{Name: "b", MachineID: "m2", Token: "t"}); err != nil {
		t.Fatalf("failed to replace media server: %v", err)
	}

	got, err := d.GetMediaServer(ctx)
	if err != nil {
		t.Fatalf("failed to fetch media server: %v", err)
	}
	if got.MachineID != "m2" {
		t.Errorf("expected replacement to win, got %q", got.MachineID)
	}
}

func TestAppendAuditEvent(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	event := &store.AuditEvent{Kind: "rollback", Actor: "system", Payload: `{"stage":"invite_to_server"}`}
	if err := d.AppendAuditEvent(ctx, event); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if event.ID == "" || event.CreatedAt.IsZero() {
		t.Error("expected generated id and timestamp")
	}
}
