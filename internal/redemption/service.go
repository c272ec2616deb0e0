// Package redemption implements the invite redemption saga: atomic
// validation and consumption of an invite under serializable isolation,
// the remote grant and confirm calls, and a compensating rollback when
// any step after consumption fails.
package redemption

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plexward/plexward-go/internal/audit"
	"github.com/plexward/plexward-go/internal/plex"
	"github.com/plexward/plexward-go/internal/store"
)

// Validation errors. The messages are user-facing and returned verbatim
// in the redemption result.
var (
	ErrInvalidCode   = errors.New("Invalid invite code")
	ErrExpired       = errors.New("Invite has expired")
	ErrMaxUses       = errors.New("Invite has reached maximum uses")
	ErrNoMediaServer = errors.New("No media server is configured")
)

// msgConflict is returned after the conflict-retry bound is exhausted.
const msgConflict = "Could not redeem invite due to concurrent activity, please try again"

// Reason classifies a redemption failure for transport-level mapping.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonInvalidCode
	ReasonExpired
	ReasonMaxUses
	ReasonConflict
	ReasonRemote
	ReasonInternal
)

// Result is the outcome of a redemption attempt. On failure Message
// holds one human-readable sentence; operational detail stays in logs
// and audit events.
type Result struct {
	Success bool
	Message string
	Reason  Reason
}

// GrantClient is the remote service contract the saga depends on.
type GrantClient interface {
	// ResolveIdentity fetches the account behind a credential token.
	ResolveIdentity(ctx context.Context, credential string) (*plex.Identity, error)

	// Grant shares the media server with the account. The returned
	// handle may be empty when the remote system did not return a
	// confirmable reference.
	Grant(ctx context.Context, server *store.MediaServer, email string, opts plex.GrantOptions) (string, error)

	// Confirm accepts a pending grant on the account's behalf.
	Confirm(ctx context.Context, credential, handle string) error
}

// Config holds the saga's tunables.
type Config struct {
	// MaxRetries bounds conflict retries of the consume transaction.
	MaxRetries int

	// InitialRetryDelay seeds the exponential backoff between retries.
	InitialRetryDelay time.Duration
}

// Service orchestrates invite redemption.
type Service struct {
	store  store.InviteStore
	client GrantClient
	sink   audit.Sink
	logger *slog.Logger

	maxRetries   int
	initialDelay time.Duration
	now          func() time.Time
}

// NewService creates a redemption service.
func NewService(st store.InviteStore, client GrantClient, sink audit.Sink, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = DefaultInitialRetryDelay
	}

	return &Service{
		store:        st,
		client:       client,
		sink:         sink,
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		initialDelay: cfg.InitialRetryDelay,
		now:          time.Now,
	}
}

// Redeem runs the full redemption saga for an invite code and a
// caller-supplied credential token. All failures are converted into a
// structured Result; no error escapes to the caller.
//
// Ordering is deliberate: the identity and media server lookups run
// before the invite use is spent, and every step after the consume
// commit has a compensating decrement.
func (s *Service) Redeem(ctx context.Context, code, credential string) Result {
	code = store.NormalizeCode(code)

	identity, err := s.client.ResolveIdentity(ctx, credential)
	if err != nil {
		s.logger.Warn("identity resolution failed", "error", err)
		return Result{Message: err.Error(), Reason: ReasonRemote}
	}

	server, err := s.store.GetMediaServer(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Message: ErrNoMediaServer.Error(), Reason: ReasonInternal}
		}
		s.logger.Error("media server lookup failed", "error", err)
		return Result{Message: "Failed to load media server configuration", Reason: ReasonInternal}
	}

	invite, err := s.consume(ctx, code)
	if err != nil {
		return s.consumeFailure(code, err)
	}

	s.sink.Emit(ctx, audit.Event{
		Kind: audit.KindConsumed,
		Payload: audit.Payload{
			InviteID:   invite.ID,
			InviteCode: invite.Code,
			Email:      identity.Email,
		},
	})

	opts := plex.GrantOptions{
		LibrarySectionIDs: invite.LibrarySections(),
		AllowSync:         invite.AllowSync,
	}
	handle, err := s.client.Grant(ctx, server, identity.Email, opts)
	if err != nil {
		s.compensate(ctx, invite, identity.Email, audit.StageInviteToServer, err)
		return Result{Message: err.Error(), Reason: ReasonRemote}
	}

	if handle == "" {
		// The remote system accepted the grant without returning a
		// confirmable reference. Confirmation may happen manually or
		// asynchronously on the remote side.
		s.logger.Warn("no grant handle returned, skipping confirmation",
			"invite_id", invite.ID, "email", identity.Email)
	} else if err := s.client.Confirm(ctx, credential, handle); err != nil {
		s.compensate(ctx, invite, identity.Email, audit.StageAcceptInvite, err)
		return Result{Message: err.Error(), Reason: ReasonRemote}
	}

	if err := s.recordUsage(ctx, invite, identity); err != nil {
		s.compensate(ctx, invite, identity.Email, audit.StageRecordUsage, err)
		return Result{Message: "Failed to record redemption", Reason: ReasonInternal}
	}

	s.logger.Info("invite redeemed",
		"invite_id", invite.ID, "code", invite.Code, "email", identity.Email,
		"use_count", invite.UseCount, "max_uses", invite.MaxUses)
	return Result{Success: true}
}

// consume validates and consumes one use of the invite inside a
// serializable transaction, retrying on write conflicts. On success it
// returns the invite snapshot as of the increment.
func (s *Service) consume(ctx context.Context, code string) (*store.Invite, error) {
	var snapshot *store.Invite

	onConflict := func(attempt int) {
		s.sink.Emit(ctx, audit.Event{
			Kind: audit.KindTransactionConflict,
			Payload: audit.Payload{
				InviteCode: code,
				Attempt:    attempt,
			},
		})
	}

	err := runSerializable(ctx, s.maxRetries, s.initialDelay, onConflict, func() error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			invite, err := tx.FindInviteByCode(code)
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidCode
			}
			if err != nil {
				return err
			}
			if invite.Expired(s.now()) {
				return ErrExpired
			}
			if invite.Exhausted() {
				return ErrMaxUses
			}

			snapshot, err = tx.IncrementUseCount(invite.ID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// consumeFailure maps a consume error to a user-facing result.
func (s *Service) consumeFailure(code string, err error) Result {
	switch {
	case errors.Is(err, ErrInvalidCode):
		return Result{Message: ErrInvalidCode.Error(), Reason: ReasonInvalidCode}
	case errors.Is(err, ErrExpired):
		return Result{Message: ErrExpired.Error(), Reason: ReasonExpired}
	case errors.Is(err, ErrMaxUses):
		return Result{Message: ErrMaxUses.Error(), Reason: ReasonMaxUses}
	case errors.Is(err, store.ErrWriteConflict):
		s.logger.Warn("conflict retries exhausted", "code", code, "error", err)
		return Result{Message: msgConflict, Reason: ReasonConflict}
	default:
		s.logger.Error("invite consumption failed", "code", code, "error", err)
		return Result{Message: "Failed to redeem invite", Reason: ReasonInternal}
	}
}

// compensate undoes the consume increment after a post-consumption
// failure. The decrement is attempted exactly once; a failed rollback
// is terminal and audited as rollback-failed since the invite is then
// over-consumed relative to its limit and needs operator attention.
func (s *Service) compensate(ctx context.Context, invite *store.Invite, email, stage string, cause error) {
	s.sink.Emit(ctx, audit.Event{
		Kind: audit.KindPlexFailure,
		Payload: audit.Payload{
			InviteID:   invite.ID,
			InviteCode: invite.Code,
			Email:      email,
			Stage:      stage,
			Error:      cause.Error(),
		},
	})

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.DecrementUseCount(invite.ID)
	})
	if err != nil {
		s.logger.Error("rollback failed, invite use count is inconsistent",
			"invite_id", invite.ID, "stage", stage, "cause", cause, "error", err)
		s.sink.Emit(ctx, audit.Event{
			Kind: audit.KindRollbackFailed,
			Payload: audit.Payload{
				InviteID:      invite.ID,
				InviteCode:    invite.Code,
				Email:         email,
				Stage:         stage,
				Error:         cause.Error(),
				RollbackError: err.Error(),
			},
		})
		return
	}

	s.logger.Warn("rolled back invite consumption",
		"invite_id", invite.ID, "stage", stage, "cause", cause)
	s.sink.Emit(ctx, audit.Event{
		Kind: audit.KindRollback,
		Payload: audit.Payload{
			InviteID:   invite.ID,
			InviteCode: invite.Code,
			Email:      email,
			Stage:      stage,
			Error:      cause.Error(),
		},
	})
}

// recordUsage mirrors the remote account into the local user table and
// appends the usage row tying it to the invite.
func (s *Service) recordUsage(ctx context.Context, invite *store.Invite, identity *plex.Identity) error {
	user := &store.User{
		PlexID:   identity.ID,
		Email:    identity.Email,
		Username: identity.Username,
		Thumb:    identity.Thumb,
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return err
	}

	return s.store.CreateInviteUsage(ctx, &store.InviteUsage{
		ID:       uuid.New().String(),
		InviteID: invite.ID,
		UserID:   user.ID,
		UsedAt:   s.now(),
	})
}
