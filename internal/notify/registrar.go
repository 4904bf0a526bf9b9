package notify

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"bus-notifier/internal/db"
)

// ErrParentNotFound reports a registration against an unknown parent.
var ErrParentNotFound = errors.New("parent not found")

// TokenStore is the slice of the relational store the registrar needs.
type TokenStore interface {
	ParentExists(ctx context.Context, parentID string) (bool, error)
	ParentToken(ctx context.Context, parentID string) (fcmID, token string, err error)
	ReplaceParentToken(ctx context.Context, fcmID, parentID, token string) error
}

// TokenCascade is notified after a successful registration so the target
// cache can be rebuilt for the parent's routes.
type TokenCascade interface {
	TokenChanged(ctx context.Context, parentID string)
}

// Registrar enforces single-active-device-per-parent: registering a new
// token force-logs-out the previous device and removes its token before the
// new one is stored.
type Registrar struct {
	store   TokenStore
	gw      Gateway
	cascade TokenCascade
}

func NewRegistrar(store TokenStore, gw Gateway, cascade TokenCascade) *Registrar {
	return &Registrar{store: store, gw: gw, cascade: cascade}
}

// RegisterParentToken stores the parent's new device token. Re-registering
// the same token is a no-op.
func (r *Registrar) RegisterParentToken(ctx context.Context, parentID, token string) error {
	ok, err := r.store.ParentExists(ctx, parentID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrParentNotFound
	}

	_, old, err := r.store.ParentToken(ctx, parentID)
	switch {
	case err == nil:
		if old == token {
			return nil
		}
		// The old device gets an explicit logout push; its delivery is
		// best-effort and never blocks the replacement.
		if err := r.gw.SendForceLogout(ctx, old); err != nil {
			log.Printf("registrar: force logout push for parent %s failed: %v", parentID, err)
		}
	case errors.Is(err, db.ErrNotFound):
		// first registration
	default:
		return err
	}

	if err := r.store.ReplaceParentToken(ctx, uuid.NewString(), parentID, token); err != nil {
		return err
	}
	if r.cascade != nil {
		r.cascade.TokenChanged(ctx, parentID)
	}
	return nil
}
