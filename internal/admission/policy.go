package admission

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Policy checks the two independent admission dimensions for an operation:
// identity-based and source-address-based. The stricter (denying) result
// governs the outcome.
type Policy struct {
	connIdentity *Limiter
	connSource   *Limiter
	msgIdentity  *Limiter
	msgSource    *Limiter
}

func NewPolicy(connIdentity, connSource, msgIdentity, msgSource *Limiter) *Policy {
	return &Policy{
		connIdentity: connIdentity,
		connSource:   connSource,
		msgIdentity:  msgIdentity,
		msgSource:    msgSource,
	}
}

// CheckConnect gates a connection attempt on (identity, source address).
func (p *Policy) CheckConnect(ctx context.Context, identity uuid.UUID, sourceAddr string) Decision {
	return stricter(ctx,
		p.connIdentity, "conn:id:"+identity.String(),
		p.connSource, "conn:ip:"+sourceAddr,
	)
}

// CheckMessage gates one inbound frame on (identity, source address).
func (p *Policy) CheckMessage(ctx context.Context, identity uuid.UUID, sourceAddr string) Decision {
	return stricter(ctx,
		p.msgIdentity, "msg:id:"+identity.String(),
		p.msgSource, "msg:ip:"+sourceAddr,
	)
}

// stricter runs both dimension lookups concurrently (they may round-trip
// to a shared store) and merges them, deny winning over allow.
func stricter(ctx context.Context, la *Limiter, keyA string, lb *Limiter, keyB string) Decision {
	var da, db Decision

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		da = la.Check(gCtx, keyA)
		return nil
	})
	g.Go(func() error {
		db = lb.Check(gCtx, keyB)
		return nil
	})
	// Checks fail open internally; nothing to propagate.
	_ = g.Wait()

	merged := Decision{
		Allowed:   da.Allowed && db.Allowed,
		Remaining: min(da.Remaining, db.Remaining),
	}
	if da.ResetAt.After(db.ResetAt) {
		merged.ResetAt = da.ResetAt
	} else {
		merged.ResetAt = db.ResetAt
	}
	if da.RetryAfter > db.RetryAfter {
		merged.RetryAfter = da.RetryAfter
	} else {
		merged.RetryAfter = db.RetryAfter
	}
	return merged
}
