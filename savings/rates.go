/*
rates.go - Rate recording and lookup

PURPOSE:
  Thin service over the append-only rate history. Recording always inserts
  a new row; a "rate update" never touches prior rows, which is what keeps
  every historical transaction's locked rate intact.

  There is no cache and no staleness window: each payment re-reads the
  latest rate at the moment of allocation, so a racing rate update wins.
  Most-recent-wins is a deliberate choice favoring simplicity over strict
  point-in-time consistency.
*/
package savings

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RateBook records and looks up per-gram rates.
type RateBook struct {
	Store RateStore
}

func NewRateBook(store RateStore) *RateBook {
	return &RateBook{Store: store}
}

// Record appends a new rate row for the kind and returns it.
func (rb *RateBook) Record(ctx context.Context, scope Scope, kind MetalKind, perGram decimal.Decimal) (*Rate, error) {
	if !scope.Valid() {
		return nil, ErrMissingScope
	}
	if !ValidMetalKind(kind) {
		return nil, fmt.Errorf("unknown metal kind %q", kind)
	}
	if !perGram.IsPositive() {
		return nil, &InvalidAmountError{Amount: perGram, Reason: "rate per gram must be positive"}
	}

	rate := Rate{
		ID:            uuid.NewString(),
		RetailerID:    scope.RetailerID,
		Kind:          kind,
		PerGram:       perGram,
		EffectiveFrom: time.Now().UTC(),
		RecordedBy:    scope.ActorID,
	}
	if err := rb.Store.RecordRate(ctx, rate); err != nil {
		return nil, err
	}
	return &rate, nil
}

// Current returns the effective rate for the kind or RateUnavailableError.
func (rb *RateBook) Current(ctx context.Context, retailerID string, kind MetalKind) (*Rate, error) {
	rate, err := rb.Store.CurrentRate(ctx, retailerID, kind)
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return nil, &RateUnavailableError{Kind: kind}
	}
	return rate, nil
}

// History returns all rate rows for the kind, newest first.
func (rb *RateBook) History(ctx context.Context, retailerID string, kind MetalKind) ([]Rate, error) {
	return rb.Store.RateHistory(ctx, retailerID, kind)
}
