package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach-platform/pkg/logger"

	"github.com/google/uuid"
)

// Reconciler upserts calls keyed by the provider's call id.
//
// Idempotency invariant:
// - Repeated or out-of-order deliveries for one external id converge on one row.
// - It never publishes notifications; replays stay side-effect free.
type Reconciler struct {
	repo Repository
	// clock and newID are injectable for deterministic tests.
	clock func() time.Time
	newID func() string
}

func NewReconciler(repo Repository) *Reconciler {
	return &Reconciler{repo: repo, clock: time.Now, newID: uuid.NewString}
}

// Result describes how a delivery landed.
type Result struct {
	Call Call
	// Created is true when this delivery inserted the row.
	Created bool
	// LinkageDropped is true when the insert only succeeded without
	// patient/run/row linkage.
	LinkageDropped bool
}

// Reconcile merges p into the call identified by externalID, creating it on
// first sighting.
func (r *Reconciler) Reconcile(ctx context.Context, orgID, externalID string, p Patch) (Result, error) {
	if orgID == "" || externalID == "" {
		return Result{}, ErrInvalidArgument
	}
	now := r.clock().UTC()

	existing, err := r.repo.FindByExternalID(ctx, orgID, externalID)
	switch {
	case err == nil:
		c, err := r.repo.Merge(ctx, orgID, existing.ID, p, now)
		if err != nil {
			return Result{}, fmt.Errorf("calls: merge %s: %w", externalID, err)
		}
		return Result{Call: c}, nil
	case !errors.Is(err, ErrNotFound):
		return Result{}, fmt.Errorf("calls: lookup %s: %w", externalID, err)
	}

	call := newCall(r.newID(), orgID, externalID, p, now)
	res := Result{Created: true}

	err = r.repo.Insert(ctx, call)
	if err != nil && !errors.Is(err, ErrDuplicate) {
		logger.From(ctx).Warn("call insert failed, retrying without linkage",
			"org_id", orgID,
			"call_id", externalID,
			"error", err.Error(),
		)
		reduced := newCall(call.ID, orgID, externalID, p.WithoutLinkage(), now)
		retryErr := r.repo.Insert(ctx, reduced)
		if retryErr != nil && !errors.Is(retryErr, ErrDuplicate) {
			return Result{}, fmt.Errorf("calls: insert %s: %w", externalID, errors.Join(err, retryErr))
		}
		err = retryErr
		res.LinkageDropped = true
	}
	if errors.Is(err, ErrDuplicate) {
		// A concurrent delivery created the row first.
		return r.mergeExisting(ctx, orgID, externalID, p, now)
	}

	got, err := r.repo.FindByExternalID(ctx, orgID, externalID)
	if errors.Is(err, ErrNotFound) {
		return Result{}, fmt.Errorf("%w: call %s missing after insert", ErrInvariant, externalID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("calls: reread %s: %w", externalID, err)
	}
	res.Call = got
	return res, nil
}

func (r *Reconciler) mergeExisting(ctx context.Context, orgID, externalID string, p Patch, now time.Time) (Result, error) {
	existing, err := r.repo.FindByExternalID(ctx, orgID, externalID)
	if errors.Is(err, ErrNotFound) {
		// The id belongs to another organization.
		return Result{}, fmt.Errorf("%w: call %s exists outside organization", ErrInvariant, externalID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("calls: lookup %s: %w", externalID, err)
	}
	c, err := r.repo.Merge(ctx, orgID, existing.ID, p, now)
	if err != nil {
		return Result{}, fmt.Errorf("calls: merge %s: %w", externalID, err)
	}
	return Result{Call: c}, nil
}

// Outcome is the post-call result merged in the second stage.
type Outcome struct {
	Status          Status
	RecordingURL    string
	Transcript      string
	Analysis        map[string]any
	DurationSeconds *int
	StartTime       *time.Time
	EndTime         *time.Time
	// Error is recorded only when Status is failed.
	Error string
}

// RecordOutcome merges the provider's final call state into c.
func (r *Reconciler) RecordOutcome(ctx context.Context, c Call, o Outcome) (Call, error) {
	if c.ID == "" || c.OrganizationID == "" {
		return Call{}, ErrInvalidArgument
	}
	p := Patch{
		Status:          o.Status,
		RecordingURL:    o.RecordingURL,
		Transcript:      o.Transcript,
		Analysis:        o.Analysis,
		DurationSeconds: o.DurationSeconds,
		StartTime:       o.StartTime,
		EndTime:         o.EndTime,
	}
	if o.Status == StatusFailed {
		p.Error = o.Error
	}
	out, err := r.repo.Merge(ctx, c.OrganizationID, c.ID, p, r.clock().UTC())
	if err != nil {
		return Call{}, fmt.Errorf("calls: record outcome %s: %w", c.ExternalID, err)
	}
	return out, nil
}
