//go:build integration

package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"outreach-platform/internal/pgtest"
)

func TestPostgresRepo_MergeRules(t *testing.T) {
	db, orgID := pgtest.Open(t)
	repo := NewPostgresRepo(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	runID := orgID + "_run"
	pgtest.Exec(t, db, `INSERT INTO runs (id, organization_id) VALUES ($1, $2)`, runID, orgID)
	pgtest.Exec(t, db, `INSERT INTO runs (id, organization_id) VALUES ($1, $2)`, runID+"_b", orgID)

	c := Call{
		ID: orgID + "_call", OrganizationID: orgID, ExternalID: orgID + "_ext",
		RunID: runID, Direction: DirectionOutbound, Status: StatusInProgress,
		Analysis: map[string]any{"early": true}, CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.Insert(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Insert(ctx, c); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	dur := 61
	got, err := repo.Merge(ctx, orgID, c.ID, Patch{
		RunID:           runID + "_b",
		Status:          StatusCompleted,
		ToNumber:        "+15551234567",
		Transcript:      "Thanks, see you Tuesday.",
		DurationSeconds: &dur,
		Analysis:        map[string]any{"converted": true},
		Metadata:        map[string]any{"provider_event": "call_analyzed"},
	}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got.RunID != runID || got.Status != StatusCompleted || got.ToNumber != "+15551234567" || got.DurationSeconds != 61 {
		t.Fatalf("unexpected merge: %+v", got)
	}

	got, err = repo.Merge(ctx, orgID, c.ID, Patch{
		Status:     StatusInProgress,
		ToNumber:   "+15550000000",
		Error:      "late error",
	}, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("terminal status overwritten: %s", got.Status)
	}
	if got.ToNumber != "+15551234567" || got.Transcript != "Thanks, see you Tuesday." || got.Error != "" {
		t.Fatalf("set fields overwritten: %+v", got)
	}
	if got.Analysis["early"] != true || got.Analysis["converted"] != true {
		t.Fatalf("analysis not merged: %v", got.Analysis)
	}
	if got.Metadata["provider_event"] != "call_analyzed" {
		t.Fatalf("metadata not merged: %v", got.Metadata)
	}

	if _, err := repo.Merge(ctx, "org_other", c.ID, Patch{}, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestPostgresRepo_FailedErrorRecorded(t *testing.T) {
	db, orgID := pgtest.Open(t)
	repo := NewPostgresRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	c := Call{
		ID: orgID + "_call", OrganizationID: orgID, ExternalID: orgID + "_ext",
		Direction: DirectionOutbound, Status: StatusInProgress, CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.Insert(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := repo.Merge(ctx, orgID, c.ID, Patch{Status: StatusFailed, Error: "dial_busy"}, now)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "dial_busy" {
		t.Fatalf("unexpected call: %+v", got)
	}
}
