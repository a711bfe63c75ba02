package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestReconciler(repo Repository) *Reconciler {
	r := NewReconciler(repo)
	r.clock = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return r
}

func TestReconcile_RepeatedDeliveryIsIdempotent(t *testing.T) {
	repo := NewMemoryRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	first, err := r.Reconcile(ctx, "org_1", "ext_1", Patch{FromNumber: "5551234567", Status: StatusInProgress})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first delivery to create")
	}
	for i := 0; i < 3; i++ {
		res, err := r.Reconcile(ctx, "org_1", "ext_1", Patch{Status: StatusCompleted})
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if res.Call.ID != first.Call.ID || res.Created {
			t.Fatalf("expected same internal id, got %s", res.Call.ID)
		}
	}
	if repo.Len() != 1 {
		t.Fatalf("expected 1 call, got %d", repo.Len())
	}
}

func TestReconcile_OrderIndependent(t *testing.T) {
	ctx := context.Background()
	created := Patch{Direction: DirectionOutbound, FromNumber: "111", ToNumber: "222", RunID: "run"}
	completed := Patch{Status: StatusCompleted, Transcript: "hi", Metadata: map[string]any{"k": "v"}}

	a := newTestReconciler(NewMemoryRepo())
	a.newID = func() string { return "fixed" }
	if _, err := a.Reconcile(ctx, "org", "ext", created); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ra, err := a.Reconcile(ctx, "org", "ext", completed)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	b := newTestReconciler(NewMemoryRepo())
	b.newID = func() string { return "fixed" }
	if _, err := b.Reconcile(ctx, "org", "ext", completed); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rb, err := b.Reconcile(ctx, "org", "ext", created)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	ca, cb := ra.Call, rb.Call
	if ca.Status != cb.Status || ca.FromNumber != cb.FromNumber || ca.RunID != cb.RunID ||
		ca.Transcript != cb.Transcript || ca.Metadata["k"] != cb.Metadata["k"] {
		t.Fatalf("final state differs:\n%+v\n%+v", ca, cb)
	}
	if cb.Status != StatusCompleted {
		t.Fatalf("late in-progress event downgraded status")
	}
}

func TestReconcile_ReducedFieldFallback(t *testing.T) {
	repo := NewMemoryRepo()
	var attempts []Call
	repo.FailInsert = func(c Call) error {
		attempts = append(attempts, c)
		if c.PatientID != "" {
			return errors.New("foreign key violation")
		}
		return nil
	}
	r := newTestReconciler(repo)

	res, err := r.Reconcile(context.Background(), "org", "ext", Patch{PatientID: "ghost", RunID: "run", CampaignID: "camp"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !res.LinkageDropped || res.Call.PatientID != "" || res.Call.RunID != "" {
		t.Fatalf("expected linkage dropped, got %+v", res)
	}
	if res.Call.CampaignID != "camp" {
		t.Fatalf("campaign linkage should survive the fallback")
	}
	if len(attempts) != 2 || attempts[0].ID != attempts[1].ID {
		t.Fatalf("expected two attempts with the same id, got %d", len(attempts))
	}
}

func TestReconcile_SecondInsertFailureIsFatal(t *testing.T) {
	repo := NewMemoryRepo()
	repo.FailInsert = func(Call) error { return errors.New("db down") }
	r := newTestReconciler(repo)

	if _, err := r.Reconcile(context.Background(), "org", "ext", Patch{}); err == nil {
		t.Fatalf("expected fatal error")
	}
}

type vanishingRepo struct{ *MemoryRepo }

func (v vanishingRepo) Insert(ctx context.Context, c Call) error { return nil }

func TestReconcile_MissingAfterInsertIsInvariantViolation(t *testing.T) {
	r := newTestReconciler(vanishingRepo{NewMemoryRepo()})
	_, err := r.Reconcile(context.Background(), "org", "ext", Patch{})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
}

func TestReconcile_ConcurrentFirstSightingsConverge(t *testing.T) {
	repo := NewMemoryRepo()
	r := NewReconciler(repo)

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Reconcile(context.Background(), "org", "ext", Patch{Status: StatusInProgress})
			if err != nil {
				t.Errorf("unexpected err: %v", err)
				return
			}
			ids <- res.Call.ID
		}()
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("expected one internal id, got %s and %s", first, id)
		}
	}
	if repo.Len() != 1 {
		t.Fatalf("expected 1 call, got %d", repo.Len())
	}
}

func TestReconcile_TenantIsolation(t *testing.T) {
	repo := NewMemoryRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, "org_a", "ext", Patch{}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := r.Reconcile(ctx, "org_b", "ext", Patch{}); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected cross-tenant write rejected, got %v", err)
	}
}

func TestRecordOutcome_MergesPostCallFields(t *testing.T) {
	repo := NewMemoryRepo()
	r := newTestReconciler(repo)
	ctx := context.Background()

	res, err := r.Reconcile(ctx, "org", "ext", Patch{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	d := 61
	out, err := r.RecordOutcome(ctx, res.Call, Outcome{
		Status:          StatusFailed,
		RecordingURL:    "https://rec",
		Analysis:        map[string]any{"reached": false},
		DurationSeconds: &d,
		Error:           "dial_busy",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Status != StatusFailed || out.Error != "dial_busy" || out.DurationSeconds != 61 || out.RecordingURL != "https://rec" {
		t.Fatalf("unexpected call: %+v", out)
	}
}

func TestReconcile_RequiresIDs(t *testing.T) {
	r := newTestReconciler(NewMemoryRepo())
	if _, err := r.Reconcile(context.Background(), "", "ext", Patch{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
