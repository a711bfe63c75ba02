package runs

import (
	"context"
	"fmt"
	"time"
)

// Repository is the persistence contract for run metrics.
//
// UpdateRun runs fn as one unit of work with the run locked: no other UpdateRun
// for the same run id interleaves, across processes. fn's writes commit only
// when it returns nil.
type Repository interface {
	UpdateRun(ctx context.Context, orgID, runID string, fn func(ctx context.Context, tx RunTx) error) error
	// Lookup reports whether runID, and rowID within that run, belong to orgID.
	Lookup(ctx context.Context, orgID, runID, rowID string) (runFound, rowFound bool, err error)
}

// RunTx is the view of one locked run.
type RunTx interface {
	Run() Run
	// Contribution returns what the call has already added to the counters.
	// The zero value means the call has not been seen.
	Contribution(ctx context.Context, callID string) (Contribution, error)
	SetContribution(ctx context.Context, callID string, c Contribution) error
	// UpdateRow writes the row's outcome and returns its prior status.
	UpdateRow(ctx context.Context, u RowUpdate) (prior RowStatus, found bool, err error)
	// CountUnsettledRows counts rows still pending or calling.
	CountUnsettledRows(ctx context.Context) (int, error)
	SaveRun(ctx context.Context, r Run) error
}

type RowUpdate struct {
	RowID    string
	CallID   string
	Status   RowStatus
	Error    string
	Analysis map[string]any
	Metadata map[string]any
	At       time.Time
}

// Contribution records what one call has added to its run's counters. Each
// flag is added at most once, so a later delivery carrying analysis the first
// one lacked adds only the missing flags.
type Contribution struct {
	Seen      bool
	Completed bool
	Failed    bool
	Reached   bool
	Voicemail bool
	Converted bool
}

// adds reports whether o would change the counters given what the call has
// already contributed.
func (c Contribution) adds(o CallOutcome) bool {
	if !c.Seen {
		return true
	}
	if o.Status != RowCompleted {
		return false
	}
	switch {
	case c.Failed:
		return true
	case c.Completed:
		return (o.Reached && !c.Reached) || (o.Voicemail && !c.Voicemail) || (o.Converted && !c.Converted)
	}
	return false
}

// CallOutcome is one settled call reported against a run.
type CallOutcome struct {
	OrganizationID string
	RunID          string
	RowID          string
	// CallID is the internal call id; it keys the call's Contribution.
	CallID string

	// Status must be RowCompleted or RowFailed.
	Status    RowStatus
	Reached   bool
	Voicemail bool
	Converted bool

	Error    string
	Analysis map[string]any
	Metadata map[string]any
}

// Update reports what RecordOutcome did.
type Update struct {
	Run Run
	// Applied is false when the delivery added nothing the call had not
	// already contributed.
	Applied bool
	// Completed is true only for the delivery that completed the run.
	Completed bool
}

// Aggregator maintains per-run counters and detects completion.
type Aggregator struct {
	repo Repository
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewAggregator(repo Repository) *Aggregator {
	return &Aggregator{repo: repo, clock: time.Now}
}

// Verify returns runID and rowID when they belong to orgID, blanking any that
// do not. A row is kept only together with its run.
func (a *Aggregator) Verify(ctx context.Context, orgID, runID, rowID string) (string, string, error) {
	if orgID == "" {
		return "", "", ErrInvalidArgument
	}
	if runID == "" {
		return "", "", nil
	}
	runFound, rowFound, err := a.repo.Lookup(ctx, orgID, runID, rowID)
	if err != nil {
		return "", "", fmt.Errorf("runs: verify %s: %w", runID, err)
	}
	if !runFound {
		return "", "", nil
	}
	if !rowFound {
		rowID = ""
	}
	return runID, rowID, nil
}

// RecordOutcome applies one settled call to its run.
// Redelivery adds only what the call has not contributed yet; completion fires
// at most once.
func (a *Aggregator) RecordOutcome(ctx context.Context, o CallOutcome) (Update, error) {
	if o.OrganizationID == "" || o.RunID == "" || o.CallID == "" {
		return Update{}, ErrInvalidArgument
	}
	if !o.Status.Settled() {
		return Update{}, fmt.Errorf("%w: outcome status %q", ErrInvalidArgument, o.Status)
	}
	now := a.clock().UTC()

	var out Update
	err := a.repo.UpdateRun(ctx, o.OrganizationID, o.RunID, func(ctx context.Context, tx RunTx) error {
		// fn may run again after a retried transaction.
		out = Update{}
		prev, err := tx.Contribution(ctx, o.CallID)
		if err != nil {
			return err
		}
		if !prev.adds(o) {
			out = Update{Run: tx.Run()}
			return nil
		}
		out.Applied = true

		var prior RowStatus
		var found bool
		if o.RowID != "" {
			prior, found, err = tx.UpdateRow(ctx, RowUpdate{
				RowID:    o.RowID,
				CallID:   o.CallID,
				Status:   o.Status,
				Error:    o.Error,
				Analysis: o.Analysis,
				Metadata: o.Metadata,
				At:       now,
			})
			if err != nil {
				return err
			}
		}

		run := tx.Run()
		if run.Status == StatusCompleted {
			// Frozen; the row update above still commits.
			out.Applied = !prev.Seen
			if !prev.Seen {
				if err := tx.SetContribution(ctx, o.CallID, Contribution{Seen: true}); err != nil {
					return err
				}
			}
			out.Run = run
			return nil
		}

		next := run.Metadata.Calls.apply(o, prev, prior, found)
		if err := tx.SetContribution(ctx, o.CallID, next); err != nil {
			return err
		}

		if run.Status == StatusPending || run.Status == "" {
			run.Status = StatusInProgress
		}
		if run.Metadata.Run.StartTime == nil {
			start := now
			run.Metadata.Run.StartTime = &start
		}

		unsettled, err := tx.CountUnsettledRows(ctx)
		if err != nil {
			return err
		}
		if unsettled == 0 && run.Status != StatusCompleted {
			end := now
			dur := int64(end.Sub(*run.Metadata.Run.StartTime) / time.Second)
			if dur < 0 {
				dur = 0
			}
			run.Status = StatusCompleted
			run.Metadata.Run.EndTime = &end
			run.Metadata.Run.Duration = &dur
			out.Completed = true
		}
		run.UpdatedAt = now

		if err := tx.SaveRun(ctx, run); err != nil {
			return err
		}
		out.Run = run
		return nil
	})
	if err != nil {
		return Update{}, fmt.Errorf("runs: record outcome for %s: %w", o.RunID, err)
	}
	return out, nil
}

// apply adds one call outcome to the counters and returns the call's new
// Contribution.
//
// A call seen for the first time counts once as completed or failed, unless
// its row had already settled through another call. A later delivery for the
// same call adds only the flags it has not contributed yet.
func (c *Counters) apply(o CallOutcome, prev Contribution, prior RowStatus, found bool) Contribution {
	if prev.Seen {
		next := prev
		if prev.Failed && o.Status == RowCompleted {
			c.Failed = dec(c.Failed)
			c.Completed++
			next.Failed, next.Completed = false, true
		}
		c.addFlags(o, &next)
		return next
	}

	next := Contribution{Seen: true}
	if found && prior.Settled() {
		if !(prior == RowFailed && o.Status == RowCompleted) {
			return next
		}
		c.Failed = dec(c.Failed)
		c.Completed++
		next.Completed = true
		c.addFlags(o, &next)
		return next
	}

	switch o.Status {
	case RowCompleted:
		c.Completed++
		next.Completed = true
		c.addFlags(o, &next)
	case RowFailed:
		c.Failed++
		next.Failed = true
	}

	if found {
		switch prior {
		case RowCalling, RowInProgress:
			c.Calling = dec(c.Calling)
		case RowPending:
			c.Pending = dec(c.Pending)
		}
	}
	return next
}

func (c *Counters) addFlags(o CallOutcome, next *Contribution) {
	if o.Reached && !next.Reached {
		c.Connected++
		next.Reached = true
	}
	if o.Voicemail && !next.Voicemail {
		c.Voicemail++
		next.Voicemail = true
	}
	if o.Converted && !next.Converted {
		c.Converted++
		next.Converted = true
	}
}

func dec(n int) int {
	if n <= 0 {
		return 0
	}
	return n - 1
}
