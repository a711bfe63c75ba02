package callevents

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"outreach-platform/internal/analysis"
	"outreach-platform/internal/audit"
	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/notify"
	"outreach-platform/internal/organizations"
	"outreach-platform/internal/patients"
	"outreach-platform/internal/runs"
	"outreach-platform/internal/telephony"
)

type fixture struct {
	patients  *patients.MemoryRepo
	calls     *calls.MemoryRepo
	campaigns *campaigns.MemoryRepo
	runs      *runs.MemoryRepo
	audit     *audit.MemoryRepo
	pub       *notify.MemoryPublisher
	proc      *Processor
}

func newFixture() *fixture {
	f := &fixture{
		patients:  patients.NewMemoryRepo(),
		calls:     calls.NewMemoryRepo(),
		campaigns: campaigns.NewMemoryRepo(),
		runs:      runs.NewMemoryRepo(),
		audit:     audit.NewMemoryRepo(),
		pub:       notify.NewMemoryPublisher(),
	}
	auditSvc := audit.NewService(f.audit)
	f.proc = New(Deps{
		Organizations: organizations.NewMemoryRepo(organizations.Organization{ID: "org_1", Name: "Sunrise Clinic"}),
		Patients:      patients.NewResolver(f.patients, auditSvc),
		Calls:         calls.NewReconciler(f.calls),
		Campaigns:     campaigns.NewLoader(f.campaigns),
		Runs:          runs.NewAggregator(f.runs),
		Fanout:        notify.NewFanOut(f.pub, "outreach", time.Second),
		Auditor:       auditSvc,
	})
	f.proc.newID = func() string { return "gen" }
	return f
}

// seedRun creates run_1 with total rows; the first done rows are completed
// and the rest are calling.
func (f *fixture) seedRun(total, done int) {
	start := time.Now().Add(-time.Minute)
	f.runs.PutRun(runs.Run{
		ID:             "run_1",
		OrganizationID: "org_1",
		Status:         runs.StatusInProgress,
		Metadata: runs.Metadata{
			Calls: runs.Counters{Total: total, Completed: done, Calling: total - done},
			Run:   runs.Timing{StartTime: &start},
		},
	})
	for i := 0; i < total; i++ {
		s := runs.RowCalling
		if i < done {
			s = runs.RowCompleted
		}
		f.runs.PutRow(runs.Row{ID: fmt.Sprintf("row_%d", i), OrganizationID: "org_1", RunID: "run_1", Status: s})
	}
}

func (f *fixture) events(name string) int {
	n := 0
	for _, m := range f.pub.Messages() {
		if m.Event == name {
			n++
		}
	}
	return n
}

func postCall(callID, rowID string) map[string]any {
	return map[string]any{
		"event": "call_analyzed",
		"call": map[string]any{
			"call_id":     callID,
			"direction":   "outbound",
			"to_number":   "+15551234567",
			"call_status": "completed",
			"duration_ms": float64(61500),
			"metadata":    map[string]any{"run_id": "run_1", "row_id": rowID},
			"call_analysis": map[string]any{
				"transcript":   "Thanks, see you Tuesday.",
				"call_summary": "Patient confirmed the Tuesday appointment.",
				"custom_analysis_data": map[string]any{
					"patient_reached":       true,
					"appointment_confirmed": "true",
				},
			},
		},
	}
}

func TestHandleInbound_UnknownCallerGetsPlaceholder(t *testing.T) {
	f := newFixture()

	res := f.proc.HandleInbound(context.Background(), "org_1", map[string]any{
		"from_number": "5551234567",
		"call_id":     "ext_1",
	})
	if res.Status != telephony.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}
	if res.Variables["patient_exists"] != false {
		t.Fatalf("placeholder must not count as an existing patient: %v", res.Variables)
	}
	if res.Variables["organization_name"] != "Sunrise Clinic" {
		t.Fatalf("expected real org name, got %v", res.Variables["organization_name"])
	}
	if res.Variables["patient_name"] != "Unknown Caller" || res.Variables["patient_id"] == "" {
		t.Fatalf("unexpected patient variables: %v", res.Variables)
	}
	if f.patients.Len() != 1 {
		t.Fatalf("expected one placeholder patient, got %d", f.patients.Len())
	}
	if len(f.audit.OfType(audit.EventTypePlaceholderPatient)) != 1 {
		t.Fatalf("expected placeholder audit event")
	}

	c, err := f.calls.FindByExternalID(context.Background(), "org_1", "ext_1")
	if err != nil {
		t.Fatalf("call not stored: %v", err)
	}
	if c.Direction != calls.DirectionInbound || c.Status != calls.StatusInProgress || c.AgentID != telephony.UnknownValue {
		t.Fatalf("unexpected call: %+v", c)
	}
	if c.PatientID != res.Variables["patient_id"] {
		t.Fatalf("call not linked to patient")
	}
	if f.events(notify.EventCallInbound) != 1 {
		t.Fatalf("expected call.inbound fan-out")
	}
}

func TestHandleInbound_KnownCallerExists(t *testing.T) {
	f := newFixture()
	_ = f.patients.Create(context.Background(), patients.Patient{
		ID: "pat_1", OrganizationID: "org_1", FirstName: "Ada", LastName: "Lovelace", PhoneDigits: "5551234567",
	})

	res := f.proc.HandleInbound(context.Background(), "org_1", map[string]any{"from_number": "(555) 123-4567"})
	if res.Variables["patient_exists"] != true || res.Variables["patient_id"] != "pat_1" {
		t.Fatalf("unexpected variables: %v", res.Variables)
	}
	if res.CallID != "inbound_gen" {
		t.Fatalf("expected generated call id, got %q", res.CallID)
	}
}

func TestHandleInbound_MissingCallerIsErrorWithContext(t *testing.T) {
	f := newFixture()

	res := f.proc.HandleInbound(context.Background(), "org_1", map[string]any{"call_id": "ext_1"})
	if res.Status != telephony.StatusError {
		t.Fatalf("expected error, got %s", res.Status)
	}
	if res.Variables["organization_name"] != "Sunrise Clinic" || res.Variables["patient_exists"] != false {
		t.Fatalf("expected safe fallback context, got %v", res.Variables)
	}
	if f.calls.Len() != 0 {
		t.Fatalf("no call should be stored")
	}
}

func TestHandleInbound_DegradesOnCollaboratorFailure(t *testing.T) {
	f := newFixture()
	f.patients.FailCreate = errors.New("db down")

	res := f.proc.HandleInbound(context.Background(), "org_unknown", map[string]any{"from_number": "5551234567"})
	if res.Status != telephony.StatusPartialSuccess {
		t.Fatalf("expected partial_success, got %s", res.Status)
	}
	if res.Variables["organization_name"] != "our office" || res.Variables["patient_exists"] != false {
		t.Fatalf("unexpected variables: %v", res.Variables)
	}
	if f.calls.Len() != 1 {
		t.Fatalf("call should still be recorded")
	}
}

func TestHandlePostCall_UpdatesRunCounters(t *testing.T) {
	f := newFixture()
	f.seedRun(10, 3)

	res := f.proc.HandlePostCall(context.Background(), "org_1", "", postCall("ext_3", "row_3"))
	if res.Status != telephony.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}

	run, _ := f.runs.GetRun("run_1")
	got := run.Metadata.Calls
	if got.Completed != 4 || got.Connected != 1 || got.Converted != 1 || got.Calling != 6 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if run.Status != runs.StatusInProgress {
		t.Fatalf("run should stay in progress, got %s", run.Status)
	}

	ins, ok := res.Insights.(analysis.Insights)
	if !ok || !ins.PatientReached || ins.FollowUpNeeded {
		t.Fatalf("unexpected insights: %#v", res.Insights)
	}

	c, _ := f.calls.FindByExternalID(context.Background(), "org_1", "ext_3")
	if c.Status != calls.StatusCompleted || c.DurationSeconds != 61 || c.RunID != "run_1" {
		t.Fatalf("unexpected call: %+v", c)
	}
	if c.Analysis["converted"] != true {
		t.Fatalf("normalized analysis not stored: %v", c.Analysis)
	}
	if f.events(notify.EventRunUpdated) == 0 || f.events(notify.EventRunCompleted) != 0 {
		t.Fatalf("unexpected run events: %+v", f.pub.Messages())
	}
}

func TestHandlePostCall_LastRowCompletesRun(t *testing.T) {
	f := newFixture()
	f.seedRun(10, 9)

	f.proc.HandlePostCall(context.Background(), "org_1", "", postCall("ext_9", "row_9"))

	run, _ := f.runs.GetRun("run_1")
	if run.Status != runs.StatusCompleted || run.Metadata.Calls.Completed != 10 {
		t.Fatalf("expected completed run, got %s %+v", run.Status, run.Metadata.Calls)
	}
	// org and run channels.
	if n := f.events(notify.EventRunCompleted); n != 2 {
		t.Fatalf("expected run.completed on 2 channels, got %d", n)
	}
}

func TestHandlePostCall_RedeliveryCountsOnce(t *testing.T) {
	f := newFixture()
	f.seedRun(10, 3)

	for i := 0; i < 5; i++ {
		if res := f.proc.HandlePostCall(context.Background(), "org_1", "", postCall("ext_3", "row_3")); res.Status != telephony.StatusSuccess {
			t.Fatalf("delivery %d: %s (%s)", i, res.Status, res.Error)
		}
	}
	if f.calls.Len() != 1 {
		t.Fatalf("expected one call, got %d", f.calls.Len())
	}
	run, _ := f.runs.GetRun("run_1")
	if run.Metadata.Calls.Completed != 4 {
		t.Fatalf("expected completed +1, got %d", run.Metadata.Calls.Completed)
	}
}

func TestHandlePostCall_BeforeInboundKeepsTerminalStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.proc.HandlePostCall(ctx, "org_1", "", map[string]any{
		"call_id": "ext_1", "direction": "inbound", "from_number": "5551234567", "call_status": "ended",
	})
	f.proc.HandleInbound(ctx, "org_1", map[string]any{"from_number": "5551234567", "call_id": "ext_1"})

	c, err := f.calls.FindByExternalID(ctx, "org_1", "ext_1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Status != calls.StatusCompleted {
		t.Fatalf("late inbound delivery downgraded status to %s", c.Status)
	}
	if c.PatientID == "" {
		t.Fatalf("expected patient attached by the inbound delivery")
	}
}

func TestHandlePostCall_RejectsMissingCallID(t *testing.T) {
	f := newFixture()

	res := f.proc.HandlePostCall(context.Background(), "org_1", "", map[string]any{"call": map[string]any{}})
	if res.Status != telephony.StatusError || res.Error == "" {
		t.Fatalf("expected error response, got %+v", res)
	}
}

func TestHandlePostCall_CampaignFailureDegradesToSuccess(t *testing.T) {
	f := newFixture()
	f.campaigns.Err = errors.New("db down")

	res := f.proc.HandlePostCall(context.Background(), "org_1", "camp_1", map[string]any{"call_id": "ext_1", "call_status": "ended"})
	if res.Status != telephony.StatusSuccess {
		t.Fatalf("expected success, got %s", res.Status)
	}
	c, _ := f.calls.FindByExternalID(context.Background(), "org_1", "ext_1")
	if c.CampaignID != "" {
		t.Fatalf("unloaded campaign must not be linked, got %q", c.CampaignID)
	}
}

func TestHandlePostCall_CampaignAliases(t *testing.T) {
	f := newFixture()
	f.seedRun(2, 0)
	f.campaigns.PutCampaign(campaigns.Campaign{
		ID: "camp_1", OrganizationID: "org_1",
		AnalysisFields: map[string][]string{"converted": {"refill_ordered"}},
	})

	f.proc.HandlePostCall(context.Background(), "org_1", "camp_1", map[string]any{
		"call_id":     "ext_1",
		"call_status": "completed",
		"metadata":    map[string]any{"run_id": "run_1", "row_id": "row_0"},
		"call_analysis": map[string]any{
			"custom_analysis_data": map[string]any{"refill_ordered": "yes"},
		},
	})

	run, _ := f.runs.GetRun("run_1")
	if run.Metadata.Calls.Converted != 1 {
		t.Fatalf("campaign alias not applied: %+v", run.Metadata.Calls)
	}
	c, _ := f.calls.FindByExternalID(context.Background(), "org_1", "ext_1")
	if c.CampaignID != "camp_1" {
		t.Fatalf("campaign not linked")
	}
}

func TestHandlePostCall_UnknownRunDegrades(t *testing.T) {
	f := newFixture()

	res := f.proc.HandlePostCall(context.Background(), "org_1", "", postCall("ext_1", "row_1"))
	if res.Status != telephony.StatusSuccess || res.CallID != "ext_1" {
		t.Fatalf("unexpected response: %+v", res)
	}
	c, _ := f.calls.FindByExternalID(context.Background(), "org_1", "ext_1")
	if c.RunID != "" || c.RowID != "" {
		t.Fatalf("unknown run must not be linked: %+v", c)
	}
}

func TestHandlePostCall_ForeignLinkageDropped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.patients.Create(ctx, patients.Patient{ID: "pt_other", OrganizationID: "org_2", PhoneDigits: "5551234567"})
	f.runs.PutRun(runs.Run{
		ID: "run_foreign", OrganizationID: "org_2", Status: runs.StatusInProgress,
		Metadata: runs.Metadata{Calls: runs.Counters{Total: 1, Calling: 1}},
	})
	f.runs.PutRow(runs.Row{ID: "row_foreign", OrganizationID: "org_2", RunID: "run_foreign", Status: runs.RowCalling})

	raw := postCall("ext_1", "row_foreign")
	raw["call"].(map[string]any)["metadata"] = map[string]any{
		"patient_id": "pt_other",
		"run_id":     "run_foreign",
		"row_id":     "row_foreign",
	}
	res := f.proc.HandlePostCall(ctx, "org_1", "", raw)
	if res.Status != telephony.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}
	if res.PatientID != "" {
		t.Fatalf("foreign patient returned: %q", res.PatientID)
	}

	c, err := f.calls.FindByExternalID(ctx, "org_1", "ext_1")
	if err != nil {
		t.Fatalf("call not stored: %v", err)
	}
	if c.PatientID != "" || c.RunID != "" || c.RowID != "" {
		t.Fatalf("foreign ids linked: %+v", c)
	}
	run, _ := f.runs.GetRun("run_foreign")
	if run.Metadata.Calls.Completed != 0 || run.Metadata.Calls.Calling != 1 {
		t.Fatalf("foreign run counters changed: %+v", run.Metadata.Calls)
	}
	row, _ := f.runs.GetRow("row_foreign")
	if row.Status != runs.RowCalling {
		t.Fatalf("foreign row changed: %+v", row)
	}
	if f.events(notify.EventRunUpdated) != 0 {
		t.Fatalf("no run event expected")
	}
}

func TestHandlePostCall_OwnPatientIDIsLinked(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.patients.Create(ctx, patients.Patient{ID: "pat_1", OrganizationID: "org_1", PhoneDigits: "2015550123"})

	res := f.proc.HandlePostCall(ctx, "org_1", "", map[string]any{
		"call_id":     "ext_1",
		"call_status": "ended",
		"metadata":    map[string]any{"patient_id": "pat_1"},
	})
	if res.PatientID != "pat_1" {
		t.Fatalf("expected pat_1, got %q", res.PatientID)
	}
	c, _ := f.calls.FindByExternalID(ctx, "org_1", "ext_1")
	if c.PatientID != "pat_1" {
		t.Fatalf("patient not linked: %+v", c)
	}
}

func TestHandlePostCall_AnalysisAfterCallEndedAddsFlags(t *testing.T) {
	f := newFixture()
	f.seedRun(2, 0)
	ctx := context.Background()

	ended := map[string]any{
		"event": "call_ended",
		"call": map[string]any{
			"call_id":     "ext_0",
			"direction":   "outbound",
			"to_number":   "+15551234567",
			"call_status": "ended",
			"metadata":    map[string]any{"run_id": "run_1", "row_id": "row_0"},
		},
	}
	if res := f.proc.HandlePostCall(ctx, "org_1", "", ended); res.Status != telephony.StatusSuccess {
		t.Fatalf("call_ended: %s (%s)", res.Status, res.Error)
	}
	run, _ := f.runs.GetRun("run_1")
	if c := run.Metadata.Calls; c.Completed != 1 || c.Connected != 0 {
		t.Fatalf("unexpected counters after call_ended: %+v", c)
	}

	for i := 0; i < 2; i++ {
		if res := f.proc.HandlePostCall(ctx, "org_1", "", postCall("ext_0", "row_0")); res.Status != telephony.StatusSuccess {
			t.Fatalf("call_analyzed: %s (%s)", res.Status, res.Error)
		}
	}
	run, _ = f.runs.GetRun("run_1")
	c := run.Metadata.Calls
	if c.Completed != 1 || c.Connected != 1 || c.Converted != 1 || c.Calling != 1 {
		t.Fatalf("unexpected counters after call_analyzed: %+v", c)
	}

	call, _ := f.calls.FindByExternalID(ctx, "org_1", "ext_0")
	if call.Metadata["provider_event"] != "call_analyzed" {
		t.Fatalf("provider event not stored: %v", call.Metadata)
	}
	if call.Metadata["call_summary"] != "Patient confirmed the Tuesday appointment." {
		t.Fatalf("call summary not stored: %v", call.Metadata)
	}
}

func TestHandlePostCall_LinkageDroppedIsAudited(t *testing.T) {
	f := newFixture()
	f.seedRun(1, 0)
	f.calls.FailInsert = func(c calls.Call) error {
		if c.RunID != "" {
			return errors.New("fk violation")
		}
		return nil
	}

	res := f.proc.HandlePostCall(context.Background(), "org_1", "", postCall("ext_0", "row_0"))
	if res.Status != telephony.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}
	if len(f.audit.OfType(audit.EventTypeLinkageDropped)) != 1 {
		t.Fatalf("expected linkage audit event")
	}
	run, _ := f.runs.GetRun("run_1")
	if run.Status != runs.StatusCompleted {
		t.Fatalf("run metrics should still apply from event linkage, got %s", run.Status)
	}
}
