// Package callevents runs the webhook reconciliation pipeline: normalize the
// payload, resolve identity, reconcile the call, then (post-call) interpret the
// analysis, update run metrics, derive insights and fan the result out.
package callevents

import (
	"context"
	"errors"
	"maps"

	"outreach-platform/internal/analysis"
	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/notify"
	"outreach-platform/internal/organizations"
	"outreach-platform/internal/patients"
	"outreach-platform/internal/runs"
	"outreach-platform/internal/telephony"
	"outreach-platform/pkg/logger"

	"github.com/google/uuid"
)

// LinkageAuditor records calls stored by the reduced-field fallback insert.
// *audit.Service satisfies it.
type LinkageAuditor interface {
	LogLinkageDropped(ctx context.Context, orgID, callID, reason string) error
}

// Deps are the collaborators of a Processor. Fanout and Auditor may be nil.
type Deps struct {
	Organizations organizations.Repository
	Patients      *patients.Resolver
	Calls         *calls.Reconciler
	Campaigns     *campaigns.Loader
	Runs          *runs.Aggregator
	Fanout        *notify.FanOut
	Auditor       LinkageAuditor

	// FallbackOrgName is shown to the live agent when the organization
	// cannot be loaded.
	FallbackOrgName string
}

// Processor implements telephony.EventProcessor.
type Processor struct {
	d     Deps
	newID func() string
}

var _ telephony.EventProcessor = (*Processor)(nil)

func New(d Deps) *Processor {
	if d.FallbackOrgName == "" {
		d.FallbackOrgName = "our office"
	}
	return &Processor{d: d, newID: uuid.NewString}
}

// HandleInbound resolves the caller, records the live call and returns the
// variables that steer the agent. It always returns a usable response.
func (p *Processor) HandleInbound(ctx context.Context, orgID string, raw map[string]any) telephony.InboundResponse {
	ctx, log := logger.Enrich(ctx, "org_id", orgID)
	var rep report

	vars := map[string]any{
		"organization_id":   orgID,
		"organization_name": p.orgName(ctx, orgID, &rep),
		"patient_exists":    false,
	}

	in, err := telephony.NormalizeInbound(raw, p.newID)
	if err != nil {
		log.Warn("inbound payload rejected", "call_id", in.CallID, "error", err.Error())
		return telephony.InboundResponse{
			Status:    telephony.StatusError,
			CallID:    in.CallID,
			Variables: vars,
			Error:     err.Error(),
		}
	}
	ctx, log = logger.Enrich(ctx, "call_id", in.CallID)
	rep.ok("normalize")

	var fallbacks map[string]any
	for _, s := range in.Substitutions {
		log.Warn("inbound field substituted", "field", s.Field, "value", s.Value, "reason", s.Reason)
		if fallbacks == nil {
			fallbacks = map[string]any{}
		}
		fallbacks[s.Field] = s.Reason
	}
	vars["caller_phone"] = in.FromNumber

	patient, created, err := p.d.Patients.ResolveOrCreate(ctx, orgID, in.FromNumber)
	if err != nil {
		log.Warn("caller identity unresolved", "error", err.Error())
		rep.degrade("identity", err)
	} else {
		rep.ok("identity")
		vars["patient_exists"] = !created
		vars["patient_id"] = patient.ID
		vars["patient_first_name"] = patient.FirstName
		vars["patient_last_name"] = patient.LastName
		vars["patient_name"] = patient.FullName()
	}

	patch := calls.Patch{
		PatientID:  patient.ID,
		Direction:  calls.DirectionInbound,
		Status:     calls.StatusInProgress,
		FromNumber: in.FromNumber,
		ToNumber:   in.ToNumber,
		AgentID:    in.AgentID,
	}
	if fallbacks != nil {
		patch.Metadata = map[string]any{"fallbacks": fallbacks}
	}
	res, err := p.d.Calls.Reconcile(ctx, orgID, in.CallID, patch)
	if err != nil {
		log.Error("inbound call not recorded", "error", err.Error())
		rep.fatal("reconcile", err)
	} else {
		rep.ok("reconcile")
		p.auditLinkage(ctx, res)
		p.d.Fanout.Publish(ctx, notify.Scope{OrganizationID: orgID}, notify.EventCallInbound, map[string]any{
			"call_id":          res.Call.ID,
			"external_call_id": res.Call.ExternalID,
			"patient_id":       res.Call.PatientID,
			"from_number":      res.Call.FromNumber,
			"status":           res.Call.Status,
		})
	}

	out := telephony.InboundResponse{
		Status:    rep.inboundStatus(),
		CallID:    in.CallID,
		Variables: vars,
		Error:     rep.errorText(),
	}
	if out.Status != telephony.StatusSuccess {
		log.Warn("inbound webhook degraded",
			"status", out.Status,
			"degraded", rep.stages(stageDegraded),
			"fatal", rep.stages(stageFatal),
		)
	}
	return out
}

// HandlePostCall merges a finished call into its record and run. campaignID,
// when set, takes precedence over the campaign in the payload metadata.
func (p *Processor) HandlePostCall(ctx context.Context, orgID, campaignID string, raw map[string]any) telephony.PostCallResponse {
	ctx, log := logger.Enrich(ctx, "org_id", orgID)
	var rep report

	ev, err := telephony.NormalizePostCall(raw)
	if err != nil {
		log.Warn("post-call payload rejected", "error", err.Error())
		return telephony.PostCallResponse{Status: telephony.StatusError, CallID: ev.CallID, Error: err.Error()}
	}
	if campaignID == "" {
		campaignID = ev.CampaignID
	}
	ctx, log = logger.Enrich(ctx, "call_id", ev.CallID, "run_id", ev.RunID, "provider_event", ev.Event)
	rep.ok("normalize")

	patientID := p.identify(ctx, orgID, ev, &rep)
	runID, rowID := p.verifyRun(ctx, orgID, ev, &rep)

	// Only a campaign that loads within the organization is linked.
	var aliases analysis.AliasTable
	linkedCampaign := ""
	cfg, err := p.d.Campaigns.Load(ctx, campaignID, orgID)
	switch {
	case err != nil:
		log.Warn("campaign context unavailable", "campaign_id", campaignID, "error", err.Error())
		rep.degrade("campaign", err)
	case cfg != nil:
		aliases = cfg.Aliases
		linkedCampaign = cfg.Campaign.ID
		rep.ok("campaign")
	}

	res, err := p.d.Calls.Reconcile(ctx, orgID, ev.CallID, calls.Patch{
		PatientID:  patientID,
		CampaignID: linkedCampaign,
		RunID:      runID,
		RowID:      rowID,
		Direction:  ev.Direction,
		FromNumber: ev.FromNumber,
		ToNumber:   ev.ToNumber,
		AgentID:    ev.AgentID,
		Metadata:   postCallMetadata(ev),
	})
	if err != nil {
		log.Error("post-call record failed", "error", err.Error())
		return telephony.PostCallResponse{Status: telephony.StatusError, CallID: ev.CallID, PatientID: patientID, Error: err.Error()}
	}
	p.auditLinkage(ctx, res)

	outcome := analysis.Normalize(ev.Analysis, aliases)
	status := ev.Status()
	call, err := p.d.Calls.RecordOutcome(ctx, res.Call, calls.Outcome{
		Status:          status,
		RecordingURL:    ev.RecordingURL,
		Transcript:      ev.Transcript,
		Analysis:        outcome.Map(),
		DurationSeconds: ev.DurationSeconds,
		StartTime:       ev.StartTime,
		EndTime:         ev.EndTime,
		Error:           ev.ErrorMessage(),
	})
	if err != nil {
		log.Error("post-call outcome not recorded", "error", err.Error())
		return telephony.PostCallResponse{Status: telephony.StatusError, CallID: ev.CallID, PatientID: res.Call.PatientID, Error: err.Error()}
	}
	rep.ok("reconcile")

	// A dropped linkage leaves the verified run ids only on the event.
	runID = firstNonEmpty(call.RunID, runID)
	rowID = firstNonEmpty(call.RowID, rowID)
	if campaignID == "" {
		campaignID = call.CampaignID
	}

	var update runs.Update
	if runID != "" && call.Status.Terminal() {
		update, err = p.d.Runs.RecordOutcome(ctx, runs.CallOutcome{
			OrganizationID: orgID,
			RunID:          runID,
			RowID:          rowID,
			CallID:         call.ID,
			Status:         rowStatus(call.Status),
			Reached:        outcome.Reached,
			Voicemail:      outcome.Voicemail,
			Converted:      outcome.Converted,
			Error:          call.Error,
			Analysis:       outcome.Map(),
			Metadata:       map[string]any{"external_call_id": call.ExternalID},
		})
		if err != nil {
			log.Warn("run metrics not updated", "error", err.Error())
			rep.degrade("run_metrics", err)
		} else {
			rep.ok("run_metrics")
		}
	}

	insights := analysis.Extract(call.Transcript, outcome)

	scope := notify.Scope{OrganizationID: orgID, CampaignID: campaignID, RunID: runID}
	p.d.Fanout.Publish(ctx, scope, notify.EventCallUpdated, map[string]any{
		"call_id":          call.ID,
		"external_call_id": call.ExternalID,
		"status":           call.Status,
		"patient_id":       call.PatientID,
		"row_id":           rowID,
		"insights":         insights,
	})
	if update.Applied {
		p.d.Fanout.Publish(ctx, scope, notify.EventRunUpdated, runPayload(update.Run))
		if update.Completed {
			log.Info("run completed", "duration_seconds", derefInt64(update.Run.Metadata.Run.Duration))
			p.d.Fanout.Publish(ctx, scope, notify.EventRunCompleted, runPayload(update.Run))
		}
	}

	out := telephony.PostCallResponse{
		Status:    rep.postCallStatus(),
		CallID:    ev.CallID,
		PatientID: call.PatientID,
		Insights:  insights,
	}
	if out.PatientID == "" {
		out.PatientID = patientID
	}
	if d := rep.stages(stageDegraded); len(d) > 0 {
		log.Warn("post-call webhook degraded", "degraded", d)
	}
	return out
}

// errForeignID marks a metadata id that does not belong to the organization.
var errForeignID = errors.New("id not found in organization")

// identify finds the patient for a post-call event: the id carried in the
// metadata when it belongs to orgID, else a lookup (never a create) on the
// patient's side of the call.
func (p *Processor) identify(ctx context.Context, orgID string, ev telephony.PostCallEvent, rep *report) string {
	log := logger.From(ctx)
	if ev.PatientID != "" {
		pt, ok, err := p.d.Patients.Get(ctx, orgID, ev.PatientID)
		switch {
		case err != nil:
			log.Warn("patient id not verified", "patient_id", ev.PatientID, "error", err.Error())
			rep.degrade("identity", err)
			return ""
		case ok:
			rep.ok("identity")
			return pt.ID
		}
		log.Warn("patient id dropped", "patient_id", ev.PatientID, "reason", errForeignID.Error())
		rep.degrade("linkage", errForeignID)
	}
	number := ev.ToNumber
	if ev.Direction == calls.DirectionInbound {
		number = ev.FromNumber
	}
	if number == "" {
		return ""
	}
	pt, ok, err := p.d.Patients.Resolve(ctx, orgID, number)
	if err != nil {
		log.Warn("patient lookup failed", "error", err.Error())
		rep.degrade("identity", err)
		return ""
	}
	rep.ok("identity")
	if !ok {
		return ""
	}
	return pt.ID
}

// verifyRun keeps the run and row ids from the metadata only when they belong
// to orgID.
func (p *Processor) verifyRun(ctx context.Context, orgID string, ev telephony.PostCallEvent, rep *report) (string, string) {
	if ev.RunID == "" && ev.RowID == "" {
		return "", ""
	}
	log := logger.From(ctx)
	runID, rowID, err := p.d.Runs.Verify(ctx, orgID, ev.RunID, ev.RowID)
	if err != nil {
		log.Warn("run linkage not verified", "error", err.Error())
		rep.degrade("linkage", err)
		return "", ""
	}
	if runID != ev.RunID || rowID != ev.RowID {
		log.Warn("run linkage dropped",
			"metadata_run_id", ev.RunID,
			"metadata_row_id", ev.RowID,
			"reason", errForeignID.Error(),
		)
		rep.degrade("linkage", errForeignID)
	}
	return runID, rowID
}

// postCallMetadata is the payload metadata plus the provider event name and
// call summary.
func postCallMetadata(ev telephony.PostCallEvent) map[string]any {
	out := maps.Clone(ev.Metadata)
	if out == nil && (ev.Event != "" || ev.Summary != "") {
		out = map[string]any{}
	}
	if ev.Event != "" {
		out["provider_event"] = ev.Event
	}
	if ev.Summary != "" {
		out["call_summary"] = ev.Summary
	}
	return out
}

func (p *Processor) orgName(ctx context.Context, orgID string, rep *report) string {
	org, err := p.d.Organizations.Get(ctx, orgID)
	if err == nil && org.Name != "" {
		rep.ok("organization")
		return org.Name
	}
	if err == nil {
		err = errors.New("organization has no name")
	}
	logger.From(ctx).Warn("organization name unavailable", "error", err.Error())
	rep.degrade("organization", err)
	return p.d.FallbackOrgName
}

func (p *Processor) auditLinkage(ctx context.Context, res calls.Result) {
	if !res.LinkageDropped {
		return
	}
	log := logger.From(ctx)
	log.Warn("call stored without linkage", "internal_call_id", res.Call.ID)
	if p.d.Auditor == nil {
		return
	}
	if err := p.d.Auditor.LogLinkageDropped(ctx, res.Call.OrganizationID, res.Call.ID, "full insert rejected"); err != nil {
		log.Warn("linkage audit failed", "error", err.Error())
	}
}

func rowStatus(s calls.Status) runs.RowStatus {
	if s == calls.StatusFailed {
		return runs.RowFailed
	}
	return runs.RowCompleted
}

func runPayload(r runs.Run) map[string]any {
	return map[string]any{
		"run_id": r.ID,
		"status": r.Status,
		"calls":  r.Metadata.Calls,
		"run":    r.Metadata.Run,
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
