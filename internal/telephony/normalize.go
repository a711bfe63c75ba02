package telephony

import (
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"outreach-platform/internal/calls"
	"outreach-platform/pkg/phone"

	"github.com/go-playground/validator/v10"
)

// Fallback values for missing optional inbound fields.
const (
	UnknownValue        = "unknown"
	InboundCallIDPrefix = "inbound_"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phone.LooksLikePhone(fl.Field().String())
	})
	return v
}

// NormalizeInbound validates an inbound-call payload and fills fallbacks for
// missing optional fields. A missing or unusable caller number returns a
// *ValidationError together with whatever could be normalized.
// newID generates the call id when the provider sent none.
func NormalizeInbound(raw map[string]any, newID func() string) (InboundCall, error) {
	// Providers either send the call at the top level or under "call_inbound".
	body := raw
	if nested := object(raw, "call_inbound"); nested != nil {
		body = nested
	}

	in := InboundCall{
		FromNumber: str(body, "from_number", "fromNumber", "from"),
		ToNumber:   str(body, "to_number", "toNumber", "to"),
		CallID:     str(body, "call_id", "callId"),
		AgentID:    str(body, "agent_id", "agentId"),
	}

	if in.ToNumber == "" {
		in.ToNumber = UnknownValue
		in.Substitutions = append(in.Substitutions, Substitution{Field: "to_number", Value: UnknownValue, Reason: "missing"})
	}
	if in.AgentID == "" {
		if llm := str(body, "llm_id", "llmId"); llm != "" {
			in.AgentID = llm
			in.Substitutions = append(in.Substitutions, Substitution{Field: "agent_id", Value: llm, Reason: "borrowed llm_id"})
		} else {
			in.AgentID = UnknownValue
			in.Substitutions = append(in.Substitutions, Substitution{Field: "agent_id", Value: UnknownValue, Reason: "missing"})
		}
	}
	if in.CallID == "" {
		in.CallID = InboundCallIDPrefix + newID()
		in.Substitutions = append(in.Substitutions, Substitution{Field: "call_id", Value: in.CallID, Reason: "generated"})
	}

	if err := validate.Struct(in); err != nil {
		return in, validationError(err)
	}
	return in, nil
}

// NormalizePostCall decodes a post-call payload, wrapped ({"event", "call"})
// or flat. Only call_id is required.
func NormalizePostCall(raw map[string]any) (PostCallEvent, error) {
	body := raw
	if nested := object(raw, "call"); nested != nil {
		body = nested
	}

	ev := PostCallEvent{
		Event:               str(raw, "event"),
		CallID:              str(body, "call_id", "callId"),
		FromNumber:          str(body, "from_number", "fromNumber"),
		ToNumber:            str(body, "to_number", "toNumber"),
		AgentID:             str(body, "agent_id", "agentId"),
		CallStatus:          str(body, "call_status", "callStatus", "status"),
		DisconnectionReason: str(body, "disconnection_reason", "disconnectionReason"),
		RecordingURL:        str(body, "recording_url", "recordingUrl"),
		Transcript:          str(body, "transcript"),
		Metadata:            object(body, "metadata"),
	}

	switch strings.ToLower(str(body, "direction")) {
	case string(calls.DirectionInbound):
		ev.Direction = calls.DirectionInbound
	default:
		ev.Direction = calls.DirectionOutbound
	}

	ev.RunID = str(ev.Metadata, "run_id", "runId")
	ev.RowID = str(ev.Metadata, "row_id", "rowId")
	ev.CampaignID = str(ev.Metadata, "campaign_id", "campaignId")
	ev.PatientID = str(ev.Metadata, "patient_id", "patientId")

	ca := object(body, "call_analysis")
	if ca == nil {
		ca = object(body, "callAnalysis")
	}
	if ev.Transcript == "" {
		ev.Transcript = str(ca, "transcript")
	}
	ev.Summary = str(ca, "call_summary", "callSummary")
	ev.Analysis = mergeAnalysis(ca)

	ev.StartTime = timestamp(body, "start_timestamp", "startTimestamp")
	ev.EndTime = timestamp(body, "end_timestamp", "endTimestamp")
	if ms, ok := number(body, "duration_ms", "durationMs"); ok && ms >= 0 {
		d := int(math.Floor(ms / 1000))
		ev.DurationSeconds = &d
	} else if ev.StartTime != nil && ev.EndTime != nil && !ev.EndTime.Before(*ev.StartTime) {
		d := int(ev.EndTime.Sub(*ev.StartTime) / time.Second)
		ev.DurationSeconds = &d
	}

	if err := validate.Struct(ev); err != nil {
		return ev, validationError(err)
	}
	return ev, nil
}

// mergeAnalysis flattens provider-level analysis flags under the custom
// analysis keys; custom keys win.
func mergeAnalysis(ca map[string]any) map[string]any {
	if ca == nil {
		return nil
	}
	out := map[string]any{}
	for _, k := range []string{"in_voicemail", "user_sentiment", "call_successful"} {
		if v, ok := ca[k]; ok && v != nil {
			out[k] = v
		}
	}
	custom := object(ca, "custom_analysis_data")
	if custom == nil {
		custom = object(ca, "customAnalysisData")
	}
	for k, v := range custom {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func validationError(err error) error {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		fe := ves[0]
		reason := "is required"
		if fe.Tag() == "phone" {
			reason = "is not a phone number"
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Field: "payload", Reason: err.Error()}
}

// str returns the first non-empty string among keys. Numeric ids are
// formatted without exponent.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func object(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func number(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// timestamp accepts epoch milliseconds or RFC 3339.
func timestamp(m map[string]any, keys ...string) *time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			if v <= 0 {
				continue
			}
			t := time.UnixMilli(int64(v)).UTC()
			return &t
		case string:
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}
