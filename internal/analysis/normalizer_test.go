package analysis

import (
	"encoding/json"
	"testing"
)

func TestNormalize_AliasVariantsAgree(t *testing.T) {
	camel := Normalize(map[string]any{"patientReached": "true"}, nil)
	snake := Normalize(map[string]any{"patient_reached": true}, nil)
	if !camel.Reached || !snake.Reached {
		t.Fatalf("expected both alias forms reached, got %v %v", camel.Reached, snake.Reached)
	}
	if camel.Voicemail != snake.Voicemail || camel.Converted != snake.Converted {
		t.Fatalf("expected identical outcomes")
	}
}

func TestNormalize_ConvertedScansDomainFields(t *testing.T) {
	o := Normalize(map[string]any{"patient_reached": true, "appointment_confirmed": "true"}, nil)
	if !o.Reached || !o.Converted || o.Voicemail {
		t.Fatalf("unexpected outcome: %+v", o)
	}

	o = Normalize(map[string]any{"goal_met": "YES "}, nil)
	if !o.Converted {
		t.Fatalf("expected goal_met to convert")
	}
}

func TestNormalize_AbsentOrFalsyYieldsFalse(t *testing.T) {
	o := Normalize(nil, nil)
	if o.Reached || o.Voicemail || o.Converted {
		t.Fatalf("expected all false for nil analysis")
	}

	o = Normalize(map[string]any{"patient_reached": "no", "voicemail_left": 0.0, "converted": "maybe"}, nil)
	if o.Reached || o.Voicemail || o.Converted {
		t.Fatalf("expected all false, got %+v", o)
	}
}

func TestNormalize_CampaignAliases(t *testing.T) {
	raw := map[string]any{"spoke_with_patient": "yes"}
	if Normalize(raw, nil).Reached {
		t.Fatalf("unknown key should not count without campaign alias")
	}
	o := Normalize(raw, AliasTable{FlagReached: {"spoke_with_patient"}})
	if !o.Reached {
		t.Fatalf("expected campaign alias to resolve")
	}
}

func TestAliasTable_WithDoesNotMutateDefaults(t *testing.T) {
	before := len(DefaultAliases[FlagConverted])
	_ = DefaultAliases.With(AliasTable{FlagConverted: {"deal_closed", "converted"}})
	if len(DefaultAliases[FlagConverted]) != before {
		t.Fatalf("defaults mutated")
	}
}

func TestTruthy(t *testing.T) {
	yes := []any{true, "true", "TRUE", " yes", "1", 1.0, 1, json.Number("1")}
	for _, v := range yes {
		if !Truthy(v) {
			t.Fatalf("expected %#v truthy", v)
		}
	}
	no := []any{false, "false", "", "0", 0.0, 2, nil, map[string]any{}}
	for _, v := range no {
		if Truthy(v) {
			t.Fatalf("expected %#v falsy", v)
		}
	}
}

func TestOutcome_MapCarriesFlags(t *testing.T) {
	m := Normalize(map[string]any{"voicemailLeft": true, "note": "x"}, nil).Map()
	if m["voicemail"] != true || m["reached"] != false || m["note"] != "x" {
		t.Fatalf("unexpected map: %+v", m)
	}
}
