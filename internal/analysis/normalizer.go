package analysis

import (
	"encoding/json"
	"strings"
)

// Flag is a canonical outcome signal derived from provider analysis data.
type Flag string

const (
	FlagReached   Flag = "reached"
	FlagVoicemail Flag = "voicemail"
	FlagConverted Flag = "converted"
)

// Flags lists canonical flags in resolution order.
var Flags = []Flag{FlagReached, FlagVoicemail, FlagConverted}

// AliasTable maps a canonical flag to the ordered source keys that may carry it.
// The first key holding a truthy value wins.
type AliasTable map[Flag][]string

// DefaultAliases covers the field names seen across campaign templates.
var DefaultAliases = AliasTable{
	FlagReached: {
		"patient_reached", "patientReached",
		"reached",
		"human_answered", "humanAnswered",
		"call_connected", "callConnected",
	},
	FlagVoicemail: {
		"voicemail_left", "voicemailLeft",
		"voicemail",
		"left_voicemail", "leftVoicemail",
		"in_voicemail", "inVoicemail",
	},
	FlagConverted: {
		"appointment_confirmed", "appointmentConfirmed",
		"converted",
		"call_successful", "callSuccessful",
		"goal_achieved", "goalAchieved",
		"goal_met", "goalMet",
		"appointment_scheduled", "appointmentScheduled",
		"appointment_booked", "appointmentBooked",
	},
}

// With returns a copy of t with extra keys appended after the existing ones.
// Duplicate keys are skipped.
func (t AliasTable) With(extra AliasTable) AliasTable {
	out := make(AliasTable, len(t))
	for f, keys := range t {
		out[f] = append([]string(nil), keys...)
	}
	for f, keys := range extra {
		for _, k := range keys {
			k = strings.TrimSpace(k)
			if k == "" || contains(out[f], k) {
				continue
			}
			out[f] = append(out[f], k)
		}
	}
	return out
}

// Resolve reports the first truthy value among the flag's aliases in raw.
func (t AliasTable) Resolve(f Flag, raw map[string]any) bool {
	for _, k := range t[f] {
		if v, ok := raw[k]; ok && Truthy(v) {
			return true
		}
	}
	return false
}

// Outcome is the canonical outcome vector for one call.
type Outcome struct {
	Reached   bool
	Voicemail bool
	Converted bool

	// Raw is the provider analysis map as received.
	Raw map[string]any
}

// Normalize maps a loosely typed analysis map onto the canonical outcome vector.
// Unknown or absent fields yield false; it never fails.
// extra holds campaign-specific aliases and may be nil.
func Normalize(raw map[string]any, extra AliasTable) Outcome {
	table := DefaultAliases
	if len(extra) > 0 {
		table = DefaultAliases.With(extra)
	}
	return Outcome{
		Reached:   table.Resolve(FlagReached, raw),
		Voicemail: table.Resolve(FlagVoicemail, raw),
		Converted: table.Resolve(FlagConverted, raw),
		Raw:       raw,
	}
}

// Map returns the normalized analysis persisted on calls and rows:
// the raw keys plus the canonical flags.
func (o Outcome) Map() map[string]any {
	out := make(map[string]any, len(o.Raw)+3)
	for k, v := range o.Raw {
		out[k] = v
	}
	out[string(FlagReached)] = o.Reached
	out[string(FlagVoicemail)] = o.Voicemail
	out[string(FlagConverted)] = o.Converted
	return out
}

// Truthy accepts true, "true", "yes", "1" (any case, surrounding space ignored)
// and the number 1.
func Truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "1":
			return true
		}
		return false
	case float64:
		return x == 1
	case float32:
		return x == 1
	case int:
		return x == 1
	case int64:
		return x == 1
	case int32:
		return x == 1
	case json.Number:
		f, err := x.Float64()
		return err == nil && f == 1
	default:
		return false
	}
}

func contains(keys []string, k string) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}
