package phone

import "testing"

func TestDigits_FormatsConverge(t *testing.T) {
	a := Digits("(555) 123-4567")
	b := Digits("555-123-4567")
	if a != "5551234567" || b != "5551234567" {
		t.Fatalf("expected 5551234567, got %q and %q", a, b)
	}
}

func TestDigits_Empty(t *testing.T) {
	if got := Digits("anonymous"); got != "" {
		t.Fatalf("expected empty digits, got %q", got)
	}
}

func TestCandidates_IncludesNationalNumber(t *testing.T) {
	got := Candidates("+1 (201) 555-0123")
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %v", got)
	}
	if got[0] != "12015550123" || got[1] != "2015550123" {
		t.Fatalf("unexpected candidates: %v", got)
	}
}

func TestCandidates_PlainDigitsOnly(t *testing.T) {
	got := Candidates("5551234567")
	if len(got) != 1 || got[0] != "5551234567" {
		t.Fatalf("unexpected candidates: %v", got)
	}
	if Candidates("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestCandidates_NationalInputAddsCountryCode(t *testing.T) {
	got := Candidates("201-555-0123")
	if len(got) != 2 || got[0] != "2015550123" || got[1] != "12015550123" {
		t.Fatalf("unexpected candidates: %v", got)
	}
}

func TestKey_FormatsOfOneNumberConverge(t *testing.T) {
	for _, in := range []string{"+1 (201) 555-0123", "12015550123", "201-555-0123", "(201) 555 0123"} {
		if got := Key(in); got != "2015550123" {
			t.Fatalf("Key(%q) = %q", in, got)
		}
	}
	if got := Key("555-123-4567"); got != "5551234567" {
		t.Fatalf("expected digits for unparseable number, got %q", got)
	}
	if Key("anonymous") != "" {
		t.Fatalf("expected empty key")
	}
}

func TestKey_IsAlwaysACandidate(t *testing.T) {
	for _, in := range []string{"+1 (201) 555-0123", "201-555-0123", "5551234567", "+44 20 7946 0958"} {
		k := Key(in)
		found := false
		for _, c := range Candidates(in) {
			if c == k {
				found = true
			}
		}
		if !found {
			t.Fatalf("Key(%q) = %q not in %v", in, k, Candidates(in))
		}
	}
}

func TestLooksLikePhone(t *testing.T) {
	if LooksLikePhone("12") {
		t.Fatalf("expected short input rejected")
	}
	if !LooksLikePhone("+1 415 555 2671") {
		t.Fatalf("expected number accepted")
	}
}
