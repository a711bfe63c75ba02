// Package phone normalizes caller numbers for patient lookup.
package phone

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

// defaultRegion is used when a number carries no country prefix.
const defaultRegion = "US"

// Digits strips every non-digit character.
// "(555) 123-4567" and "555-123-4567" both become "5551234567".
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Candidates returns the lookup keys for a raw number, most specific first:
// the plain digits, then the national significant number and its country-code
// form when the input parses as a valid number. "+1 201 555 0123" and
// "201-555-0123" therefore share the key "2015550123".
func Candidates(s string) []string {
	d := Digits(s)
	if d == "" {
		return nil
	}
	out := []string{d}
	num, ok := parse(s, d)
	if !ok {
		return out
	}
	national := strconv.FormatUint(num.GetNationalNumber(), 10)
	full := strconv.Itoa(int(num.GetCountryCode())) + national
	for _, k := range []string{national, full} {
		if k != "" && !contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

// Key is the storage form of a number: the national significant number when
// it parses as valid, otherwise the plain digits. Every formatting of a valid
// number maps to the same Key, and Key(s) is always one of Candidates(s).
func Key(s string) string {
	d := Digits(s)
	if d == "" {
		return ""
	}
	num, ok := parse(s, d)
	if !ok {
		return d
	}
	return strconv.FormatUint(num.GetNationalNumber(), 10)
}

func parse(s, d string) (*phonenumbers.PhoneNumber, bool) {
	raw := strings.TrimSpace(s)
	if !strings.HasPrefix(raw, "+") && len(d) > 10 {
		raw = "+" + d
	}
	num, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return nil, false
	}
	return num, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// LooksLikePhone reports whether s has enough digits to be a dialable number.
func LooksLikePhone(s string) bool {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n >= 7
}
