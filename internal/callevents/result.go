package callevents

import (
	"outreach-platform/internal/telephony"
)

type severity int

const (
	stageOK severity = iota
	stageDegraded
	stageFatal
)

// stageResult is what one pipeline stage reports.
type stageResult struct {
	stage    string
	severity severity
	err      error
}

// report collects stage results for one delivery and decides the response
// status. Stages never return errors to the handler; they record them here.
type report struct {
	results []stageResult
}

func (r *report) ok(stage string) {
	r.results = append(r.results, stageResult{stage: stage})
}

func (r *report) degrade(stage string, err error) {
	r.results = append(r.results, stageResult{stage: stage, severity: stageDegraded, err: err})
}

func (r *report) fatal(stage string, err error) {
	r.results = append(r.results, stageResult{stage: stage, severity: stageFatal, err: err})
}

func (r *report) worst() severity {
	w := stageOK
	for _, s := range r.results {
		if s.severity > w {
			w = s.severity
		}
	}
	return w
}

// inboundStatus: any fatal stage is an error, any degraded stage a partial
// success.
func (r *report) inboundStatus() string {
	switch r.worst() {
	case stageFatal:
		return telephony.StatusError
	case stageDegraded:
		return telephony.StatusPartialSuccess
	default:
		return telephony.StatusSuccess
	}
}

// postCallStatus has no partial variant; degradations stay success.
func (r *report) postCallStatus() string {
	if r.worst() == stageFatal {
		return telephony.StatusError
	}
	return telephony.StatusSuccess
}

// errorText describes the first stage at the worst severity.
func (r *report) errorText() string {
	w := r.worst()
	if w == stageOK {
		return ""
	}
	for _, s := range r.results {
		if s.severity == w && s.err != nil {
			return s.stage + ": " + s.err.Error()
		}
	}
	return ""
}

// stages lists stage names at sev, in order; used for log attributes.
func (r *report) stages(sev severity) []string {
	var out []string
	for _, s := range r.results {
		if s.severity == sev {
			out = append(out, s.stage)
		}
	}
	return out
}
