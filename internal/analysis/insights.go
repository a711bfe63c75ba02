package analysis

import (
	"strings"
	"unicode"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Follow-up reasons, highest priority first.
const (
	ReasonRequested         = "follow_up_requested"
	ReasonUnansweredQuery   = "unanswered_question"
	ReasonNotReached        = "patient_not_reached"
	ReasonNegativeSentiment = "negative_sentiment"
	ReasonCallbackRequest   = "callback_requested_in_transcript"
)

// Insights is the derived view of one finished call.
type Insights struct {
	Sentiment      Sentiment `json:"sentiment"`
	FollowUpNeeded bool      `json:"followUpNeeded"`
	FollowUpReason string    `json:"followUpReason,omitempty"`
	PatientReached bool      `json:"patientReached"`
	VoicemailLeft  bool      `json:"voicemailLeft"`
}

var sentimentKeys = []string{
	"sentiment",
	"user_sentiment", "userSentiment",
	"patient_sentiment", "patientSentiment",
	"call_sentiment", "callSentiment",
}

var followUpKeys = []string{
	"follow_up_needed", "followUpNeeded",
	"follow_up_requested", "followUpRequested",
	"needs_follow_up", "needsFollowUp",
	"callback_requested", "callbackRequested",
}

var unansweredKeys = []string{
	"unanswered_question", "unansweredQuestion",
	"unanswered_questions", "unansweredQuestions",
	"has_unanswered_questions", "hasUnansweredQuestions",
}

var positiveWords = map[string]struct{}{
	"thanks": {}, "thank": {}, "great": {}, "good": {}, "perfect": {},
	"wonderful": {}, "excellent": {}, "appreciate": {}, "helpful": {},
	"happy": {}, "glad": {}, "awesome": {}, "yes": {}, "sure": {},
}

var negativeWords = map[string]struct{}{
	"angry": {}, "upset": {}, "frustrated": {}, "terrible": {}, "bad": {},
	"awful": {}, "annoyed": {}, "complaint": {}, "unhappy": {}, "worst": {},
	"stop": {}, "never": {}, "cancel": {}, "rude": {},
}

var callbackPhrases = []string{
	"call me back",
	"call back later",
	"callback",
	"call you back",
	"call again",
	"try again later",
	"reach me later",
	"not a good time",
	"busy right now",
}

// Extract derives sentiment and follow-up signals from a transcript and a
// normalized outcome. It is pure and returns safe defaults for empty input.
func Extract(transcript string, o Outcome) Insights {
	in := Insights{
		Sentiment:      sentimentFrom(o.Raw, transcript),
		PatientReached: o.Reached,
		VoicemailLeft:  o.Voicemail,
	}

	switch {
	case anyTruthy(o.Raw, followUpKeys):
		in.FollowUpNeeded, in.FollowUpReason = true, ReasonRequested
	case anyTruthy(o.Raw, unansweredKeys):
		in.FollowUpNeeded, in.FollowUpReason = true, ReasonUnansweredQuery
	case len(o.Raw) > 0 && !o.Reached:
		// Without any analysis there is nothing to say about reachability.
		in.FollowUpNeeded, in.FollowUpReason = true, ReasonNotReached
	case in.Sentiment == SentimentNegative:
		in.FollowUpNeeded, in.FollowUpReason = true, ReasonNegativeSentiment
	case mentionsCallback(transcript):
		in.FollowUpNeeded, in.FollowUpReason = true, ReasonCallbackRequest
	}
	return in
}

func sentimentFrom(raw map[string]any, transcript string) Sentiment {
	for _, k := range sentimentKeys {
		s, ok := raw[k].(string)
		if !ok {
			continue
		}
		s = strings.ToLower(s)
		switch {
		case strings.Contains(s, "positive"):
			return SentimentPositive
		case strings.Contains(s, "negative"):
			return SentimentNegative
		}
	}
	return lexiconSentiment(transcript)
}

// lexiconSentiment requires positives to lead by more than one to call a
// transcript positive; any negative lead is negative.
func lexiconSentiment(transcript string) Sentiment {
	if strings.TrimSpace(transcript) == "" {
		return SentimentNeutral
	}
	words := strings.FieldsFunc(strings.ToLower(transcript), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	pos, neg := 0, 0
	for _, w := range words {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	switch {
	case pos-neg > 1:
		return SentimentPositive
	case neg > pos:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

func mentionsCallback(transcript string) bool {
	t := strings.ToLower(transcript)
	for _, p := range callbackPhrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

func anyTruthy(raw map[string]any, keys []string) bool {
	for _, k := range keys {
		if v, ok := raw[k]; ok && Truthy(v) {
			return true
		}
	}
	return false
}
