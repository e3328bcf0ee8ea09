package correlator

import (
	"strconv"
	"strings"
)

// Outcome is the terminal classification of a call that ended unanswered.
type Outcome string

const (
	OutcomeMissed    Outcome = "missed"
	OutcomeCancelled Outcome = "cancelled"
)

// missedCauses lists the hangup causes that count as a missed call. Anything
// else ends an unanswered call as cancelled.
var missedCauses = map[string]struct{}{
	"NO ANSWER": {},
	"16":        {},
	"17":        {},
	"19":        {},
	"21":        {},
	"102":       {},
}

// Classify maps a hangup cause to an outcome. An absent or empty cause is
// treated as missed.
func Classify(cause string) Outcome {
	cause = strings.TrimSpace(cause)
	if cause == "" {
		return OutcomeMissed
	}
	if _, ok := missedCauses[cause]; ok {
		return OutcomeMissed
	}
	return OutcomeCancelled
}

// HangupCause maps Asterisk hangup cause codes to names and descriptions.
var HangupCause = map[int]struct {
	Name        string
	Description string
}{
	0:   {"unknown", "Unknown or no cause provided"},
	16:  {"normal_clearing", "The call was hung up normally by one of the parties"},
	17:  {"user_busy", "The destination was busy"},
	18:  {"no_user_response", "The destination did not respond"},
	19:  {"no_answer", "The destination did not answer within the timeout"},
	21:  {"call_rejected", "The call was rejected by the destination"},
	31:  {"normal_unspecified", "Normal call clearing, unspecified cause"},
	34:  {"congestion", "All circuits are busy or no circuit is available"},
	102: {"recovery_on_timer_expire", "A protocol timer expired before the call was set up"},
	127: {"interworking", "An interworking error occurred"},
}

// DescribeCause returns the name and description for a raw cause value.
func DescribeCause(cause string) (string, string) {
	cause = strings.TrimSpace(cause)
	if strings.EqualFold(cause, "NO ANSWER") {
		info := HangupCause[19]
		return info.Name, info.Description
	}
	code, err := strconv.Atoi(cause)
	if err != nil {
		code = 0
	}
	if info, ok := HangupCause[code]; ok {
		return info.Name, info.Description
	}
	return "unknown", "Unknown or no cause provided"
}
