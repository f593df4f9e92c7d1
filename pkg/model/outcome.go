package model

// Outcome is the terminal result class of a pipeline job.
type Outcome string

const (
	OutcomeSuccessApplied  Outcome = "SUCCESS_APPLIED"
	OutcomeSuccessNoChange Outcome = "SUCCESS_NO_CHANGE"
	OutcomeFailure         Outcome = "FAILURE"
	OutcomePartial         Outcome = "PARTIAL"
)

// NoChangeCode explains why a job applied nothing.
type NoChangeCode string

const (
	NoChangeAlreadyProcessed NoChangeCode = "ALREADY_PROCESSED"
	NoChangeContentIdentical NoChangeCode = "CONTENT_IDENTICAL"
	NoChangeEmptyResult      NoChangeCode = "EMPTY_RESULT"
	NoChangeCoerced          NoChangeCode = "COERCED_ZERO_ITEMS"
)

// JobOutcome is the record every pipeline job writes on termination.
// Invariant: Outcome == SUCCESS_APPLIED iff ItemsProduced > 0.
type JobOutcome struct {
	Outcome       Outcome      `json:"outcome"`
	ItemsProduced int          `json:"items_produced"`
	NoChangeCode  NoChangeCode `json:"no_change_code,omitempty"`
	Detail        string       `json:"detail,omitempty"`
}

// CoerceOutcome enforces the SUCCESS_APPLIED invariant. A SUCCESS_APPLIED
// with zero items is silently downgraded to SUCCESS_NO_CHANGE with a
// captured code; a SUCCESS_NO_CHANGE with items produced is upgraded.
func CoerceOutcome(o JobOutcome) JobOutcome {
	if o.Outcome == OutcomeSuccessApplied && o.ItemsProduced == 0 {
		o.Outcome = OutcomeSuccessNoChange
		if o.NoChangeCode == "" {
			o.NoChangeCode = NoChangeCoerced
		}
		if o.Detail == "" {
			o.Detail = "SUCCESS_APPLIED with zero items coerced"
		}
	}
	if o.Outcome == OutcomeSuccessNoChange && o.ItemsProduced > 0 {
		o.Outcome = OutcomeSuccessApplied
		o.NoChangeCode = ""
	}
	return o
}
