package model

import "fmt"

// ruleTransitions is the allowed status DAG:
// DRAFT -> APPROVED | REJECTED, APPROVED -> PUBLISHED,
// PUBLISHED -> DEPRECATED. The controlled reversal PUBLISHED -> APPROVED is
// only legal under a rollback bypass.
var ruleTransitions = map[RuleStatus][]RuleStatus{
	RuleDraft:     {RuleApproved, RuleRejected},
	RuleApproved:  {RulePublished},
	RulePublished: {RuleDeprecated},
}

// ErrIllegalTransition wraps a rejected rule status transition.
type ErrIllegalTransition struct {
	From, To RuleStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal rule transition %s -> %s", e.From, e.To)
}

// ValidateRuleTransition checks a status change against the DAG.
// withBypass permits the single rollback reversal PUBLISHED -> APPROVED and
// nothing else beyond the normal graph.
func ValidateRuleTransition(from, to RuleStatus, withBypass bool) error {
	if withBypass && from == RulePublished && to == RuleApproved {
		return nil
	}
	for _, allowed := range ruleTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &ErrIllegalTransition{From: from, To: to}
}
