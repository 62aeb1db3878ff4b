package enums

import "fmt"

// PlanChangeType selects which mutation a plan-change request performs.
type PlanChangeType string

const (
	PlanChangeTypeUpgrade            PlanChangeType = "upgrade"
	PlanChangeTypeCancelSubscription PlanChangeType = "cancelSubscription"
	PlanChangeTypeCancelTrial        PlanChangeType = "cancelTrial"
)

var validPlanChangeTypes = []PlanChangeType{
	PlanChangeTypeUpgrade,
	PlanChangeTypeCancelSubscription,
	PlanChangeTypeCancelTrial,
}

// String implements fmt.Stringer.
func (p PlanChangeType) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PlanChangeType) IsValid() bool {
	for _, candidate := range validPlanChangeTypes {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePlanChangeType converts raw input into a PlanChangeType.
func ParsePlanChangeType(value string) (PlanChangeType, error) {
	for _, candidate := range validPlanChangeTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan change type %q", value)
}
