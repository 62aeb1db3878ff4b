package enums

import "fmt"

// BillingIntentKind names the gateway-side mutation an intent record covers.
type BillingIntentKind string

const (
	BillingIntentKindPurchase    BillingIntentKind = "purchase"
	BillingIntentKindRebuy       BillingIntentKind = "rebuy"
	BillingIntentKindTrialSwap   BillingIntentKind = "trial_swap"
	BillingIntentKindRollover    BillingIntentKind = "rollover"
	BillingIntentKindCancelation BillingIntentKind = "cancelation"
)

var validBillingIntentKinds = []BillingIntentKind{
	BillingIntentKindPurchase,
	BillingIntentKindRebuy,
	BillingIntentKindTrialSwap,
	BillingIntentKindRollover,
	BillingIntentKindCancelation,
}

// String implements fmt.Stringer.
func (k BillingIntentKind) String() string {
	return string(k)
}

// IsValid reports whether the value is known.
func (k BillingIntentKind) IsValid() bool {
	for _, candidate := range validBillingIntentKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseBillingIntentKind converts raw input into a BillingIntentKind.
func ParseBillingIntentKind(value string) (BillingIntentKind, error) {
	for _, candidate := range validBillingIntentKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid billing intent kind %q", value)
}

// BillingIntentStatus tracks an intent through the write-ahead lifecycle.
type BillingIntentStatus string

const (
	BillingIntentStatusPending   BillingIntentStatus = "pending"
	BillingIntentStatusCommitted BillingIntentStatus = "committed"
	BillingIntentStatusAborted   BillingIntentStatus = "aborted"
)

var validBillingIntentStatuses = []BillingIntentStatus{
	BillingIntentStatusPending,
	BillingIntentStatusCommitted,
	BillingIntentStatusAborted,
}

// String implements fmt.Stringer.
func (s BillingIntentStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s BillingIntentStatus) IsValid() bool {
	for _, candidate := range validBillingIntentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseBillingIntentStatus converts raw input into a BillingIntentStatus.
func ParseBillingIntentStatus(value string) (BillingIntentStatus, error) {
	for _, candidate := range validBillingIntentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid billing intent status %q", value)
}
