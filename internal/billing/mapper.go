package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/enums"
	pkgerrors "github.com/astraltide/lumina-backend/pkg/errors"
)

// MetadataUserIDKey carries the local user id on every gateway subscription.
const MetadataUserIDKey = "user_id"

// MetadataPlanIDKey carries the local plan id on every gateway subscription.
const MetadataPlanIDKey = "plan_id"

// BuildSubscriptionFromStripe maps a gateway subscription into the canonical model.
func BuildSubscriptionFromStripe(stripeSub *stripe.Subscription, userID, planID uuid.UUID, currency enums.Currency, amountMinor int64) (*models.Subscription, error) {
	if stripeSub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeGateway, "gateway subscription is nil")
	}
	status, err := mapStripeStatus(stripeSub)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "invalid gateway subscription status")
	}

	customerID := ""
	if stripeSub.Customer != nil {
		customerID = stripeSub.Customer.ID
	}

	start, end := periodFromItems(stripeSub)
	return &models.Subscription{
		UserID:               userID,
		PlanID:               planID,
		StripeSubscriptionID: stripeSub.ID,
		StripeCustomerID:     customerID,
		Status:               status,
		Currency:             currency,
		AmountMinor:          amountMinor,
		PaymentMethodID:      paymentMethodIDFromSub(stripeSub),
		IsTrial:              stripeSub.Status == stripe.SubscriptionStatusTrialing,
		StartDate:            unixToTimePtr(stripeSub.StartDate),
		TrialStartsAt:        unixToTimePtr(stripeSub.TrialStart),
		TrialEndsAt:          unixToTimePtr(stripeSub.TrialEnd),
		CurrentPeriodStart:   start,
		CurrentPeriodEnd:     end,
		NextBillingDate:      end,
		CancelAtPeriodEnd:    stripeSub.CancelAtPeriodEnd,
		CanceledAt:           unixToTimePtr(stripeSub.CanceledAt),
	}, nil
}

// ApplyStripeSubscription mutates the stored subscription with fresh gateway
// data. The gateway subscription object is the sole source of truth for
// status and period fields.
func ApplyStripeSubscription(target *models.Subscription, stripeSub *stripe.Subscription) error {
	if target == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "target subscription is nil")
	}
	if stripeSub == nil {
		return pkgerrors.New(pkgerrors.CodeGateway, "gateway subscription is nil")
	}
	status, err := mapStripeStatus(stripeSub)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeGateway, err, "invalid gateway subscription status")
	}

	target.StripeSubscriptionID = stripeSub.ID
	if stripeSub.Customer != nil && stripeSub.Customer.ID != "" {
		target.StripeCustomerID = stripeSub.Customer.ID
	}
	target.Status = status
	// Trialing marks the trial, a successful transition to active means it
	// converted to paid. Other statuses keep whatever flag the record has so a
	// trial that fails to convert is still recognizable as one.
	switch stripeSub.Status {
	case stripe.SubscriptionStatusTrialing:
		target.IsTrial = true
	case stripe.SubscriptionStatusActive:
		target.IsTrial = false
	}
	if pm := paymentMethodIDFromSub(stripeSub); pm != nil {
		target.PaymentMethodID = pm
	}
	if start := unixToTimePtr(stripeSub.StartDate); start != nil {
		target.StartDate = start
	}
	target.TrialStartsAt = unixToTimePtr(stripeSub.TrialStart)
	target.TrialEndsAt = unixToTimePtr(stripeSub.TrialEnd)
	start, end := periodFromItems(stripeSub)
	target.CurrentPeriodStart = start
	target.CurrentPeriodEnd = end
	target.NextBillingDate = end
	target.CancelAtPeriodEnd = stripeSub.CancelAtPeriodEnd
	target.CanceledAt = unixToTimePtr(stripeSub.CanceledAt)
	return nil
}

// CancellationReasonFromStripe returns the gateway-reported cancellation
// reason, if the subscription carries one.
func CancellationReasonFromStripe(stripeSub *stripe.Subscription) *string {
	if stripeSub == nil || stripeSub.CancellationDetails == nil {
		return nil
	}
	if reason := string(stripeSub.CancellationDetails.Reason); reason != "" {
		return &reason
	}
	return nil
}

func paymentMethodIDFromSub(stripeSub *stripe.Subscription) *string {
	if stripeSub.DefaultPaymentMethod != nil && stripeSub.DefaultPaymentMethod.ID != "" {
		id := stripeSub.DefaultPaymentMethod.ID
		return &id
	}
	return nil
}

// mapStripeStatus converts the gateway status, folding cancel_at_period_end
// on a still-running subscription into the local "canceling" state.
func mapStripeStatus(stripeSub *stripe.Subscription) (enums.SubscriptionStatus, error) {
	status, err := enums.ParseSubscriptionStatus(string(stripeSub.Status))
	if err != nil {
		return "", err
	}
	if stripeSub.CancelAtPeriodEnd {
		switch status {
		case enums.SubscriptionStatusActive, enums.SubscriptionStatusTrialing:
			return enums.SubscriptionStatusCanceling, nil
		}
	}
	return status, nil
}

// periodFromItems reads the current period window off the first subscription
// item, where the gateway reports it.
func periodFromItems(stripeSub *stripe.Subscription) (*time.Time, *time.Time) {
	if stripeSub.Items == nil || len(stripeSub.Items.Data) == 0 {
		return nil, nil
	}
	item := stripeSub.Items.Data[0]
	return unixToTimePtr(item.CurrentPeriodStart), unixToTimePtr(item.CurrentPeriodEnd)
}

// PriceIDFromItems returns the gateway price attached to the subscription.
func PriceIDFromItems(stripeSub *stripe.Subscription) string {
	if stripeSub == nil || stripeSub.Items == nil || len(stripeSub.Items.Data) == 0 {
		return ""
	}
	if stripeSub.Items.Data[0].Price != nil {
		return stripeSub.Items.Data[0].Price.ID
	}
	return ""
}

// UserIDFromMetadata extracts the local user id attached to gateway metadata.
func UserIDFromMetadata(metadata map[string]string) (uuid.UUID, error) {
	raw, ok := metadata[MetadataUserIDKey]
	if !ok || strings.TrimSpace(raw) == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "user_id missing from metadata")
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user_id metadata")
	}
	return id, nil
}

// PlanIDFromMetadata extracts the local plan id attached to gateway metadata.
func PlanIDFromMetadata(metadata map[string]string) (uuid.UUID, error) {
	raw, ok := metadata[MetadataPlanIDKey]
	if !ok || strings.TrimSpace(raw) == "" {
		return uuid.Nil, fmt.Errorf("plan_id missing from metadata")
	}
	return uuid.Parse(strings.TrimSpace(raw))
}

func unixToTimePtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
