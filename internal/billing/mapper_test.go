package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/astraltide/lumina-backend/pkg/enums"
)

func stripeSubFixture(status stripe.SubscriptionStatus) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       "sub_123",
		Status:   status,
		Customer: &stripe.Customer{ID: "cus_123"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					CurrentPeriodStart: 1767225600,
					CurrentPeriodEnd:   1769904000,
					Price:              &stripe.Price{ID: "price_123"},
				},
			},
		},
	}
}

func TestBuildSubscriptionFromStripe(t *testing.T) {
	userID := uuid.New()
	planID := uuid.New()

	sub, err := BuildSubscriptionFromStripe(stripeSubFixture(stripe.SubscriptionStatusActive), userID, planID, enums.CurrencyINR, 49900)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sub.UserID != userID || sub.PlanID != planID {
		t.Fatal("ids not mapped")
	}
	if sub.StripeSubscriptionID != "sub_123" || sub.StripeCustomerID != "cus_123" {
		t.Fatal("gateway ids not mapped")
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("unexpected status %s", sub.Status)
	}
	if sub.IsTrial {
		t.Fatal("active subscription should not be flagged trial")
	}
	if sub.CurrentPeriodStart == nil || !sub.CurrentPeriodStart.Equal(time.Unix(1767225600, 0).UTC()) {
		t.Fatalf("period start not mapped: %v", sub.CurrentPeriodStart)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(time.Unix(1769904000, 0).UTC()) {
		t.Fatalf("period end not mapped: %v", sub.CurrentPeriodEnd)
	}
	if sub.AmountMinor != 49900 || sub.Currency != enums.CurrencyINR {
		t.Fatal("amount not mapped")
	}
}

func TestBuildSubscriptionFromStripe_TrialSetsFlag(t *testing.T) {
	fixture := stripeSubFixture(stripe.SubscriptionStatusTrialing)
	fixture.TrialEnd = 1767830400

	sub, err := BuildSubscriptionFromStripe(fixture, uuid.New(), uuid.New(), enums.CurrencyUSD, 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sub.IsTrial {
		t.Fatal("trialing subscription should be flagged trial")
	}
	if sub.TrialEndsAt == nil || sub.TrialEndsAt.Unix() != 1767830400 {
		t.Fatalf("trial end not mapped: %v", sub.TrialEndsAt)
	}
}

func TestMapStripeStatus_CancelAtPeriodEndBecomesCanceling(t *testing.T) {
	fixture := stripeSubFixture(stripe.SubscriptionStatusActive)
	fixture.CancelAtPeriodEnd = true

	status, err := mapStripeStatus(fixture)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != enums.SubscriptionStatusCanceling {
		t.Fatalf("expected canceling, got %s", status)
	}

	// A past_due subscription keeps its gateway status even when flagged.
	fixture.Status = stripe.SubscriptionStatusPastDue
	status, err = mapStripeStatus(fixture)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %s", status)
	}
}

func TestApplyStripeSubscription_OverwritesPeriodAndStatus(t *testing.T) {
	userID := uuid.New()
	planID := uuid.New()
	stored, err := BuildSubscriptionFromStripe(stripeSubFixture(stripe.SubscriptionStatusTrialing), userID, planID, enums.CurrencyINR, 49900)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fresh := stripeSubFixture(stripe.SubscriptionStatusActive)
	fresh.Items.Data[0].CurrentPeriodStart = 1769904000
	fresh.Items.Data[0].CurrentPeriodEnd = 1772582400

	if err := ApplyStripeSubscription(stored, fresh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != enums.SubscriptionStatusActive {
		t.Fatalf("status not applied: %s", stored.Status)
	}
	if stored.CurrentPeriodStart.Unix() != 1769904000 || stored.CurrentPeriodEnd.Unix() != 1772582400 {
		t.Fatal("period not applied")
	}
	if stored.UserID != userID || stored.PlanID != planID {
		t.Fatal("local ids must not change")
	}
}

func TestApplyStripeSubscription_TrialFlagTracksGatewayStatus(t *testing.T) {
	stored, err := BuildSubscriptionFromStripe(stripeSubFixture(stripe.SubscriptionStatusTrialing), uuid.New(), uuid.New(), enums.CurrencyUSD, 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stored.IsTrial {
		t.Fatal("trialing subscription should be flagged trial")
	}

	// Conversion to a paid subscription clears the trial flag.
	if err := ApplyStripeSubscription(stored, stripeSubFixture(stripe.SubscriptionStatusActive)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.IsTrial {
		t.Fatal("converted subscription must not stay flagged trial")
	}

	// A later lapse does not resurrect nor erase the (cleared) flag.
	if err := ApplyStripeSubscription(stored, stripeSubFixture(stripe.SubscriptionStatusPastDue)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.IsTrial {
		t.Fatal("past_due on a converted subscription must not set the trial flag")
	}

	// A trial that lapses without converting keeps the flag so the
	// payment-failure path can tell it apart from a paid renewal.
	trial, err := BuildSubscriptionFromStripe(stripeSubFixture(stripe.SubscriptionStatusTrialing), uuid.New(), uuid.New(), enums.CurrencyUSD, 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ApplyStripeSubscription(trial, stripeSubFixture(stripe.SubscriptionStatusPastDue)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !trial.IsTrial {
		t.Fatal("unconverted trial must keep the trial flag")
	}
}

func TestUserIDFromMetadata(t *testing.T) {
	id := uuid.New()
	got, err := UserIDFromMetadata(map[string]string{MetadataUserIDKey: id.String()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}

	if _, err := UserIDFromMetadata(map[string]string{}); err == nil {
		t.Fatal("expected error for missing metadata")
	}
	if _, err := UserIDFromMetadata(map[string]string{MetadataUserIDKey: "nope"}); err == nil {
		t.Fatal("expected error for invalid uuid")
	}
}

func TestPriceIDFromItems(t *testing.T) {
	if got := PriceIDFromItems(stripeSubFixture(stripe.SubscriptionStatusActive)); got != "price_123" {
		t.Fatalf("expected price_123, got %q", got)
	}
	if got := PriceIDFromItems(&stripe.Subscription{}); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
