package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/astraltide/lumina-backend/internal/billing"
	"github.com/astraltide/lumina-backend/internal/ledger"
	"github.com/astraltide/lumina-backend/internal/plans"
	"github.com/astraltide/lumina-backend/internal/users"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/enums"
	"github.com/astraltide/lumina-backend/pkg/logger"
	"github.com/astraltide/lumina-backend/pkg/pagination"
)

type stubBillingRepo struct {
	subs    map[uuid.UUID]*models.Subscription
	deleted []uuid.UUID
	created []*models.Subscription
}

func newStubBillingRepo() *stubBillingRepo {
	return &stubBillingRepo{subs: map[uuid.UUID]*models.Subscription{}}
}

func (s *stubBillingRepo) WithTx(tx *gorm.DB) billing.Repository { return s }

func (s *stubBillingRepo) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	s.subs[sub.ID] = sub
	s.created = append(s.created, sub)
	return nil
}

func (s *stubBillingRepo) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	s.subs[sub.ID] = sub
	return nil
}

func (s *stubBillingRepo) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	delete(s.subs, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubBillingRepo) FindOccupyingSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	for _, sub := range s.subs {
		if sub.UserID == userID && !sub.Status.IsTerminal() {
			return sub, nil
		}
	}
	return nil, nil
}

func (s *stubBillingRepo) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	for _, sub := range s.subs {
		if sub.StripeSubscriptionID == stripeSubscriptionID {
			return sub, nil
		}
	}
	return nil, nil
}

func (s *stubBillingRepo) FindLatestSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListSubscriptionsByUser(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListSubscriptionsForReconciliation(ctx context.Context, limit int, lookback time.Duration) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) CreateIntent(ctx context.Context, intent *models.BillingIntent) error {
	return nil
}

func (s *stubBillingRepo) UpdateIntent(ctx context.Context, intent *models.BillingIntent) error {
	return nil
}

func (s *stubBillingRepo) ListStaleIntents(ctx context.Context, grace time.Duration, limit int) ([]models.BillingIntent, error) {
	return nil, nil
}

type stubBillingService struct {
	rolledOver []*models.Subscription
}

func (s *stubBillingService) PurchasePlan(ctx context.Context, userID uuid.UUID, input billing.PurchaseInput) (*billing.CheckoutResult, error) {
	return nil, nil
}

func (s *stubBillingService) RebuyPlan(ctx context.Context, userID uuid.UUID, input billing.RebuyInput) (*models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingService) ChangePlan(ctx context.Context, userID uuid.UUID, input billing.ChangePlanInput) (*models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingService) RolloverSubscription(ctx context.Context, old *models.Subscription) (*models.Subscription, error) {
	s.rolledOver = append(s.rolledOver, old)
	return &models.Subscription{ID: uuid.New(), UserID: old.UserID}, nil
}

func (s *stubBillingService) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*billing.SubscriptionView, error) {
	return nil, nil
}

func (s *stubBillingService) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingService) CreateCardSetupIntent(ctx context.Context, userID uuid.UUID) (*billing.CardSetupIntent, error) {
	return nil, nil
}

type stubLedgerService struct {
	recorded []ledger.RecordTransactionInput
}

func (s *stubLedgerService) RecordTransaction(ctx context.Context, input ledger.RecordTransactionInput) (*models.Transaction, error) {
	s.recorded = append(s.recorded, input)
	return &models.Transaction{ID: uuid.New()}, nil
}

func (s *stubLedgerService) ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*ledger.TransactionPage, error) {
	return &ledger.TransactionPage{}, nil
}

func (s *stubLedgerService) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.Transaction, error) {
	return nil, nil
}

type stubPlanRepo struct {
	plans map[uuid.UUID]*models.Plan
}

func (s *stubPlanRepo) WithTx(tx *gorm.DB) plans.Repository                 { return s }
func (s *stubPlanRepo) Create(ctx context.Context, plan *models.Plan) error { return nil }
func (s *stubPlanRepo) Update(ctx context.Context, plan *models.Plan) error { return nil }
func (s *stubPlanRepo) List(ctx context.Context, q plans.ListQuery) ([]models.Plan, error) {
	return nil, nil
}
func (s *stubPlanRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return s.plans[id], nil
}
func (s *stubPlanRepo) FindBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	return nil, nil
}

type stubUserRepo struct {
	users map[uuid.UUID]*models.User
}

func (s *stubUserRepo) WithTx(tx *gorm.DB) users.Repository { return s }
func (s *stubUserRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.users[id], nil
}
func (s *stubUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return nil, nil
}
func (s *stubUserRepo) FindByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	for _, user := range s.users {
		if user.StripeCustomerID != nil && *user.StripeCustomerID == customerID {
			return user, nil
		}
	}
	return nil, nil
}
func (s *stubUserRepo) Update(ctx context.Context, user *models.User) error { return nil }
func (s *stubUserRepo) SetStripeCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error {
	return nil
}
func (s *stubUserRepo) SetBillingFlags(ctx context.Context, userID uuid.UUID, hasUsedTrial, isCardSetupComplete bool) error {
	if user, ok := s.users[userID]; ok {
		user.HasUsedTrial = hasUsedTrial
		user.IsCardSetupComplete = isCardSetupComplete
	}
	return nil
}
func (s *stubUserRepo) FindProfileByUserID(ctx context.Context, userID uuid.UUID) (*models.UserProfile, error) {
	return nil, nil
}
func (s *stubUserRepo) UpsertProfile(ctx context.Context, profile *models.UserProfile) error {
	return nil
}

type stubGateway struct {
	fetched       *stripe.Subscription
	paymentIntent *stripe.PaymentIntent
	updates       map[string]*stripe.SubscriptionParams
	cancels       []string
	detached      []string
}

func newStubGateway() *stubGateway {
	return &stubGateway{updates: map[string]*stripe.SubscriptionParams{}}
}

func (s *stubGateway) CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return nil, nil
}

func (s *stubGateway) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.updates[id] = params
	return &stripe.Subscription{
		ID:                id,
		Status:            stripe.SubscriptionStatusTrialing,
		CancelAtPeriodEnd: true,
	}, nil
}

func (s *stubGateway) CancelSubscription(ctx context.Context, id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	s.cancels = append(s.cancels, id)
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled, CanceledAt: 1767312000}, nil
}

func (s *stubGateway) GetSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return s.fetched, nil
}

func (s *stubGateway) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	return nil, nil
}

func (s *stubGateway) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return nil, nil
}

func (s *stubGateway) GetPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.paymentIntent, nil
}

func (s *stubGateway) DetachPaymentMethod(ctx context.Context, id string) (*stripe.PaymentMethod, error) {
	s.detached = append(s.detached, id)
	return &stripe.PaymentMethod{ID: id}, nil
}

func (s *stubGateway) CreateSetupIntent(ctx context.Context, params *stripe.SetupIntentParams) (*stripe.SetupIntent, error) {
	return nil, nil
}

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fixture struct {
	svc        *Service
	repo       *stubBillingRepo
	billingSvc *stubBillingService
	ledgerSvc  *stubLedgerService
	gateway    *stubGateway
	userRepo   *stubUserRepo
	userID     uuid.UUID
	planID     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	userID := uuid.New()
	planID := uuid.New()
	customerID := "cus_test"

	repo := newStubBillingRepo()
	billingSvc := &stubBillingService{}
	ledgerSvc := &stubLedgerService{}
	gateway := newStubGateway()
	userRepo := &stubUserRepo{users: map[uuid.UUID]*models.User{
		userID: {ID: userID, Email: "astra@example.com", IsActive: true, StripeCustomerID: &customerID},
	}}
	planRepo := &stubPlanRepo{plans: map[uuid.UUID]*models.Plan{
		planID: {ID: planID, Slug: "cosmic-plus", Status: enums.PlanStatusActive},
	}}

	svc, err := NewService(ServiceParams{
		BillingRepo:       repo,
		BillingService:    billingSvc,
		LedgerService:     ledgerSvc,
		PlanRepo:          planRepo,
		UserRepo:          userRepo,
		Gateway:           gateway,
		TransactionRunner: stubTxRunner{},
		Logger:            logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{
		svc:        svc,
		repo:       repo,
		billingSvc: billingSvc,
		ledgerSvc:  ledgerSvc,
		gateway:    gateway,
		userRepo:   userRepo,
		userID:     userID,
		planID:     planID,
	}
}

func subscriptionEvent(t *testing.T, eventType stripe.EventType, raw string) *stripe.Event {
	t.Helper()
	return &stripe.Event{
		ID:      "evt_" + uuid.NewString()[:8],
		Type:    eventType,
		Created: 1767225600,
		Data:    &stripe.EventData{Raw: json.RawMessage(raw)},
	}
}

func TestHandleEvent_SubscriptionUpdatedSyncsStoredRecord(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	f.repo.subs[subID] = &models.Subscription{
		ID:                   subID,
		UserID:               f.userID,
		PlanID:               f.planID,
		StripeSubscriptionID: "sub_live",
		Status:               enums.SubscriptionStatusTrialing,
	}

	raw := `{
		"id": "sub_live",
		"status": "active",
		"customer": "cus_test",
		"items": {"data": [{"current_period_start": 1767225600, "current_period_end": 1769904000}]}
	}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeCustomerSubscriptionUpdated, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	stored := f.repo.subs[subID]
	if stored.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected active, got %s", stored.Status)
	}
	if stored.CurrentPeriodEnd == nil || stored.CurrentPeriodEnd.Unix() != 1769904000 {
		t.Fatal("period end not synced from subscription object")
	}
}

func TestHandleEvent_SubscriptionCreatedBuildsFromMetadata(t *testing.T) {
	f := newFixture(t)

	raw := fmt.Sprintf(`{
		"id": "sub_new",
		"status": "active",
		"currency": "inr",
		"customer": "cus_test",
		"metadata": {"user_id": %q, "plan_id": %q}
	}`, f.userID, f.planID)
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeCustomerSubscriptionCreated, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	if len(f.repo.created) != 1 {
		t.Fatal("expected subscription created")
	}
	created := f.repo.created[0]
	if created.UserID != f.userID || created.PlanID != f.planID {
		t.Fatalf("owner not resolved from metadata: %+v", created)
	}
}

func TestHandleEvent_SubscriptionDeletedDetachesCard(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	f.repo.subs[subID] = &models.Subscription{
		ID:                   subID,
		UserID:               f.userID,
		PlanID:               f.planID,
		StripeSubscriptionID: "sub_live",
		Status:               enums.SubscriptionStatusCanceling,
	}

	raw := `{
		"id": "sub_live",
		"status": "canceled",
		"canceled_at": 1767312000,
		"default_payment_method": "pm_stored"
	}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeCustomerSubscriptionDeleted, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	stored := f.repo.subs[subID]
	if stored.Status != enums.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled, got %s", stored.Status)
	}
	if stored.CurrentPeriodStart != nil || stored.CurrentPeriodEnd != nil {
		t.Fatal("period fields must be cleared on deletion")
	}
	if len(f.gateway.detached) != 1 || f.gateway.detached[0] != "pm_stored" {
		t.Fatal("payment method must be detached when nothing rolls over")
	}
	if len(f.billingSvc.rolledOver) != 0 {
		t.Fatal("no rollover was scheduled")
	}
}

func TestHandleEvent_SubscriptionDeletedRollsOverNextPlan(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	next := f.planID
	f.repo.subs[subID] = &models.Subscription{
		ID:                   subID,
		UserID:               f.userID,
		PlanID:               uuid.New(),
		NextPlanID:           &next,
		StripeSubscriptionID: "sub_live",
		Status:               enums.SubscriptionStatusCanceling,
	}

	raw := `{"id": "sub_live", "status": "canceled", "canceled_at": 1767312000}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeCustomerSubscriptionDeleted, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	if len(f.billingSvc.rolledOver) != 1 {
		t.Fatal("expected rollover into the scheduled plan")
	}
	rolled := f.billingSvc.rolledOver[0]
	if rolled.Status != enums.SubscriptionStatusCanceled {
		t.Fatalf("rollover must receive the canceled record, got %s", rolled.Status)
	}
	if rolled.NextPlanID == nil || *rolled.NextPlanID != next {
		t.Fatal("rollover must receive the scheduled plan")
	}
	if len(f.gateway.detached) != 0 {
		t.Fatal("card must stay attached for the replacement subscription")
	}
}

func TestHandleEvent_TrialWillEndWithoutCardSchedulesCancel(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	f.repo.subs[subID] = &models.Subscription{
		ID:                   subID,
		UserID:               f.userID,
		PlanID:               f.planID,
		StripeSubscriptionID: "sub_trial",
		Status:               enums.SubscriptionStatusTrialing,
		IsTrial:              true,
	}

	raw := `{"id": "sub_trial", "status": "trialing"}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeCustomerSubscriptionTrialWillEnd, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	params := f.gateway.updates["sub_trial"]
	if params == nil || params.CancelAtPeriodEnd == nil || !*params.CancelAtPeriodEnd {
		t.Fatal("trial without card must be scheduled to cancel")
	}
	if !f.repo.subs[subID].CancelAtPeriodEnd {
		t.Fatal("local record must reflect the scheduled cancel")
	}
	if got := f.repo.subs[subID].CancellationReason; got == nil || *got != "trialPaymentMethodMissing" {
		t.Fatal("cancellation reason must record the missing payment method")
	}
}

func TestHandleEvent_TrialWillEndWithCardIsNoop(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	f.repo.subs[subID] = &models.Subscription{
		ID:                   subID,
		UserID:               f.userID,
		StripeSubscriptionID: "sub_trial",
		Status:               enums.SubscriptionStatusTrialing,
	}

	raw := `{"id": "sub_trial", "status": "trialing", "default_payment_method": "pm_1"}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeCustomerSubscriptionTrialWillEnd, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}
	if len(f.gateway.updates) != 0 {
		t.Fatal("trial with card on file must not be touched")
	}
}

func TestHandleEvent_PaymentSucceededAppendsLedgerRow(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	periodEnd := time.Unix(1769904000, 0).UTC()
	f.repo.subs[subID] = &models.Subscription{
		ID:                   subID,
		UserID:               f.userID,
		PlanID:               f.planID,
		StripeSubscriptionID: "sub_live",
		Status:               enums.SubscriptionStatusActive,
		Currency:             enums.CurrencyINR,
		CurrentPeriodEnd:     &periodEnd,
	}
	f.gateway.paymentIntent = &stripe.PaymentIntent{
		ID: "pi_1",
		LatestCharge: &stripe.Charge{
			PaymentMethodDetails: &stripe.ChargePaymentMethodDetails{
				Card: &stripe.ChargePaymentMethodDetailsCard{Brand: "visa", Last4: "4242"},
			},
		},
	}

	raw := `{
		"id": "in_1",
		"subscription": "sub_live",
		"payment_intent": "pi_1",
		"amount_paid": 49900,
		"currency": "inr",
		"billing_reason": "subscription_cycle",
		"status_transitions": {"paid_at": 1767226000}
	}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeInvoicePaymentSucceeded, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	if len(f.ledgerSvc.recorded) != 1 {
		t.Fatal("expected one ledger row")
	}
	row := f.ledgerSvc.recorded[0]
	if row.Status != enums.TransactionStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", row.Status)
	}
	if !row.Amount.Equal(models.AmountFromMinor(49900)) {
		t.Fatalf("amount mismatch: %s", row.Amount)
	}
	if row.CardBrand == nil || *row.CardBrand != "visa" || row.CardLast4 == nil || *row.CardLast4 != "4242" {
		t.Fatal("card details missing")
	}
	if row.OccurredAt.Unix() != 1767226000 {
		t.Fatalf("occurred at must come from paid_at, got %v", row.OccurredAt)
	}

	// Invoice events never touch period fields.
	if got := f.repo.subs[subID].CurrentPeriodEnd; got == nil || !got.Equal(periodEnd) {
		t.Fatal("period fields must not be rewritten by invoice events")
	}
}

func TestHandleEvent_PaymentFailedMarksPastDue(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	f.repo.subs[subID] = &models.Subscription{
		ID:                   subID,
		UserID:               f.userID,
		PlanID:               f.planID,
		StripeSubscriptionID: "sub_live",
		Status:               enums.SubscriptionStatusActive,
		Currency:             enums.CurrencyINR,
	}
	f.gateway.paymentIntent = &stripe.PaymentIntent{
		ID: "pi_1",
		LatestCharge: &stripe.Charge{
			FailureCode:    "card_declined",
			FailureMessage: "Your card was declined.",
		},
	}

	raw := `{"id": "in_2", "subscription": "sub_live", "payment_intent": "pi_1", "amount_due": 49900, "currency": "inr"}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeInvoicePaymentFailed, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	if f.repo.subs[subID].Status != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %s", f.repo.subs[subID].Status)
	}
	if len(f.ledgerSvc.recorded) != 1 {
		t.Fatal("expected one failed ledger row")
	}
	row := f.ledgerSvc.recorded[0]
	if row.Status != enums.TransactionStatusFailed {
		t.Fatalf("expected failed, got %s", row.Status)
	}
	if row.FailureCode == nil || *row.FailureCode != "card_declined" {
		t.Fatal("failure detail missing")
	}
	if len(f.gateway.cancels) != 0 {
		t.Fatal("an established subscription must not be canceled on one failure")
	}
}

func TestHandleEvent_PaymentFailedOnActiveConvertedTrialStaysPastDue(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	trialEnd := time.Now().UTC().Add(-90 * 24 * time.Hour)
	// A stale trial flag on an active subscription: the trial converted long
	// ago, so a renewal failure must never cancel it.
	f.repo.subs[subID] = &models.Subscription{
		ID:                   subID,
		UserID:               f.userID,
		PlanID:               f.planID,
		StripeSubscriptionID: "sub_live",
		Status:               enums.SubscriptionStatusActive,
		IsTrial:              true,
		TrialEndsAt:          &trialEnd,
		Currency:             enums.CurrencyINR,
	}

	raw := `{"id": "in_4", "subscription": "sub_live", "amount_due": 49900, "currency": "inr", "billing_reason": "subscription_cycle"}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeInvoicePaymentFailed, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	if len(f.gateway.cancels) != 0 {
		t.Fatal("renewal failure on an active subscription must not cancel at the gateway")
	}
	if f.repo.subs[subID].Status != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %s", f.repo.subs[subID].Status)
	}
}

func TestHandleEvent_PaymentFailedPastTrialEndCancels(t *testing.T) {
	f := newFixture(t)
	subID := uuid.New()
	trialEnd := time.Now().UTC().Add(-time.Hour)
	f.repo.subs[subID] = &models.Subscription{
		ID:                   subID,
		UserID:               f.userID,
		PlanID:               f.planID,
		StripeSubscriptionID: "sub_trial",
		Status:               enums.SubscriptionStatusPastDue,
		IsTrial:              true,
		TrialEndsAt:          &trialEnd,
		Currency:             enums.CurrencyINR,
	}

	raw := `{"id": "in_3", "subscription": "sub_trial", "amount_due": 49900, "currency": "inr"}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeInvoicePaymentFailed, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	if len(f.gateway.cancels) != 1 || f.gateway.cancels[0] != "sub_trial" {
		t.Fatal("unconverted trial must be canceled at the gateway")
	}
	if f.repo.subs[subID].Status != enums.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled, got %s", f.repo.subs[subID].Status)
	}
	if got := f.repo.subs[subID].CancellationReason; got == nil || *got != "trialConversionFailed" {
		t.Fatal("cancellation reason must record the failed conversion")
	}
	if len(f.ledgerSvc.recorded) != 1 || f.ledgerSvc.recorded[0].Status != enums.TransactionStatusFailed {
		t.Fatal("failed ledger row missing")
	}
}

func TestHandleEvent_CheckoutCompletedReplacesLocalRecord(t *testing.T) {
	f := newFixture(t)
	priorID := uuid.New()
	f.repo.subs[priorID] = &models.Subscription{
		ID:                   priorID,
		UserID:               f.userID,
		PlanID:               f.planID,
		StripeSubscriptionID: "sub_old",
		Status:               enums.SubscriptionStatusTrialing,
	}
	f.gateway.fetched = &stripe.Subscription{
		ID:       "sub_checkout",
		Status:   stripe.SubscriptionStatusActive,
		Currency: "inr",
		Customer: &stripe.Customer{ID: "cus_test"},
		Metadata: map[string]string{
			billing.MetadataUserIDKey: f.userID.String(),
			billing.MetadataPlanIDKey: f.planID.String(),
		},
	}

	raw := `{"id": "cs_1", "customer": "cus_test", "subscription": "sub_checkout"}`
	err := f.svc.HandleEvent(context.Background(), subscriptionEvent(t, stripe.EventTypeCheckoutSessionCompleted, raw))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}

	if len(f.repo.deleted) != 1 || f.repo.deleted[0] != priorID {
		t.Fatal("prior local record must be removed")
	}
	if len(f.repo.created) != 1 || f.repo.created[0].StripeSubscriptionID != "sub_checkout" {
		t.Fatal("fresh snapshot not inserted")
	}
}

func TestHandleEvent_UnknownTypeSkipped(t *testing.T) {
	f := newFixture(t)
	event := subscriptionEvent(t, "customer.created", `{}`)
	if err := f.svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown event type must be skipped, got %v", err)
	}
}
