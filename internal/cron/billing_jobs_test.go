package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/astraltide/lumina-backend/internal/billing"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/enums"
	"github.com/astraltide/lumina-backend/pkg/logger"
)

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubBillingRepo struct {
	reconcilable   []models.Subscription
	staleIntents   []models.BillingIntent
	subsByStripeID map[string]*models.Subscription
	updatedSubs    []*models.Subscription
	updatedIntents []*models.BillingIntent
}

func newStubBillingRepo() *stubBillingRepo {
	return &stubBillingRepo{subsByStripeID: map[string]*models.Subscription{}}
}

func (s *stubBillingRepo) WithTx(tx *gorm.DB) billing.Repository { return s }

func (s *stubBillingRepo) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return nil
}

func (s *stubBillingRepo) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	s.updatedSubs = append(s.updatedSubs, sub)
	return nil
}

func (s *stubBillingRepo) DeleteSubscription(ctx context.Context, id uuid.UUID) error { return nil }

func (s *stubBillingRepo) FindOccupyingSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	return s.subsByStripeID[stripeSubscriptionID], nil
}

func (s *stubBillingRepo) FindLatestSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListSubscriptionsByUser(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListSubscriptionsForReconciliation(ctx context.Context, limit int, lookback time.Duration) ([]models.Subscription, error) {
	return s.reconcilable, nil
}

func (s *stubBillingRepo) CreateIntent(ctx context.Context, intent *models.BillingIntent) error {
	return nil
}

func (s *stubBillingRepo) UpdateIntent(ctx context.Context, intent *models.BillingIntent) error {
	s.updatedIntents = append(s.updatedIntents, intent)
	return nil
}

func (s *stubBillingRepo) ListStaleIntents(ctx context.Context, grace time.Duration, limit int) ([]models.BillingIntent, error) {
	return s.staleIntents, nil
}

type stubGateway struct {
	subs     map[string]*stripe.Subscription
	getErr   map[string]error
	failures map[string]int
	cancels  []string
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		subs:     map[string]*stripe.Subscription{},
		getErr:   map[string]error{},
		failures: map[string]int{},
	}
}

func (s *stubGateway) CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return nil, nil
}

func (s *stubGateway) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return nil, nil
}

func (s *stubGateway) CancelSubscription(ctx context.Context, id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	s.cancels = append(s.cancels, id)
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled}, nil
}

func (s *stubGateway) GetSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if n := s.failures[id]; n > 0 {
		s.failures[id] = n - 1
		return nil, errors.New("gateway hiccup")
	}
	if err := s.getErr[id]; err != nil {
		return nil, err
	}
	return s.subs[id], nil
}

func (s *stubGateway) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	return nil, nil
}

func (s *stubGateway) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return nil, nil
}

func (s *stubGateway) GetPaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return nil, nil
}

func (s *stubGateway) DetachPaymentMethod(ctx context.Context, id string) (*stripe.PaymentMethod, error) {
	return nil, nil
}

func (s *stubGateway) CreateSetupIntent(ctx context.Context, params *stripe.SetupIntentParams) (*stripe.SetupIntent, error) {
	return nil, nil
}

func testJobLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func TestSubscriptionReconcileJob_SyncsGatewayState(t *testing.T) {
	repo := newStubBillingRepo()
	gateway := newStubGateway()

	subID := uuid.New()
	local := &models.Subscription{
		ID:                   subID,
		UserID:               uuid.New(),
		StripeSubscriptionID: "sub_live",
		Status:               enums.SubscriptionStatusActive,
	}
	repo.reconcilable = []models.Subscription{*local}
	repo.subsByStripeID["sub_live"] = local
	gateway.subs["sub_live"] = &stripe.Subscription{
		ID:     "sub_live",
		Status: stripe.SubscriptionStatusPastDue,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{CurrentPeriodStart: 1767225600, CurrentPeriodEnd: 1769904000},
			},
		},
	}
	// First read fails, the retry succeeds.
	gateway.failures["sub_live"] = 1

	job, err := NewSubscriptionReconcileJob(SubscriptionReconcileJobParams{
		Logger:      testJobLogger(),
		DB:          stubTxRunner{},
		BillingRepo: repo,
		Gateway:     gateway,
	})
	if err != nil {
		t.Fatalf("NewSubscriptionReconcileJob: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(repo.updatedSubs) != 1 {
		t.Fatal("expected one subscription update")
	}
	updated := repo.updatedSubs[0]
	if updated.Status != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due after sync, got %s", updated.Status)
	}
	if updated.CurrentPeriodEnd == nil || updated.CurrentPeriodEnd.Unix() != 1769904000 {
		t.Fatal("period end not synced")
	}
}

func TestSubscriptionReconcileJob_SkipsMissingGatewaySub(t *testing.T) {
	repo := newStubBillingRepo()
	gateway := newStubGateway()

	repo.reconcilable = []models.Subscription{{
		ID:                   uuid.New(),
		StripeSubscriptionID: "sub_gone",
		Status:               enums.SubscriptionStatusActive,
	}}
	gateway.getErr["sub_gone"] = &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404}

	job, _ := NewSubscriptionReconcileJob(SubscriptionReconcileJobParams{
		Logger:      testJobLogger(),
		DB:          stubTxRunner{},
		BillingRepo: repo,
		Gateway:     gateway,
	})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("missing gateway subscription must not fail the sweep: %v", err)
	}
	if len(repo.updatedSubs) != 0 {
		t.Fatal("nothing should be updated")
	}
}

func TestBillingIntentSweep_CommitsWhenLocalRecordExists(t *testing.T) {
	repo := newStubBillingRepo()
	gateway := newStubGateway()

	stripeSubID := "sub_landed"
	repo.staleIntents = []models.BillingIntent{{
		ID:                   uuid.New(),
		UserID:               uuid.New(),
		Kind:                 enums.BillingIntentKindPurchase,
		Status:               enums.BillingIntentStatusPending,
		StripeSubscriptionID: &stripeSubID,
	}}
	repo.subsByStripeID[stripeSubID] = &models.Subscription{ID: uuid.New()}

	job, err := NewBillingIntentSweepJob(BillingIntentSweepJobParams{
		Logger:      testJobLogger(),
		DB:          stubTxRunner{},
		BillingRepo: repo,
		Gateway:     gateway,
	})
	if err != nil {
		t.Fatalf("NewBillingIntentSweepJob: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(repo.updatedIntents) != 1 {
		t.Fatal("expected one intent resolution")
	}
	if repo.updatedIntents[0].Status != enums.BillingIntentStatusCommitted {
		t.Fatalf("expected committed, got %s", repo.updatedIntents[0].Status)
	}
	if len(gateway.cancels) != 0 {
		t.Fatal("a landed subscription must not be canceled")
	}
}

func TestBillingIntentSweep_CancelsOrphanedGatewaySub(t *testing.T) {
	repo := newStubBillingRepo()
	gateway := newStubGateway()

	stripeSubID := "sub_orphan"
	repo.staleIntents = []models.BillingIntent{{
		ID:                   uuid.New(),
		UserID:               uuid.New(),
		Kind:                 enums.BillingIntentKindRebuy,
		Status:               enums.BillingIntentStatusPending,
		StripeSubscriptionID: &stripeSubID,
	}}
	gateway.subs[stripeSubID] = &stripe.Subscription{ID: stripeSubID, Status: stripe.SubscriptionStatusActive}

	job, _ := NewBillingIntentSweepJob(BillingIntentSweepJobParams{
		Logger:      testJobLogger(),
		DB:          stubTxRunner{},
		BillingRepo: repo,
		Gateway:     gateway,
	})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(gateway.cancels) != 1 || gateway.cancels[0] != stripeSubID {
		t.Fatal("orphaned gateway subscription must be canceled")
	}
	if repo.updatedIntents[0].Status != enums.BillingIntentStatusAborted {
		t.Fatalf("expected aborted, got %s", repo.updatedIntents[0].Status)
	}
}

func TestBillingIntentSweep_AbortsIntentWithoutGatewayCall(t *testing.T) {
	repo := newStubBillingRepo()
	gateway := newStubGateway()

	repo.staleIntents = []models.BillingIntent{{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Kind:   enums.BillingIntentKindPurchase,
		Status: enums.BillingIntentStatusPending,
	}}

	job, _ := NewBillingIntentSweepJob(BillingIntentSweepJobParams{
		Logger:      testJobLogger(),
		DB:          stubTxRunner{},
		BillingRepo: repo,
		Gateway:     gateway,
	})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if repo.updatedIntents[0].Status != enums.BillingIntentStatusAborted {
		t.Fatalf("expected aborted, got %s", repo.updatedIntents[0].Status)
	}
	if len(gateway.cancels) != 0 {
		t.Fatal("nothing to cancel when no gateway call was made")
	}
}
