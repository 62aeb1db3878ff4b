package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/astraltide/lumina-backend/internal/plans"
	"github.com/astraltide/lumina-backend/internal/users"
	"github.com/astraltide/lumina-backend/pkg/db"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/enums"
	pkgerrors "github.com/astraltide/lumina-backend/pkg/errors"
	"github.com/astraltide/lumina-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines the subscription billing surface.
type Service interface {
	PurchasePlan(ctx context.Context, userID uuid.UUID, input PurchaseInput) (*CheckoutResult, error)
	RebuyPlan(ctx context.Context, userID uuid.UUID, input RebuyInput) (*models.Subscription, error)
	ChangePlan(ctx context.Context, userID uuid.UUID, input ChangePlanInput) (*models.Subscription, error)
	RolloverSubscription(ctx context.Context, old *models.Subscription) (*models.Subscription, error)
	CurrentSubscription(ctx context.Context, userID uuid.UUID) (*SubscriptionView, error)
	ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error)
	CreateCardSetupIntent(ctx context.Context, userID uuid.UUID) (*CardSetupIntent, error)
}

// ServiceParams groups dependencies for the billing service.
type ServiceParams struct {
	Repo              Repository
	PlanRepo          plans.Repository
	UserRepo          users.Repository
	Gateway           GatewayClient
	TransactionRunner txRunner
	Logger            *logger.Logger
}

// PurchaseInput captures the data required to start a subscription.
// UseFreeTrial is an explicit request; a trial is never granted without it.
type PurchaseInput struct {
	PlanID          uuid.UUID
	Currency        enums.Currency
	PaymentMethodID string
	UseFreeTrial    bool
}

// CheckoutResult is the purchase response: the fresh subscription snapshot
// plus the buyer and their birth profile, so the client renders the billing
// screen in one round trip.
type CheckoutResult struct {
	Subscription *models.Subscription
	Plan         *models.Plan
	User         *models.User
	Profile      *models.UserProfile
}

// RebuyInput restarts billing after a lapsed subscription.
type RebuyInput struct {
	PlanID   uuid.UUID
	Currency enums.Currency
}

// ChangePlanInput selects a mutation of the user's current subscription.
type ChangePlanInput struct {
	Type   enums.PlanChangeType
	PlanID *uuid.UUID
}

// SubscriptionView pairs a subscription with its catalog plan and the
// subscriber's birth profile for the client's billing screen.
type SubscriptionView struct {
	Subscription *models.Subscription
	Plan         *models.Plan
	NextPlan     *models.Plan
	Profile      *models.UserProfile
}

// CardSetupIntent is handed to clients so they can collect a card.
type CardSetupIntent struct {
	ClientSecret     string
	StripeCustomerID string
}

type intentPayload struct {
	PlanID   string `json:"plan_id"`
	Currency string `json:"currency"`
	Trial    bool   `json:"trial,omitempty"`
}

type service struct {
	repo     Repository
	planRepo plans.Repository
	userRepo users.Repository
	gateway  GatewayClient
	txRunner txRunner
	logg     *logger.Logger
}

// NewService builds a billing service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.PlanRepo == nil {
		return nil, fmt.Errorf("plan repo required")
	}
	if params.UserRepo == nil {
		return nil, fmt.Errorf("user repo required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway client required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:     params.Repo,
		planRepo: params.PlanRepo,
		userRepo: params.UserRepo,
		gateway:  params.Gateway,
		txRunner: params.TransactionRunner,
		logg:     params.Logger,
	}, nil
}

// PurchasePlan starts a subscription for a user with no occupying one. A
// first-time subscriber who asks for the trial on a trial-bearing plan starts
// in trialing without a charge; everyone else is billed immediately.
func (s *service) PurchasePlan(ctx context.Context, userID uuid.UUID, input PurchaseInput) (*CheckoutResult, error) {
	user, plan, currency, err := s.resolvePurchaseTargets(ctx, userID, input.PlanID, input.Currency)
	if err != nil {
		return nil, err
	}

	if occupying, err := s.repo.FindOccupyingSubscription(ctx, userID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check occupying subscription")
	} else if occupying != nil {
		return nil, pkgerrors.New(pkgerrors.CodePrecondition, "activePlanExists")
	}

	priceID, ok := plan.PriceIDFor(currency)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalidCurrency")
	}
	amountMinor, _ := plan.AmountMinorFor(currency)

	withTrial := input.UseFreeTrial && plan.HasTrial() && !user.HasUsedTrial
	paymentMethodID := strings.TrimSpace(input.PaymentMethodID)
	if !withTrial && paymentMethodID == "" && !user.IsCardSetupComplete {
		return nil, pkgerrors.New(pkgerrors.CodePrecondition, "paymentMethodRequired")
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	intent, err := s.beginIntent(ctx, userID, enums.BillingIntentKindPurchase, plan.ID, intentPayload{
		PlanID:   plan.ID.String(),
		Currency: currency.String(),
		Trial:    withTrial,
	})
	if err != nil {
		return nil, err
	}

	subParams := s.subscriptionParams(customerID, priceID, userID, plan.ID)
	if withTrial {
		subParams.TrialPeriodDays = stripe.Int64(int64(plan.TrialPeriodDays))
		subParams.PaymentBehavior = stripe.String("allow_incomplete")
	} else {
		subParams.PaymentBehavior = stripe.String("error_if_incomplete")
	}
	if paymentMethodID != "" {
		subParams.DefaultPaymentMethod = stripe.String(paymentMethodID)
	}

	stripeSub, err := s.gateway.CreateSubscription(ctx, subParams)
	if err != nil {
		s.abortIntent(ctx, intent, err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "create gateway subscription")
	}
	s.markIntentGatewayCall(ctx, intent, stripeSub.ID)

	sub, err := BuildSubscriptionFromStripe(stripeSub, userID, plan.ID, currency, amountMinor)
	if err != nil {
		s.abortIntent(ctx, intent, err)
		return nil, err
	}
	if sub.PaymentMethodID == nil && paymentMethodID != "" {
		sub.PaymentMethodID = &paymentMethodID
	}

	persistErr := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		if err := txRepo.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		// Any successful purchase consumes trial eligibility, trial or not.
		cardSetup := user.IsCardSetupComplete || paymentMethodID != ""
		return s.userRepo.WithTx(tx).SetBillingFlags(ctx, userID, true, cardSetup)
	})
	if persistErr != nil {
		s.cancelGatewaySub(ctx, stripeSub.ID)
		s.abortIntent(ctx, intent, persistErr)
		if db.IsUniqueViolation(persistErr, "idx_subscriptions_one_active_per_user") {
			return nil, pkgerrors.New(pkgerrors.CodePrecondition, "activePlanExists")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeTxAborted, persistErr, "persist subscription")
	}

	s.commitIntent(ctx, intent, stripeSub.ID)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"user_id":         userID.String(),
		"plan_id":         plan.ID.String(),
		"subscription_id": sub.ID.String(),
		"trial":           withTrial,
	}), "plan purchased")

	result := &CheckoutResult{Subscription: sub, Plan: plan, User: user}
	if profile, err := s.userRepo.FindProfileByUserID(ctx, userID); err == nil {
		result.Profile = profile
	}
	return result, nil
}

// RebuyPlan replaces a lapsed (past_due or canceled) subscription with a
// fresh one. Trials never apply here.
func (s *service) RebuyPlan(ctx context.Context, userID uuid.UUID, input RebuyInput) (*models.Subscription, error) {
	user, plan, currency, err := s.resolvePurchaseTargets(ctx, userID, input.PlanID, input.Currency)
	if err != nil {
		return nil, err
	}

	latest, err := s.repo.FindLatestSubscription(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest subscription")
	}
	if latest == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscriptionNotFound")
	}
	if !latest.Status.AllowsRebuy() {
		return nil, pkgerrors.New(pkgerrors.CodePrecondition, "planExists")
	}

	priceID, ok := plan.PriceIDFor(currency)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalidCurrency")
	}
	amountMinor, _ := plan.AmountMinorFor(currency)

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	intent, err := s.beginIntent(ctx, userID, enums.BillingIntentKindRebuy, plan.ID, intentPayload{
		PlanID:   plan.ID.String(),
		Currency: currency.String(),
	})
	if err != nil {
		return nil, err
	}

	subParams := s.subscriptionParams(customerID, priceID, userID, plan.ID)
	subParams.PaymentBehavior = stripe.String("error_if_incomplete")

	stripeSub, err := s.gateway.CreateSubscription(ctx, subParams)
	if err != nil {
		s.abortIntent(ctx, intent, err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "create gateway subscription")
	}
	s.markIntentGatewayCall(ctx, intent, stripeSub.ID)

	sub, err := BuildSubscriptionFromStripe(stripeSub, userID, plan.ID, currency, amountMinor)
	if err != nil {
		s.abortIntent(ctx, intent, err)
		return nil, err
	}

	// The lapsed row is removed and replaced in one transaction, mirroring the
	// gateway which now has exactly one live subscription for the customer.
	persistErr := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		if err := txRepo.DeleteSubscription(ctx, latest.ID); err != nil {
			return err
		}
		return txRepo.CreateSubscription(ctx, sub)
	})
	if persistErr != nil {
		s.cancelGatewaySub(ctx, stripeSub.ID)
		s.abortIntent(ctx, intent, persistErr)
		return nil, pkgerrors.Wrap(pkgerrors.CodeTxAborted, persistErr, "persist rebought subscription")
	}

	s.commitIntent(ctx, intent, stripeSub.ID)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"user_id":         userID.String(),
		"plan_id":         plan.ID.String(),
		"subscription_id": sub.ID.String(),
	}), "plan rebought")
	return sub, nil
}

// ChangePlan applies one of the mutations of the current subscription:
// upgrade at period end, cancel at period end, or immediate trial cancel
// (optionally swapping straight into a paid plan).
func (s *service) ChangePlan(ctx context.Context, userID uuid.UUID, input ChangePlanInput) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan change type")
	}

	sub, err := s.repo.FindOccupyingSubscription(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscriptionNotFound")
	}

	switch input.Type {
	case enums.PlanChangeTypeUpgrade:
		return s.scheduleUpgrade(ctx, sub, input.PlanID)
	case enums.PlanChangeTypeCancelSubscription:
		return s.cancelAtPeriodEnd(ctx, sub)
	case enums.PlanChangeTypeCancelTrial:
		return s.cancelTrial(ctx, sub, input.PlanID)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan change type")
	}
}

// scheduleUpgrade flags the running subscription to stop at period end and
// records the plan to start afterwards. The rollover happens when the gateway
// reports the deletion.
func (s *service) scheduleUpgrade(ctx context.Context, sub *models.Subscription, planID *uuid.UUID) (*models.Subscription, error) {
	if planID == nil || *planID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	if *planID == sub.PlanID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "already subscribed to this plan")
	}
	switch sub.Status {
	case enums.SubscriptionStatusActive, enums.SubscriptionStatusTrialing, enums.SubscriptionStatusCanceling:
	default:
		return nil, pkgerrors.New(pkgerrors.CodePrecondition, "subscription cannot be upgraded in its current state")
	}

	target, err := s.planRepo.FindByID(ctx, *planID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load target plan")
	}
	if target == nil || target.Status != enums.PlanStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "planNotFound")
	}
	if _, ok := target.PriceIDFor(sub.Currency); !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalidCurrency")
	}

	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	stripeSub, err := s.gateway.UpdateSubscription(ctx, sub.StripeSubscriptionID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "flag gateway subscription for period end")
	}

	if err := ApplyStripeSubscription(sub, stripeSub); err != nil {
		return nil, err
	}
	sub.NextPlanID = planID

	if err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).UpdateSubscription(ctx, sub)
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTxAborted, err, "persist upgrade schedule")
	}
	return sub, nil
}

// cancelAtPeriodEnd stops renewal while leaving access until the period ends.
// It also clears any scheduled upgrade.
func (s *service) cancelAtPeriodEnd(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	stripeSub, err := s.gateway.UpdateSubscription(ctx, sub.StripeSubscriptionID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "cancel gateway subscription at period end")
	}

	if err := ApplyStripeSubscription(sub, stripeSub); err != nil {
		return nil, err
	}
	sub.NextPlanID = nil

	if err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).UpdateSubscription(ctx, sub)
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTxAborted, err, "persist cancellation")
	}
	return sub, nil
}

// cancelTrial ends a trial immediately without invoicing. When a target plan
// is supplied the user moves straight onto it as a paid subscription.
func (s *service) cancelTrial(ctx context.Context, sub *models.Subscription, planID *uuid.UUID) (*models.Subscription, error) {
	if sub.Status != enums.SubscriptionStatusTrialing {
		return nil, pkgerrors.New(pkgerrors.CodePrecondition, "subscriptionNotTrialing")
	}

	cancelParams := &stripe.SubscriptionCancelParams{
		InvoiceNow: stripe.Bool(false),
		Prorate:    stripe.Bool(false),
	}
	canceled, err := s.gateway.CancelSubscription(ctx, sub.StripeSubscriptionID, cancelParams)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "cancel gateway trial")
	}

	if planID == nil || *planID == uuid.Nil {
		if err := ApplyStripeSubscription(sub, canceled); err != nil {
			return nil, err
		}
		if err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
			return s.repo.WithTx(tx).UpdateSubscription(ctx, sub)
		}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeTxAborted, err, "persist trial cancellation")
		}
		return sub, nil
	}

	// Synchronous swap into a paid plan.
	user, plan, currency, err := s.resolvePurchaseTargets(ctx, sub.UserID, *planID, sub.Currency)
	if err != nil {
		return nil, err
	}
	priceID, ok := plan.PriceIDFor(currency)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalidCurrency")
	}
	amountMinor, _ := plan.AmountMinorFor(currency)

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	intent, err := s.beginIntent(ctx, sub.UserID, enums.BillingIntentKindTrialSwap, plan.ID, intentPayload{
		PlanID:   plan.ID.String(),
		Currency: currency.String(),
	})
	if err != nil {
		return nil, err
	}

	subParams := s.subscriptionParams(customerID, priceID, sub.UserID, plan.ID)
	subParams.PaymentBehavior = stripe.String("error_if_incomplete")

	replacement, err := s.gateway.CreateSubscription(ctx, subParams)
	if err != nil {
		s.abortIntent(ctx, intent, err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "create replacement subscription")
	}
	s.markIntentGatewayCall(ctx, intent, replacement.ID)

	newSub, err := BuildSubscriptionFromStripe(replacement, sub.UserID, plan.ID, currency, amountMinor)
	if err != nil {
		s.abortIntent(ctx, intent, err)
		return nil, err
	}

	persistErr := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		if err := ApplyStripeSubscription(sub, canceled); err != nil {
			return err
		}
		if err := txRepo.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		return txRepo.CreateSubscription(ctx, newSub)
	})
	if persistErr != nil {
		s.cancelGatewaySub(ctx, replacement.ID)
		s.abortIntent(ctx, intent, persistErr)
		return nil, pkgerrors.Wrap(pkgerrors.CodeTxAborted, persistErr, "persist trial swap")
	}

	s.commitIntent(ctx, intent, replacement.ID)
	return newSub, nil
}

// RolloverSubscription starts the scheduled next plan after the gateway
// deleted the old subscription. Called from webhook processing.
func (s *service) RolloverSubscription(ctx context.Context, old *models.Subscription) (*models.Subscription, error) {
	if old == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription is required")
	}
	if old.NextPlanID == nil || *old.NextPlanID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodePrecondition, "no rollover scheduled")
	}

	user, plan, currency, err := s.resolvePurchaseTargets(ctx, old.UserID, *old.NextPlanID, old.Currency)
	if err != nil {
		return nil, err
	}
	priceID, ok := plan.PriceIDFor(currency)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalidCurrency")
	}
	amountMinor, _ := plan.AmountMinorFor(currency)

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	intent, err := s.beginIntent(ctx, old.UserID, enums.BillingIntentKindRollover, plan.ID, intentPayload{
		PlanID:   plan.ID.String(),
		Currency: currency.String(),
	})
	if err != nil {
		return nil, err
	}

	subParams := s.subscriptionParams(customerID, priceID, old.UserID, plan.ID)
	subParams.PaymentBehavior = stripe.String("error_if_incomplete")
	// The replacement bills against the card the old subscription was using,
	// not whatever customer-level default happens to exist.
	if old.PaymentMethodID != nil && *old.PaymentMethodID != "" {
		subParams.DefaultPaymentMethod = stripe.String(*old.PaymentMethodID)
	}

	stripeSub, err := s.gateway.CreateSubscription(ctx, subParams)
	if err != nil {
		s.abortIntent(ctx, intent, err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "create rollover subscription")
	}
	s.markIntentGatewayCall(ctx, intent, stripeSub.ID)

	newSub, err := BuildSubscriptionFromStripe(stripeSub, old.UserID, plan.ID, currency, amountMinor)
	if err != nil {
		s.abortIntent(ctx, intent, err)
		return nil, err
	}

	// Delete-and-replace: the old-plan row is removed in the same transaction
	// so exactly one record exists for the user afterwards.
	persistErr := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		if err := txRepo.DeleteSubscription(ctx, old.ID); err != nil {
			return err
		}
		return txRepo.CreateSubscription(ctx, newSub)
	})
	if persistErr != nil {
		s.cancelGatewaySub(ctx, stripeSub.ID)
		s.abortIntent(ctx, intent, persistErr)
		return nil, pkgerrors.Wrap(pkgerrors.CodeTxAborted, persistErr, "persist rollover subscription")
	}

	s.commitIntent(ctx, intent, stripeSub.ID)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"user_id": old.UserID.String(),
		"plan_id": plan.ID.String(),
	}), "subscription rolled over to next plan")
	return newSub, nil
}

// CurrentSubscription returns the subscription occupying the user's slot, or
// the most recent one when everything has lapsed.
func (s *service) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*SubscriptionView, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	sub, err := s.repo.FindOccupyingSubscription(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		sub, err = s.repo.FindLatestSubscription(ctx, userID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest subscription")
		}
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscriptionNotFound")
	}

	view := &SubscriptionView{Subscription: sub}
	if plan, err := s.planRepo.FindByID(ctx, sub.PlanID); err == nil {
		view.Plan = plan
	}
	if sub.NextPlanID != nil {
		if next, err := s.planRepo.FindByID(ctx, *sub.NextPlanID); err == nil {
			view.NextPlan = next
		}
	}
	if profile, err := s.userRepo.FindProfileByUserID(ctx, userID); err == nil {
		view.Profile = profile
	}
	return view, nil
}

func (s *service) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	return s.repo.ListSubscriptionsByUser(ctx, userID)
}

// CreateCardSetupIntent prepares a gateway setup intent so the client can
// collect a payment method off-session.
func (s *service) CreateCardSetupIntent(ctx context.Context, userID uuid.UUID) (*CardSetupIntent, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if user == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "userNotFound")
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		Usage:              stripe.String("off_session"),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	si, err := s.gateway.CreateSetupIntent(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "create setup intent")
	}
	return &CardSetupIntent{ClientSecret: si.ClientSecret, StripeCustomerID: customerID}, nil
}

// resolvePurchaseTargets loads and validates the user, plan, and currency for
// any flow that creates a gateway subscription.
func (s *service) resolvePurchaseTargets(ctx context.Context, userID, planID uuid.UUID, currency enums.Currency) (*models.User, *models.Plan, enums.Currency, error) {
	if userID == uuid.Nil {
		return nil, nil, "", pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if planID == uuid.Nil {
		return nil, nil, "", pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if user == nil || !user.IsActive {
		return nil, nil, "", pkgerrors.New(pkgerrors.CodeNotFound, "userNotFound")
	}

	plan, err := s.planRepo.FindByID(ctx, planID)
	if err != nil {
		return nil, nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil || plan.Status != enums.PlanStatusActive {
		return nil, nil, "", pkgerrors.New(pkgerrors.CodeNotFound, "planNotFound")
	}

	if currency == "" {
		currency = user.PreferredCurrency
	}
	if currency == "" {
		currency = enums.DefaultCurrency
	}
	if !currency.IsValid() {
		return nil, nil, "", pkgerrors.New(pkgerrors.CodeValidation, "invalidCurrency")
	}
	return user, plan, currency, nil
}

// ensureCustomer resolves the user's gateway customer, searching by email
// before creating, and caches the id locally.
func (s *service) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}

	existing, err := s.gateway.FindCustomerByEmail(ctx, user.Email)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeGateway, err, "search gateway customer")
	}

	var customerID string
	if existing != nil {
		customerID = existing.ID
	} else {
		params := &stripe.CustomerParams{
			Email: stripe.String(user.Email),
			Name:  stripe.String(user.FullName()),
		}
		params.AddMetadata(MetadataUserIDKey, user.ID.String())
		created, err := s.gateway.CreateCustomer(ctx, params)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeGateway, err, "create gateway customer")
		}
		customerID = created.ID
	}

	if err := s.userRepo.SetStripeCustomerID(ctx, user.ID, customerID); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cache gateway customer id")
	}
	user.StripeCustomerID = &customerID
	return customerID, nil
}

func (s *service) subscriptionParams(customerID, priceID string, userID, planID uuid.UUID) *stripe.SubscriptionParams {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
	}
	params.AddMetadata(MetadataUserIDKey, userID.String())
	params.AddMetadata(MetadataPlanIDKey, planID.String())
	return params
}

func (s *service) beginIntent(ctx context.Context, userID uuid.UUID, kind enums.BillingIntentKind, planID uuid.UUID, payload intentPayload) (*models.BillingIntent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal intent payload")
	}
	// The id is assigned here rather than by the column default so the later
	// status updates address the same row even before the insert commits.
	intent := &models.BillingIntent{
		ID:      uuid.New(),
		UserID:  userID,
		Kind:    kind,
		Status:  enums.BillingIntentStatusPending,
		PlanID:  &planID,
		Payload: raw,
	}
	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record billing intent")
	}
	return intent, nil
}

// markIntentGatewayCall records the gateway subscription id on the intent the
// moment the gateway call returns. A crash anywhere before the local commit
// then leaves enough state for the sweep to find and cancel the orphan.
func (s *service) markIntentGatewayCall(ctx context.Context, intent *models.BillingIntent, stripeSubID string) {
	intent.StripeSubscriptionID = &stripeSubID
	if err := s.repo.UpdateIntent(ctx, intent); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "stripe_subscription_id", stripeSubID), "record gateway call on billing intent", err)
	}
}

func (s *service) commitIntent(ctx context.Context, intent *models.BillingIntent, stripeSubID string) {
	now := time.Now().UTC()
	intent.Status = enums.BillingIntentStatusCommitted
	intent.StripeSubscriptionID = &stripeSubID
	intent.ResolvedAt = &now
	if err := s.repo.UpdateIntent(ctx, intent); err != nil {
		s.logg.Error(ctx, "commit billing intent", err)
	}
}

func (s *service) abortIntent(ctx context.Context, intent *models.BillingIntent, cause error) {
	now := time.Now().UTC()
	intent.Status = enums.BillingIntentStatusAborted
	intent.ResolvedAt = &now
	if cause != nil {
		msg := cause.Error()
		intent.LastError = &msg
	}
	if err := s.repo.UpdateIntent(ctx, intent); err != nil {
		s.logg.Error(ctx, "abort billing intent", err)
	}
}

func (s *service) cancelGatewaySub(ctx context.Context, stripeSubID string) {
	if stripeSubID == "" {
		return
	}
	if _, err := s.gateway.CancelSubscription(ctx, stripeSubID, &stripe.SubscriptionCancelParams{}); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "stripe_subscription_id", stripeSubID), "cancel gateway subscription after failed persist", err)
	}
}
