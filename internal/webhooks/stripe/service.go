package stripewebhook

import (
	"context"
	"encoding/json"
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
	pkgerrors "github.com/astraltide/lumina-backend/pkg/errors"
	"github.com/astraltide/lumina-backend/pkg/logger"
	"github.com/astraltide/lumina-backend/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Locally assigned cancellation reasons; gateway-reported reasons are stored
// verbatim.
const (
	cancelReasonTrialNoCard           = "trialPaymentMethodMissing"
	cancelReasonTrialConversionFailed = "trialConversionFailed"
)

// ServiceParams groups dependencies for the webhook service.
type ServiceParams struct {
	BillingRepo       billing.Repository
	BillingService    billing.Service
	LedgerService     ledger.Service
	PlanRepo          plans.Repository
	UserRepo          users.Repository
	Gateway           billing.GatewayClient
	TransactionRunner txRunner
	Metrics           *metrics.WebhookMetrics
	Logger            *logger.Logger
}

// Service applies Stripe events onto local billing state. The gateway's
// subscription object is the sole source of truth for status and period
// fields; invoice events only ever append to the ledger.
type Service struct {
	billingRepo billing.Repository
	billingSvc  billing.Service
	ledgerSvc   ledger.Service
	planRepo    plans.Repository
	userRepo    users.Repository
	gateway     billing.GatewayClient
	txRunner    txRunner
	metrics     *metrics.WebhookMetrics
	logg        *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.BillingRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing repo required")
	}
	if params.BillingService == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing service required")
	}
	if params.LedgerService == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger service required")
	}
	if params.PlanRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan repo required")
	}
	if params.UserRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "user repo required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway client required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	if params.Metrics == nil {
		params.Metrics = metrics.NewWebhookMetrics(nil)
	}
	return &Service{
		billingRepo: params.BillingRepo,
		billingSvc:  params.BillingService,
		ledgerSvc:   params.LedgerService,
		planRepo:    params.PlanRepo,
		userRepo:    params.UserRepo,
		gateway:     params.Gateway,
		txRunner:    params.TransactionRunner,
		metrics:     params.Metrics,
		logg:        params.Logger,
	}, nil
}

// invoicePayload is decoded off the raw event JSON so the handlers do not
// track SDK invoice struct changes across gateway API versions.
type invoicePayload struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	PaymentIntent string `json:"payment_intent"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Currency      string `json:"currency"`
	BillingReason string `json:"billing_reason"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

func (p *invoicePayload) subscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	return p.Parent.SubscriptionDetails.Subscription
}

type checkoutSessionPayload struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// HandleEvent routes a verified Stripe event. Unknown types are skipped, not
// failed, so new gateway event types never break delivery.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	eventType := string(event.Type)
	start := time.Now()
	defer func() {
		s.metrics.ObserveDuration(eventType, time.Since(start))
	}()

	var err error
	switch event.Type {
	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		err = s.handleSubscriptionSync(ctx, event)
	case stripe.EventTypeCustomerSubscriptionTrialWillEnd:
		err = s.handleTrialWillEnd(ctx, event)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		err = s.handleSubscriptionDeleted(ctx, event)
	case stripe.EventTypeInvoicePaymentSucceeded:
		err = s.handlePaymentSucceeded(ctx, event)
	case stripe.EventTypeInvoicePaymentFailed:
		err = s.handlePaymentFailed(ctx, event)
	case stripe.EventTypeCheckoutSessionCompleted:
		err = s.handleCheckoutCompleted(ctx, event)
	default:
		s.metrics.IncSkipped(eventType)
		return nil
	}

	if err != nil {
		s.metrics.IncFailed(eventType)
		return err
	}
	s.metrics.IncProcessed(eventType)
	return nil
}

func decodeSubscription(event *stripe.Event) (*stripe.Subscription, error) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode subscription event")
	}
	return &stripeSub, nil
}

// handleSubscriptionSync applies the gateway object field by field onto the
// local record, creating one if the purchase was persisted elsewhere (or the
// local write was lost).
func (s *Service) handleSubscriptionSync(ctx context.Context, event *stripe.Event) error {
	stripeSub, err := decodeSubscription(event)
	if err != nil {
		return err
	}

	return s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		stored, err := repo.FindSubscriptionByStripeID(ctx, stripeSub.ID)
		if err != nil {
			return err
		}

		if stored != nil {
			if err := billing.ApplyStripeSubscription(stored, stripeSub); err != nil {
				return err
			}
			return repo.UpdateSubscription(ctx, stored)
		}

		// No local record: rebuild one from metadata. Events for subscriptions
		// we never knew about (wrong account, manual dashboard creations
		// without metadata) are skipped.
		userID, planID, plan, err := s.resolveSubscriptionOwner(ctx, stripeSub)
		if err != nil {
			return err
		}
		if userID == uuid.Nil || plan == nil {
			s.logg.Warn(s.logg.WithField(ctx, "stripe_subscription_id", stripeSub.ID), "subscription event without resolvable owner, skipping")
			return nil
		}

		currency := enums.Currency(string(stripeSub.Currency))
		if !currency.IsValid() {
			currency = enums.DefaultCurrency
		}
		amountMinor, _ := plan.AmountMinorFor(currency)
		built, err := billing.BuildSubscriptionFromStripe(stripeSub, userID, planID, currency, amountMinor)
		if err != nil {
			return err
		}
		return repo.CreateSubscription(ctx, built)
	})
}

// handleTrialWillEnd schedules a cancel at trial end when the trial still has
// no payment method, so the user is never silently converted to paid.
func (s *Service) handleTrialWillEnd(ctx context.Context, event *stripe.Event) error {
	stripeSub, err := decodeSubscription(event)
	if err != nil {
		return err
	}
	if stripeSub.DefaultPaymentMethod != nil && stripeSub.DefaultPaymentMethod.ID != "" {
		return nil
	}

	stored, err := s.billingRepo.FindSubscriptionByStripeID(ctx, stripeSub.ID)
	if err != nil {
		return err
	}
	if stored == nil || stored.CancelAtPeriodEnd {
		return nil
	}

	updated, err := s.gateway.UpdateSubscription(ctx, stripeSub.ID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeGateway, err, "schedule trial cancellation")
	}
	if err := billing.ApplyStripeSubscription(stored, updated); err != nil {
		return err
	}
	reason := cancelReasonTrialNoCard
	stored.CancellationReason = &reason
	s.logg.Info(s.logg.WithField(ctx, "subscription_id", stored.ID.String()), "trial scheduled to cancel, no payment method on file")
	return s.billingRepo.UpdateSubscription(ctx, stored)
}

// handleSubscriptionDeleted closes the local record. A scheduled next plan
// rolls straight into a replacement subscription; otherwise the stored card
// is detached so a lapsed user is not charged again by accident.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	stripeSub, err := decodeSubscription(event)
	if err != nil {
		return err
	}

	stored, err := s.billingRepo.FindSubscriptionByStripeID(ctx, stripeSub.ID)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}

	if err := billing.ApplyStripeSubscription(stored, stripeSub); err != nil {
		return err
	}
	stored.Status = enums.SubscriptionStatusCanceled
	stored.CurrentPeriodStart = nil
	stored.CurrentPeriodEnd = nil
	stored.NextBillingDate = nil
	if reason := billing.CancellationReasonFromStripe(stripeSub); reason != nil {
		stored.CancellationReason = reason
	}

	if stored.NextPlanID != nil && *stored.NextPlanID != uuid.Nil {
		// The rollover removes this row and inserts the replacement in one
		// transaction, so no old-plan record is left behind. Only a failed
		// rollover persists the canceled state, keeping the scheduled plan for
		// the redelivery to retry.
		if _, err := s.billingSvc.RolloverSubscription(ctx, stored); err != nil {
			if uerr := s.billingRepo.UpdateSubscription(ctx, stored); uerr != nil {
				s.logg.Error(ctx, "persist canceled subscription after failed rollover", uerr)
			}
			return err
		}
		return nil
	}

	if err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		return s.billingRepo.WithTx(tx).UpdateSubscription(ctx, stored)
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTxAborted, err, "persist canceled subscription")
	}

	if stripeSub.DefaultPaymentMethod != nil && stripeSub.DefaultPaymentMethod.ID != "" {
		if _, err := s.gateway.DetachPaymentMethod(ctx, stripeSub.DefaultPaymentMethod.ID); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "stripe_subscription_id", stripeSub.ID), "detach payment method after cancellation failed")
		}
	}
	return nil
}

// handlePaymentSucceeded appends a succeeded ledger row. Period fields are
/// deliberately untouched: the subscription object carries those.
func (s *Service) handlePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	var invoice invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode invoice event")
	}

	subscriptionID := invoice.subscriptionID()
	if subscriptionID == "" {
		return nil
	}
	stored, err := s.billingRepo.FindSubscriptionByStripeID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if stored == nil {
		s.logg.Warn(s.logg.WithField(ctx, "stripe_subscription_id", subscriptionID), "payment succeeded for unknown subscription")
		return nil
	}

	input := ledger.RecordTransactionInput{
		UserID:         stored.UserID,
		SubscriptionID: &stored.ID,
		PlanID:         &stored.PlanID,
		StripeEventID:  event.ID,
		Status:         enums.TransactionStatusSucceeded,
		Amount:         models.AmountFromMinor(invoice.AmountPaid),
		Currency:       currencyOrDefault(invoice.Currency, stored.Currency),
		OccurredAt:     occurredAt(invoice.StatusTransitions.PaidAt, event.Created),
	}
	if invoice.ID != "" {
		input.StripeInvoiceID = &invoice.ID
	}
	if invoice.PaymentIntent != "" {
		input.StripePaymentIntentID = &invoice.PaymentIntent
		s.attachCardDetails(ctx, invoice.PaymentIntent, &input)
	}

	_, err = s.ledgerSvc.RecordTransaction(ctx, input)
	return err
}

// handlePaymentFailed marks the subscription past due (or cancels it outright
// when a trial conversion fails) and appends a failed ledger row with the
// charge's card and decline detail.
func (s *Service) handlePaymentFailed(ctx context.Context, event *stripe.Event) error {
	var invoice invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode invoice event")
	}

	subscriptionID := invoice.subscriptionID()
	if subscriptionID == "" {
		return nil
	}
	stored, err := s.billingRepo.FindSubscriptionByStripeID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if stored == nil {
		s.logg.Warn(s.logg.WithField(ctx, "stripe_subscription_id", subscriptionID), "payment failed for unknown subscription")
		return nil
	}

	// A failed first charge after the trial window means the trial never
	// converted; keeping it past_due would grant paid access that was never
	// paid for. An active status proves a paid charge already landed, so its
	// failures are routine renewals and only ever mark past_due.
	now := time.Now().UTC()
	trialConversionFailed := stored.IsTrial &&
		stored.Status != enums.SubscriptionStatusActive &&
		stored.TrialEndsAt != nil && stored.TrialEndsAt.Before(now)
	if trialConversionFailed {
		canceled, cancelErr := s.gateway.CancelSubscription(ctx, subscriptionID, &stripe.SubscriptionCancelParams{
			InvoiceNow: stripe.Bool(false),
			Prorate:    stripe.Bool(false),
		})
		if cancelErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeGateway, cancelErr, "cancel unconverted trial")
		}
		if err := billing.ApplyStripeSubscription(stored, canceled); err != nil {
			return err
		}
		stored.Status = enums.SubscriptionStatusCanceled
		reason := cancelReasonTrialConversionFailed
		stored.CancellationReason = &reason
	} else {
		stored.Status = enums.SubscriptionStatusPastDue
	}
	if err := s.billingRepo.UpdateSubscription(ctx, stored); err != nil {
		return err
	}

	input := ledger.RecordTransactionInput{
		UserID:         stored.UserID,
		SubscriptionID: &stored.ID,
		PlanID:         &stored.PlanID,
		StripeEventID:  event.ID,
		Status:         enums.TransactionStatusFailed,
		Amount:         models.AmountFromMinor(invoice.AmountDue),
		Currency:       currencyOrDefault(invoice.Currency, stored.Currency),
		OccurredAt:     occurredAt(0, event.Created),
	}
	if invoice.ID != "" {
		input.StripeInvoiceID = &invoice.ID
	}
	if invoice.PaymentIntent != "" {
		input.StripePaymentIntentID = &invoice.PaymentIntent
		s.attachCardDetails(ctx, invoice.PaymentIntent, &input)
	}

	_, err = s.ledgerSvc.RecordTransaction(ctx, input)
	return err
}

// handleCheckoutCompleted covers the hosted checkout purchase path: the
// session's subscription replaces whatever record the user had locally.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode checkout session event")
	}
	if session.Subscription == "" {
		return nil
	}

	stripeSub, err := s.gateway.GetSubscription(ctx, session.Subscription, &stripe.SubscriptionParams{})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeGateway, err, "fetch checkout subscription")
	}

	userID, planID, plan, err := s.resolveSubscriptionOwner(ctx, stripeSub)
	if err != nil {
		return err
	}
	if userID == uuid.Nil && session.Metadata != nil {
		if id, metaErr := uuid.Parse(session.Metadata[billing.MetadataUserIDKey]); metaErr == nil {
			userID = id
		}
	}
	if userID == uuid.Nil || plan == nil {
		s.logg.Warn(s.logg.WithField(ctx, "stripe_subscription_id", stripeSub.ID), "checkout session without resolvable owner, skipping")
		return nil
	}

	currency := enums.Currency(string(stripeSub.Currency))
	if !currency.IsValid() {
		currency = enums.DefaultCurrency
	}
	amountMinor, _ := plan.AmountMinorFor(currency)
	built, err := billing.BuildSubscriptionFromStripe(stripeSub, userID, planID, currency, amountMinor)
	if err != nil {
		return err
	}

	return s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		prior, err := repo.FindOccupyingSubscription(ctx, userID)
		if err != nil {
			return err
		}
		if prior != nil && prior.StripeSubscriptionID != stripeSub.ID {
			if err := repo.DeleteSubscription(ctx, prior.ID); err != nil {
				return err
			}
		}
		if prior != nil && prior.StripeSubscriptionID == stripeSub.ID {
			if err := billing.ApplyStripeSubscription(prior, stripeSub); err != nil {
				return err
			}
			return repo.UpdateSubscription(ctx, prior)
		}
		if err := repo.CreateSubscription(ctx, built); err != nil {
			return err
		}
		// A completed session means a card was collected and trial
		// eligibility is spent, whatever the subscription started as.
		return s.userRepo.WithTx(tx).SetBillingFlags(ctx, userID, true, true)
	})
}

// resolveSubscriptionOwner maps a gateway subscription back to local user and
// plan rows via metadata, falling back to the customer id for the user.
func (s *Service) resolveSubscriptionOwner(ctx context.Context, stripeSub *stripe.Subscription) (uuid.UUID, uuid.UUID, *models.Plan, error) {
	userID, _ := billing.UserIDFromMetadata(stripeSub.Metadata)
	if userID == uuid.Nil && stripeSub.Customer != nil && stripeSub.Customer.ID != "" {
		user, err := s.userRepo.FindByStripeCustomerID(ctx, stripeSub.Customer.ID)
		if err != nil {
			return uuid.Nil, uuid.Nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve user by customer id")
		}
		if user != nil {
			userID = user.ID
		}
	}

	planID, _ := billing.PlanIDFromMetadata(stripeSub.Metadata)
	var plan *models.Plan
	if planID != uuid.Nil {
		found, err := s.planRepo.FindByID(ctx, planID)
		if err != nil {
			return uuid.Nil, uuid.Nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve plan")
		}
		plan = found
	}
	return userID, planID, plan, nil
}

// attachCardDetails best-effort enriches a ledger row from the payment
// intent's latest charge. Lookup failures never block recording the row.
func (s *Service) attachCardDetails(ctx context.Context, paymentIntentID string, input *ledger.RecordTransactionInput) {
	params := &stripe.PaymentIntentParams{}
	params.AddExpand("latest_charge")
	pi, err := s.gateway.GetPaymentIntent(ctx, paymentIntentID, params)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "payment_intent_id", paymentIntentID), "fetch payment intent for card details failed")
		return
	}
	if pi == nil || pi.LatestCharge == nil {
		return
	}
	charge := pi.LatestCharge
	if charge.PaymentMethodDetails != nil && charge.PaymentMethodDetails.Card != nil {
		if brand := string(charge.PaymentMethodDetails.Card.Brand); brand != "" {
			input.CardBrand = &brand
		}
		if last4 := charge.PaymentMethodDetails.Card.Last4; last4 != "" {
			input.CardLast4 = &last4
		}
	}
	if charge.FailureCode != "" {
		code := charge.FailureCode
		input.FailureCode = &code
	}
	if charge.FailureMessage != "" {
		msg := charge.FailureMessage
		input.FailureMessage = &msg
	}
}

func currencyOrDefault(raw string, fallback enums.Currency) enums.Currency {
	currency := enums.Currency(raw)
	if currency.IsValid() {
		return currency
	}
	if fallback.IsValid() {
		return fallback
	}
	return enums.DefaultCurrency
}

func occurredAt(unix, eventCreated int64) time.Time {
	if unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	if eventCreated > 0 {
		return time.Unix(eventCreated, 0).UTC()
	}
	return time.Now().UTC()
}
