package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/astraltide/lumina-backend/internal/billing"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/logger"
)

const (
	defaultReconcileLimit    = 250
	defaultReconcileLookback = 7 * 24 * time.Hour

	reconcileFetchAttempts = 3
	reconcileFetchBackoff  = 500 * time.Millisecond
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// SubscriptionReconcileJobParams configures the subscription sync cron job.
type SubscriptionReconcileJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	BillingRepo billing.Repository
	Gateway     billing.GatewayClient
	Limit       int
	Lookback    time.Duration
	Now         func() time.Time
}

// NewSubscriptionReconcileJob builds a job that re-syncs local subscriptions
// from the gateway, covering webhook deliveries that were lost or reordered.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.BillingRepo == nil {
		return nil, fmt.Errorf("billing repository required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway client required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultReconcileLookback
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &subscriptionReconcileJob{
		logg:        params.Logger,
		db:          params.DB,
		billingRepo: params.BillingRepo,
		gateway:     params.Gateway,
		now:         now,
		limit:       limit,
		lookback:    lookback,
	}, nil
}

type subscriptionReconcileJob struct {
	logg        *logger.Logger
	db          txRunner
	billingRepo billing.Repository
	gateway     billing.GatewayClient
	now         func() time.Time
	limit       int
	lookback    time.Duration
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	logCtx := j.logg.WithField(ctx, "job", j.Name())
	snapshot, err := j.billingRepo.ListSubscriptionsForReconciliation(logCtx, j.limit, j.lookback)
	if err != nil {
		return fmt.Errorf("list subscriptions for reconciliation: %w", err)
	}

	var errs error
	scanned := len(snapshot)
	synced := 0
	for i := range snapshot {
		if err := j.reconcileSubscription(logCtx, &snapshot[i]); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		synced++
	}

	reportCtx := j.logg.WithFields(logCtx, map[string]any{
		"candidates": scanned,
		"synced":     synced,
	})
	j.logg.Info(reportCtx, "subscription reconcile loop complete")
	return errs
}

func (j *subscriptionReconcileJob) reconcileSubscription(ctx context.Context, sub *models.Subscription) error {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"subscription_id":        sub.ID,
		"user_id":                sub.UserID,
		"stripe_subscription_id": sub.StripeSubscriptionID,
	})
	if strings.TrimSpace(sub.StripeSubscriptionID) == "" {
		j.logg.Info(logCtx, "subscription missing gateway id; skipping")
		return nil
	}

	stripeSub, err := j.fetchWithRetry(logCtx, sub.StripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("fetch gateway subscription: %w", err)
	}
	if stripeSub == nil {
		j.logg.Info(logCtx, "gateway subscription not found; skipping")
		return nil
	}

	if err := j.db.WithTx(logCtx, func(tx *gorm.DB) error {
		repo := j.billingRepo.WithTx(tx)
		stored, err := repo.FindSubscriptionByStripeID(logCtx, stripeSub.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			j.logg.Info(logCtx, "subscription removed from db; skipping")
			return nil
		}
		if err := billing.ApplyStripeSubscription(stored, stripeSub); err != nil {
			return err
		}
		if err := repo.UpdateSubscription(logCtx, stored); err != nil {
			return err
		}
		successCtx := j.logg.WithFields(logCtx, map[string]any{
			"gateway_status": string(stripeSub.Status),
			"local_status":   stored.Status.String(),
		})
		j.logg.Info(successCtx, "subscription reconciled")
		return nil
	}); err != nil {
		return fmt.Errorf("persist subscription reconciliation: %w", err)
	}
	return nil
}

// fetchWithRetry pulls the gateway subscription with a short exponential
// backoff, so a flaky gateway read does not fail the whole sweep entry.
func (j *subscriptionReconcileJob) fetchWithRetry(ctx context.Context, stripeSubID string) (*stripe.Subscription, error) {
	var stripeSub *stripe.Subscription
	backoff := retry.WithMaxRetries(reconcileFetchAttempts, retry.NewExponential(reconcileFetchBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		fetched, err := j.gateway.GetSubscription(ctx, stripeSubID, &stripe.SubscriptionParams{})
		if err != nil {
			if isMissingSubscription(err) {
				stripeSub = nil
				return nil
			}
			return retry.RetryableError(err)
		}
		stripeSub = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stripeSub, nil
}

func isMissingSubscription(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == 404
	}
	return false
}
