package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/astraltide/lumina-backend/internal/billing"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/enums"
	"github.com/astraltide/lumina-backend/pkg/logger"
)

const (
	defaultIntentSweepGrace = 5 * time.Minute
	defaultIntentSweepLimit = 100
)

// BillingIntentSweepJobParams configures the pending-intent sweep.
type BillingIntentSweepJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	BillingRepo billing.Repository
	Gateway     billing.GatewayClient
	Grace       time.Duration
	Limit       int
}

// NewBillingIntentSweepJob builds a job that resolves billing intents left
// pending past the grace window. An intent stays pending when the process
// died between the gateway call and the local commit; the sweep decides from
// gateway state whether the work landed or has to be rolled back.
func NewBillingIntentSweepJob(params BillingIntentSweepJobParams) (Job, error) {
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
	grace := params.Grace
	if grace <= 0 {
		grace = defaultIntentSweepGrace
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultIntentSweepLimit
	}
	return &billingIntentSweepJob{
		logg:        params.Logger,
		db:          params.DB,
		billingRepo: params.BillingRepo,
		gateway:     params.Gateway,
		grace:       grace,
		limit:       limit,
	}, nil
}

type billingIntentSweepJob struct {
	logg        *logger.Logger
	db          txRunner
	billingRepo billing.Repository
	gateway     billing.GatewayClient
	grace       time.Duration
	limit       int
}

func (j *billingIntentSweepJob) Name() string { return "billing-intent-sweep" }

func (j *billingIntentSweepJob) Run(ctx context.Context) error {
	logCtx := j.logg.WithField(ctx, "job", j.Name())
	intents, err := j.billingRepo.ListStaleIntents(logCtx, j.grace, j.limit)
	if err != nil {
		return fmt.Errorf("list stale intents: %w", err)
	}

	var errs error
	resolved := 0
	for i := range intents {
		if err := j.resolveIntent(logCtx, &intents[i]); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		resolved++
	}

	reportCtx := j.logg.WithFields(logCtx, map[string]any{
		"stale":    len(intents),
		"resolved": resolved,
	})
	j.logg.Info(reportCtx, "billing intent sweep complete")
	return errs
}

// resolveIntent settles one stale intent. With no gateway subscription id the
// crash happened before the gateway call, so the intent simply aborts. With
// one, the local record decides: present means the work committed after all;
// absent means the gateway subscription is an orphan and gets canceled.
func (j *billingIntentSweepJob) resolveIntent(ctx context.Context, intent *models.BillingIntent) error {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"intent_id":   intent.ID,
		"intent_kind": intent.Kind.String(),
		"user_id":     intent.UserID,
	})
	intent.Attempts++

	if intent.StripeSubscriptionID == nil || *intent.StripeSubscriptionID == "" {
		return j.finishIntent(logCtx, intent, enums.BillingIntentStatusAborted, "no gateway call recorded")
	}

	stripeSubID := *intent.StripeSubscriptionID
	stored, err := j.billingRepo.FindSubscriptionByStripeID(logCtx, stripeSubID)
	if err != nil {
		return fmt.Errorf("load subscription for intent %s: %w", intent.ID, err)
	}
	if stored != nil {
		return j.finishIntent(logCtx, intent, enums.BillingIntentStatusCommitted, "")
	}

	stripeSub, err := j.gateway.GetSubscription(logCtx, stripeSubID, &stripe.SubscriptionParams{})
	if err != nil {
		if isMissingSubscription(err) {
			return j.finishIntent(logCtx, intent, enums.BillingIntentStatusAborted, "gateway subscription gone")
		}
		return fmt.Errorf("fetch gateway subscription for intent %s: %w", intent.ID, err)
	}

	if stripeSub != nil && stripeSub.Status != stripe.SubscriptionStatusCanceled {
		if _, err := j.gateway.CancelSubscription(logCtx, stripeSubID, &stripe.SubscriptionCancelParams{}); err != nil {
			return fmt.Errorf("cancel orphaned gateway subscription for intent %s: %w", intent.ID, err)
		}
		j.logg.Info(j.logg.WithField(logCtx, "stripe_subscription_id", stripeSubID), "canceled orphaned gateway subscription")
	}
	return j.finishIntent(logCtx, intent, enums.BillingIntentStatusAborted, "orphaned gateway subscription canceled")
}

func (j *billingIntentSweepJob) finishIntent(ctx context.Context, intent *models.BillingIntent, status enums.BillingIntentStatus, reason string) error {
	now := time.Now().UTC()
	intent.Status = status
	intent.ResolvedAt = &now
	if reason != "" {
		intent.LastError = &reason
	}
	if err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		return j.billingRepo.WithTx(tx).UpdateIntent(ctx, intent)
	}); err != nil {
		return fmt.Errorf("persist intent %s resolution: %w", intent.ID, err)
	}
	j.logg.Info(j.logg.WithField(ctx, "status", status.String()), "billing intent resolved")
	return nil
}
