package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/astraltide/lumina-backend/api/responses"
	"github.com/astraltide/lumina-backend/pkg/logger"
)

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

type stripeWebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type stripeClient interface {
	SigningSecret() string
}

// StripeWebhook handles Stripe subscription lifecycle events. It always
// responds 200: surfacing an error would make Stripe retry a delivery this
// side cannot process, and eventually disable the endpoint. Failures are
// logged, and the idempotency mark is released so a retry can land later.
func StripeWebhook(svc StripeWebhookService, client stripeClient, guard stripeWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil || client == nil || guard == nil {
			logWebhookFailure(ctx, logg, "webhook dependencies unavailable", nil)
			responses.WriteSuccess(w, nil)
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			logWebhookFailure(ctx, logg, "read webhook body", err)
			responses.WriteSuccess(w, nil)
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" || client.SigningSecret() == "" {
			logWebhookFailure(ctx, logg, "webhook signature or secret missing", nil)
			responses.WriteSuccess(w, nil)
			return
		}

		event, err := webhook.ConstructEvent(payload, sigHeader, client.SigningSecret())
		if err != nil {
			logWebhookFailure(ctx, logg, "verify webhook signature", err)
			responses.WriteSuccess(w, nil)
			return
		}

		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"stripe_event_id":   event.ID,
				"stripe_event_type": string(event.Type),
			})
		}

		alreadyProcessed, err := guard.CheckAndMark(ctx, event.ID)
		if err != nil {
			logWebhookFailure(ctx, logg, "check webhook idempotency", err)
			responses.WriteSuccess(w, nil)
			return
		}
		if alreadyProcessed {
			if logg != nil {
				logg.Info(ctx, "stripe event replayed; skipping")
			}
			responses.WriteSuccess(w, nil)
			return
		}

		if err := svc.HandleEvent(ctx, &event); err != nil {
			// Release the mark so Stripe's redelivery gets a clean attempt.
			_ = guard.Delete(ctx, event.ID)
			logWebhookFailure(ctx, logg, "handle stripe event", err)
			responses.WriteSuccess(w, nil)
			return
		}

		if logg != nil {
			logg.Info(ctx, "stripe event processed")
		}
		responses.WriteSuccess(w, nil)
	}
}

func logWebhookFailure(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
