package billing

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/astraltide/lumina-backend/api/middleware"
	"github.com/astraltide/lumina-backend/api/responses"
	"github.com/astraltide/lumina-backend/api/validators"
	billingsvc "github.com/astraltide/lumina-backend/internal/billing"
	"github.com/astraltide/lumina-backend/internal/ledger"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/enums"
	pkgerrors "github.com/astraltide/lumina-backend/pkg/errors"
	"github.com/astraltide/lumina-backend/pkg/logger"
	"github.com/astraltide/lumina-backend/pkg/pagination"
)

type purchaseRequest struct {
	PlanID          string `json:"plan_id" validate:"required,uuid"`
	Currency        string `json:"currency,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	UseFreeTrial    bool   `json:"use_free_trial,omitempty"`
}

type rebuyRequest struct {
	PlanID   string `json:"plan_id" validate:"required,uuid"`
	Currency string `json:"currency,omitempty"`
}

type planChangeRequest struct {
	Type   string  `json:"type" validate:"required"`
	PlanID *string `json:"plan_id,omitempty"`
}

type subscriptionResponse struct {
	ID                   uuid.UUID  `json:"id"`
	PlanID               uuid.UUID  `json:"plan_id"`
	NextPlanID           *uuid.UUID `json:"next_plan_id,omitempty"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	Status               string     `json:"status"`
	Currency             string     `json:"currency"`
	AmountMinor          int64      `json:"amount_minor"`
	IsTrial              bool       `json:"is_trial"`
	StartDate            *time.Time `json:"start_date,omitempty"`
	TrialStartsAt        *time.Time `json:"trial_starts_at,omitempty"`
	TrialEndsAt          *time.Time `json:"trial_ends_at,omitempty"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	NextBillingDate      *time.Time `json:"next_billing_date,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
	CancellationReason   *string    `json:"cancellation_reason,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

type checkoutResponse struct {
	Subscription        *subscriptionResponse `json:"subscription"`
	Plan                *planSummaryResponse  `json:"plan,omitempty"`
	Profile             *profileResponse      `json:"profile,omitempty"`
	HasUsedTrial        bool                  `json:"has_used_trial"`
	IsCardSetupComplete bool                  `json:"is_card_setup_complete"`
}

type planSummaryResponse struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Slug            string    `json:"slug"`
	Interval        string    `json:"interval"`
	TrialPeriodDays int       `json:"trial_period_days"`
	Features        []string  `json:"features"`
}

type currentSubscriptionResponse struct {
	Subscription *subscriptionResponse `json:"subscription"`
	Plan         *planSummaryResponse  `json:"plan,omitempty"`
	NextPlan     *planSummaryResponse  `json:"next_plan,omitempty"`
	Profile      *profileResponse      `json:"profile,omitempty"`
}

type profileResponse struct {
	BirthDate  string  `json:"birth_date"`
	BirthTime  *string `json:"birth_time,omitempty"`
	BirthPlace string  `json:"birth_place"`
	Timezone   string  `json:"timezone"`
}

type transactionResponse struct {
	ID             uuid.UUID  `json:"id"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	PlanID         *uuid.UUID `json:"plan_id,omitempty"`
	Status         string     `json:"status"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	CardBrand      *string    `json:"card_brand,omitempty"`
	CardLast4      *string    `json:"card_last4,omitempty"`
	FailureCode    *string    `json:"failure_code,omitempty"`
	FailureMessage *string    `json:"failure_message,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

type transactionListResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	NextCursor   string                `json:"next_cursor,omitempty"`
}

type cardSetupIntentResponse struct {
	ClientSecret     string `json:"client_secret"`
	StripeCustomerID string `json:"stripe_customer_id"`
}

func PurchasePlan(svc billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		userID := middleware.UserUUIDFromContext(ctx)
		if userID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}

		var payload purchaseRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		planID, currency, err := parsePlanTarget(payload.PlanID, payload.Currency)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.PurchasePlan(ctx, userID, billingsvc.PurchaseInput{
			PlanID:          planID,
			Currency:        currency,
			PaymentMethodID: strings.TrimSpace(payload.PaymentMethodID),
			UseFreeTrial:    payload.UseFreeTrial,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		out := checkoutResponse{
			Subscription: newSubscriptionResponse(result.Subscription),
			Plan:         newPlanSummaryResponse(result.Plan),
			Profile:      newProfileResponse(result.Profile),
		}
		if result.User != nil {
			out.HasUsedTrial = result.User.HasUsedTrial
			out.IsCardSetupComplete = result.User.IsCardSetupComplete
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, out)
	}
}

func RebuyPlan(svc billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		userID := middleware.UserUUIDFromContext(ctx)
		if userID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}

		var payload rebuyRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		planID, currency, err := parsePlanTarget(payload.PlanID, payload.Currency)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		sub, err := svc.RebuyPlan(ctx, userID, billingsvc.RebuyInput{
			PlanID:   planID,
			Currency: currency,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newSubscriptionResponse(sub))
	}
}

func ChangePlan(svc billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		userID := middleware.UserUUIDFromContext(ctx)
		if userID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}

		var payload planChangeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		changeType, err := enums.ParsePlanChangeType(strings.TrimSpace(payload.Type))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid change type"))
			return
		}

		input := billingsvc.ChangePlanInput{Type: changeType}
		if payload.PlanID != nil && strings.TrimSpace(*payload.PlanID) != "" {
			planID, err := uuid.Parse(strings.TrimSpace(*payload.PlanID))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid plan id"))
				return
			}
			input.PlanID = &planID
		}

		sub, err := svc.ChangePlan(ctx, userID, input)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

func CurrentSubscription(svc billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		userID := middleware.UserUUIDFromContext(ctx)
		if userID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}

		view, err := svc.CurrentSubscription(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, currentSubscriptionResponse{
			Subscription: newSubscriptionResponse(view.Subscription),
			Plan:         newPlanSummaryResponse(view.Plan),
			NextPlan:     newPlanSummaryResponse(view.NextPlan),
			Profile:      newProfileResponse(view.Profile),
		})
	}
}

func ListTransactions(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		userID := middleware.UserUUIDFromContext(ctx)
		if userID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}

		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid limit"))
				return
			}
			limit = parsed
		}

		page, err := svc.ListByUser(ctx, userID, pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		transactions := make([]transactionResponse, 0, len(page.Transactions))
		for _, tx := range page.Transactions {
			transactions = append(transactions, newTransactionResponse(tx))
		}
		responses.WriteSuccess(w, transactionListResponse{
			Transactions: transactions,
			NextCursor:   page.NextCursor,
		})
	}
}

func CreateCardSetupIntent(svc billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		userID := middleware.UserUUIDFromContext(ctx)
		if userID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			return
		}

		intent, err := svc.CreateCardSetupIntent(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, cardSetupIntentResponse{
			ClientSecret:     intent.ClientSecret,
			StripeCustomerID: intent.StripeCustomerID,
		})
	}
}

func parsePlanTarget(rawPlanID, rawCurrency string) (uuid.UUID, enums.Currency, error) {
	planID, err := uuid.Parse(strings.TrimSpace(rawPlanID))
	if err != nil {
		return uuid.Nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid plan id")
	}

	// Currency is optional; the billing service falls back to the user's
	// preferred currency when it is absent.
	var currency enums.Currency
	if trimmed := strings.TrimSpace(rawCurrency); trimmed != "" {
		parsed, err := enums.ParseCurrency(trimmed)
		if err != nil {
			return uuid.Nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalidCurrency")
		}
		currency = parsed
	}
	return planID, currency, nil
}

func newSubscriptionResponse(sub *models.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:                   sub.ID,
		PlanID:               sub.PlanID,
		NextPlanID:           sub.NextPlanID,
		StripeSubscriptionID: sub.StripeSubscriptionID,
		Status:               sub.Status.String(),
		Currency:             sub.Currency.String(),
		AmountMinor:          sub.AmountMinor,
		IsTrial:              sub.IsTrial,
		StartDate:            sub.StartDate,
		TrialStartsAt:        sub.TrialStartsAt,
		TrialEndsAt:          sub.TrialEndsAt,
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		NextBillingDate:      sub.NextBillingDate,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CanceledAt:           sub.CanceledAt,
		CancellationReason:   sub.CancellationReason,
		CreatedAt:            sub.CreatedAt,
	}
}

func newPlanSummaryResponse(plan *models.Plan) *planSummaryResponse {
	if plan == nil {
		return nil
	}
	features := make([]string, len(plan.Features))
	copy(features, plan.Features)
	return &planSummaryResponse{
		ID:              plan.ID,
		Name:            plan.Name,
		Slug:            plan.Slug,
		Interval:        plan.Interval.String(),
		TrialPeriodDays: plan.TrialPeriodDays,
		Features:        features,
	}
}

func newProfileResponse(profile *models.UserProfile) *profileResponse {
	if profile == nil {
		return nil
	}
	return &profileResponse{
		BirthDate:  profile.BirthDate.Format("2006-01-02"),
		BirthTime:  profile.BirthTime,
		BirthPlace: profile.BirthPlace,
		Timezone:   profile.Timezone,
	}
}

func newTransactionResponse(tx models.Transaction) transactionResponse {
	return transactionResponse{
		ID:             tx.ID,
		SubscriptionID: tx.SubscriptionID,
		PlanID:         tx.PlanID,
		Status:         tx.Status.String(),
		Amount:         tx.Amount.StringFixed(2),
		Currency:       tx.Currency.String(),
		CardBrand:      tx.CardBrand,
		CardLast4:      tx.CardLast4,
		FailureCode:    tx.FailureCode,
		FailureMessage: tx.FailureMessage,
		OccurredAt:     tx.OccurredAt,
	}
}
