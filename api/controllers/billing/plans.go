package billing

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/astraltide/lumina-backend/api/responses"
	"github.com/astraltide/lumina-backend/api/validators"
	"github.com/astraltide/lumina-backend/internal/plans"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/enums"
	pkgerrors "github.com/astraltide/lumina-backend/pkg/errors"
	"github.com/astraltide/lumina-backend/pkg/logger"
)

type planResponse struct {
	ID              uuid.UUID         `json:"id"`
	Name            string            `json:"name"`
	Slug            string            `json:"slug"`
	Description     *string           `json:"description,omitempty"`
	Interval        string            `json:"interval"`
	TrialPeriodDays int               `json:"trial_period_days"`
	Amounts         map[string]string `json:"amounts"`
	AmountsMinor    map[string]int64  `json:"amounts_minor"`
	Features        []string          `json:"features"`
	Status          string            `json:"status"`
	Position        int               `json:"position"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

type planListResponse struct {
	Plans []planResponse `json:"plans"`
}

// Amounts are decimal major units ("9.99"); conversion to the minor units the
// gateway bills in happens here at the boundary.
type planCreateRequest struct {
	Name            string                     `json:"name" validate:"required"`
	Slug            string                     `json:"slug" validate:"required"`
	Description     *string                    `json:"description,omitempty"`
	Interval        string                     `json:"interval" validate:"required"`
	TrialPeriodDays *int                       `json:"trial_period_days,omitempty"`
	Amounts         map[string]decimal.Decimal `json:"amounts" validate:"required"`
	Features        []string                   `json:"features,omitempty"`
	Position        *int                       `json:"position,omitempty"`
}

type planUpdateRequest struct {
	Name            *string                    `json:"name,omitempty"`
	Description     *string                    `json:"description,omitempty"`
	TrialPeriodDays *int                       `json:"trial_period_days,omitempty"`
	Amounts         map[string]decimal.Decimal `json:"amounts,omitempty"`
	Features        []string                   `json:"features,omitempty"`
	Position        *int                       `json:"position,omitempty"`
	Status          *string                    `json:"status,omitempty"`
}

func ListPlans(svc plans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		list, err := svc.ListPublic(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, planListResponse{Plans: plansToResponse(list)})
	}
}

func AdminPlanCreate(svc plans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		var payload planCreateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		interval, err := enums.ParseBillingInterval(strings.TrimSpace(payload.Interval))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid interval"))
			return
		}

		amounts, err := parseAmounts(payload.Amounts)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		plan, err := svc.Create(ctx, plans.CreatePlanInput{
			Name:            payload.Name,
			Slug:            payload.Slug,
			Description:     payload.Description,
			Interval:        interval,
			TrialPeriodDays: intValue(payload.TrialPeriodDays, 0),
			AmountsMinor:    amounts,
			Features:        payload.Features,
			Position:        intValue(payload.Position, 0),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, planToResponse(plan))
	}
}

func AdminPlanUpdate(svc plans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		planID, err := parsePlanID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload planUpdateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		input := plans.UpdatePlanInput{
			Name:            payload.Name,
			Description:     payload.Description,
			TrialPeriodDays: payload.TrialPeriodDays,
			Features:        payload.Features,
			Position:        payload.Position,
		}

		if len(payload.Amounts) > 0 {
			amounts, err := parseAmounts(payload.Amounts)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			input.AmountsMinor = amounts
		}

		if payload.Status != nil {
			status, err := enums.ParsePlanStatus(strings.TrimSpace(*payload.Status))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
			input.Status = &status
		}

		plan, err := svc.Update(ctx, planID, input)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, planToResponse(plan))
	}
}

func AdminPlanRetire(svc plans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		planID, err := parsePlanID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		plan, err := svc.Retire(ctx, planID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, planToResponse(plan))
	}
}

func parsePlanID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "planId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	planID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid plan id")
	}
	return planID, nil
}

func parseAmounts(raw map[string]decimal.Decimal) (map[enums.Currency]int64, error) {
	amounts := make(map[enums.Currency]int64, len(raw))
	for code, amount := range raw {
		currency, err := enums.ParseCurrency(code)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalidCurrency")
		}
		if amount.IsNegative() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative")
		}
		amounts[currency] = amount.Shift(2).Round(0).IntPart()
	}
	return amounts, nil
}

func plansToResponse(list []models.Plan) []planResponse {
	result := make([]planResponse, 0, len(list))
	for _, plan := range list {
		result = append(result, planToResponse(&plan))
	}
	return result
}

func planToResponse(plan *models.Plan) planResponse {
	amountsMinor := make(map[string]int64, len(plan.AmountsMinor))
	amounts := make(map[string]string, len(plan.AmountsMinor))
	for currency, amount := range plan.AmountsMinor {
		amountsMinor[currency.String()] = amount
		amounts[currency.String()] = models.AmountFromMinor(amount).StringFixed(2)
	}

	features := make([]string, len(plan.Features))
	copy(features, plan.Features)

	return planResponse{
		ID:              plan.ID,
		Name:            plan.Name,
		Slug:            plan.Slug,
		Description:     plan.Description,
		Interval:        plan.Interval.String(),
		TrialPeriodDays: plan.TrialPeriodDays,
		Amounts:         amounts,
		AmountsMinor:    amountsMinor,
		Features:        features,
		Status:          plan.Status.String(),
		Position:        plan.Position,
		CreatedAt:       plan.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       plan.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func intValue(ptr *int, fallback int) int {
	if ptr == nil {
		return fallback
	}
	return *ptr
}
