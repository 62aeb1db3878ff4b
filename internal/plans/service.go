package plans

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/astraltide/lumina-backend/pkg/db"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	dbtypes "github.com/astraltide/lumina-backend/pkg/db/types"
	"github.com/astraltide/lumina-backend/pkg/enums"
	pkgerrors "github.com/astraltide/lumina-backend/pkg/errors"
	"github.com/astraltide/lumina-backend/pkg/logger"
	"github.com/stripe/stripe-go/v84"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines the plan catalog surface.
type Service interface {
	ListPublic(ctx context.Context) ([]models.Plan, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error)
	Update(ctx context.Context, id uuid.UUID, input UpdatePlanInput) (*models.Plan, error)
	Retire(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

// ServiceParams groups dependencies for the plan service.
type ServiceParams struct {
	Repo              Repository
	Catalog           CatalogClient
	TransactionRunner txRunner
	Logger            *logger.Logger
}

// CreatePlanInput captures the data required to publish a plan.
type CreatePlanInput struct {
	Name            string
	Slug            string
	Description     *string
	Interval        enums.BillingInterval
	TrialPeriodDays int
	AmountsMinor    map[enums.Currency]int64
	Features        []string
	Position        int
}

// UpdatePlanInput captures a partial plan mutation. Amount changes supersede
// the gateway price for that currency; existing subscriptions keep the price
// they were created with.
type UpdatePlanInput struct {
	Name            *string
	Description     *string
	TrialPeriodDays *int
	AmountsMinor    map[enums.Currency]int64
	Features        []string
	Position        *int
	Status          *enums.PlanStatus
}

type service struct {
	repo     Repository
	catalog  CatalogClient
	txRunner txRunner
	logg     *logger.Logger
}

// NewService builds a plan service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("plan repo required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog client required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:     params.Repo,
		catalog:  params.Catalog,
		txRunner: params.TransactionRunner,
		logg:     params.Logger,
	}, nil
}

// ListPublic returns plans that can currently be purchased.
func (s *service) ListPublic(ctx context.Context) ([]models.Plan, error) {
	status := enums.PlanStatusActive
	return s.repo.List(ctx, ListQuery{Status: &status})
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	plan, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "planNotFound")
	}
	return plan, nil
}

func (s *service) Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	slug := strings.TrimSpace(strings.ToLower(input.Slug))
	if existing, err := s.repo.FindBySlug(ctx, slug); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check plan slug")
	} else if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "plan slug already in use")
	}

	productParams := &stripe.ProductParams{Name: stripe.String(input.Name)}
	if input.Description != nil && *input.Description != "" {
		productParams.Description = input.Description
	}
	productParams.AddMetadata("plan_slug", slug)

	gatewayProduct, err := s.catalog.CreateProduct(ctx, productParams)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "create gateway product")
	}

	priceIDs := dbtypes.CurrencyStringMap{}
	amounts := dbtypes.CurrencyAmountMap{}
	for currency, amount := range input.AmountsMinor {
		gatewayPrice, err := s.createRecurringPrice(ctx, gatewayProduct.ID, currency, amount, input.Interval)
		if err != nil {
			return nil, err
		}
		priceIDs[currency] = gatewayPrice.ID
		amounts[currency] = amount
	}

	plan := &models.Plan{
		Name:            strings.TrimSpace(input.Name),
		Slug:            slug,
		Description:     input.Description,
		Interval:        input.Interval,
		TrialPeriodDays: input.TrialPeriodDays,
		StripeProductID: gatewayProduct.ID,
		StripePriceIDs:  priceIDs,
		AmountsMinor:    amounts,
		Features:        pq.StringArray(input.Features),
		Status:          enums.PlanStatusActive,
		Position:        input.Position,
	}
	if plan.Features == nil {
		plan.Features = pq.StringArray{}
	}

	if err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).Create(ctx, plan)
	}); err != nil {
		if db.IsUniqueViolation(err, "idx_plans_slug") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "plan slug already in use")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist plan")
	}

	s.logg.Info(s.logg.WithField(ctx, "plan_id", plan.ID.String()), "plan published")
	return plan, nil
}

func (s *service) Update(ctx context.Context, id uuid.UUID, input UpdatePlanInput) (*models.Plan, error) {
	plan, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil || input.Description != nil {
		productParams := &stripe.ProductParams{}
		if input.Name != nil {
			name := strings.TrimSpace(*input.Name)
			if name == "" {
				return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan name cannot be empty")
			}
			productParams.Name = stripe.String(name)
			plan.Name = name
		}
		if input.Description != nil {
			productParams.Description = input.Description
			plan.Description = input.Description
		}
		if _, err := s.catalog.UpdateProduct(ctx, plan.StripeProductID, productParams); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "update gateway product")
		}
	}

	// Supersede prices for changed amounts. The retired gateway price stays
	// attached to subscriptions that were created with it.
	for currency, amount := range input.AmountsMinor {
		if !currency.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalidCurrency")
		}
		if amount <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan amount must be positive")
		}
		if current, ok := plan.AmountsMinor[currency]; ok && current == amount {
			continue
		}

		gatewayPrice, err := s.createRecurringPrice(ctx, plan.StripeProductID, currency, amount, plan.Interval)
		if err != nil {
			return nil, err
		}
		if oldPriceID, ok := plan.PriceIDFor(currency); ok {
			if _, err := s.catalog.DeactivatePrice(ctx, oldPriceID); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "deactivate gateway price")
			}
		}
		if plan.StripePriceIDs == nil {
			plan.StripePriceIDs = dbtypes.CurrencyStringMap{}
		}
		if plan.AmountsMinor == nil {
			plan.AmountsMinor = dbtypes.CurrencyAmountMap{}
		}
		plan.StripePriceIDs[currency] = gatewayPrice.ID
		plan.AmountsMinor[currency] = amount
	}

	if input.TrialPeriodDays != nil {
		if *input.TrialPeriodDays < 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "trial period days cannot be negative")
		}
		plan.TrialPeriodDays = *input.TrialPeriodDays
	}
	if input.Features != nil {
		plan.Features = pq.StringArray(input.Features)
	}
	if input.Position != nil {
		plan.Position = *input.Position
	}
	if input.Status != nil {
		if !input.Status.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan status")
		}
		plan.Status = *input.Status
	}

	if err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).Update(ctx, plan)
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist plan update")
	}

	return plan, nil
}

// Retire hides the plan from new purchases and deactivates its gateway
// prices. Existing subscriptions continue to renew.
func (s *service) Retire(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	plan, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Status == enums.PlanStatusRetired {
		return plan, nil
	}

	for _, priceID := range plan.StripePriceIDs {
		if _, err := s.catalog.DeactivatePrice(ctx, priceID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "deactivate gateway price")
		}
	}

	plan.Status = enums.PlanStatusRetired
	if err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).Update(ctx, plan)
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist plan retirement")
	}

	s.logg.Info(s.logg.WithField(ctx, "plan_id", plan.ID.String()), "plan retired")
	return plan, nil
}

func (s *service) createRecurringPrice(ctx context.Context, productID string, currency enums.Currency, amountMinor int64, interval enums.BillingInterval) (*stripe.Price, error) {
	params := &stripe.PriceParams{
		Product:    stripe.String(productID),
		Currency:   stripe.String(currency.String()),
		UnitAmount: stripe.Int64(amountMinor),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(interval.String()),
		},
	}
	gatewayPrice, err := s.catalog.CreatePrice(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, err, "create gateway price")
	}
	return gatewayPrice, nil
}

func validateCreateInput(input CreatePlanInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "plan name is required")
	}
	if strings.TrimSpace(input.Slug) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "plan slug is required")
	}
	if !input.Interval.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid billing interval")
	}
	if input.TrialPeriodDays < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "trial period days cannot be negative")
	}
	if len(input.AmountsMinor) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one currency amount is required")
	}
	for currency, amount := range input.AmountsMinor {
		if !currency.IsValid() {
			return pkgerrors.New(pkgerrors.CodeValidation, "invalidCurrency")
		}
		if amount <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "plan amount must be positive")
		}
	}
	return nil
}
