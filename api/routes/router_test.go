package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	billingsvc "github.com/astraltide/lumina-backend/internal/billing"
	"github.com/astraltide/lumina-backend/internal/ledger"
	"github.com/astraltide/lumina-backend/internal/plans"
	"github.com/astraltide/lumina-backend/pkg/auth"
	"github.com/astraltide/lumina-backend/pkg/config"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/enums"
	"github.com/astraltide/lumina-backend/pkg/logger"
	"github.com/astraltide/lumina-backend/pkg/pagination"
)

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test", Port: "8080"},
		JWT: config.JWTConfig{
			Secret:            "router-test-secret",
			Issuer:            "lumina-test",
			ExpirationMinutes: 60,
		},
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := testConfig()
	logg := logger.New(logger.Options{ServiceName: "router-test"})
	return NewRouter(
		cfg,
		logg,
		nil,
		nil,
		&routePlanService{},
		&routeBillingService{},
		&routeLedgerService{},
		nil,
		nil,
		nil,
	)
}

func mintToken(t *testing.T, role enums.UserRole) string {
	t.Helper()
	token, err := auth.MintAccessToken(testConfig().JWT, time.Now(), auth.AccessTokenPayload{
		UserID: uuid.New(),
		Email:  "user@example.com",
		Role:   role,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestRouterHealthLive(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Header().Get("X-Lumina-Env") != "test" {
		t.Fatal("expected environment header")
	}
}

func TestRouterMetricsExposed(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestRouterPlansArePublic(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/plans", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 without auth, got %d", resp.Code)
	}
}

func TestRouterBillingRequiresAuth(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/subscription", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
}

func TestRouterBillingWithToken(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/subscription", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, enums.UserRoleUser))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestRouterAdminPlansRejectsUserRole(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/admin/v1/plans/"+uuid.NewString(), nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, enums.UserRoleUser))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.Code)
	}
}

func TestRouterAdminPlansWithAdminRole(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/admin/v1/plans/"+uuid.NewString(), nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, enums.UserRoleAdmin))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%s)", resp.Code, resp.Body.String())
	}
}

type routePlanService struct{}

func (s *routePlanService) ListPublic(ctx context.Context) ([]models.Plan, error) {
	return []models.Plan{}, nil
}

func (s *routePlanService) Get(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return &models.Plan{ID: id}, nil
}

func (s *routePlanService) Create(ctx context.Context, input plans.CreatePlanInput) (*models.Plan, error) {
	return &models.Plan{ID: uuid.New()}, nil
}

func (s *routePlanService) Update(ctx context.Context, id uuid.UUID, input plans.UpdatePlanInput) (*models.Plan, error) {
	return &models.Plan{ID: id}, nil
}

func (s *routePlanService) Retire(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return &models.Plan{ID: id, Status: enums.PlanStatusRetired}, nil
}

type routeBillingService struct{}

func (s *routeBillingService) PurchasePlan(ctx context.Context, userID uuid.UUID, input billingsvc.PurchaseInput) (*billingsvc.CheckoutResult, error) {
	return &billingsvc.CheckoutResult{Subscription: &models.Subscription{ID: uuid.New()}}, nil
}

func (s *routeBillingService) RebuyPlan(ctx context.Context, userID uuid.UUID, input billingsvc.RebuyInput) (*models.Subscription, error) {
	return &models.Subscription{ID: uuid.New()}, nil
}

func (s *routeBillingService) ChangePlan(ctx context.Context, userID uuid.UUID, input billingsvc.ChangePlanInput) (*models.Subscription, error) {
	return &models.Subscription{ID: uuid.New()}, nil
}

func (s *routeBillingService) RolloverSubscription(ctx context.Context, old *models.Subscription) (*models.Subscription, error) {
	return nil, nil
}

func (s *routeBillingService) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*billingsvc.SubscriptionView, error) {
	return &billingsvc.SubscriptionView{
		Subscription: &models.Subscription{ID: uuid.New(), UserID: userID},
	}, nil
}

func (s *routeBillingService) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	return nil, nil
}

func (s *routeBillingService) CreateCardSetupIntent(ctx context.Context, userID uuid.UUID) (*billingsvc.CardSetupIntent, error) {
	return &billingsvc.CardSetupIntent{ClientSecret: "seti"}, nil
}

type routeLedgerService struct{}

func (s *routeLedgerService) RecordTransaction(ctx context.Context, input ledger.RecordTransactionInput) (*models.Transaction, error) {
	return nil, nil
}

func (s *routeLedgerService) ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*ledger.TransactionPage, error) {
	return &ledger.TransactionPage{}, nil
}

func (s *routeLedgerService) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.Transaction, error) {
	return nil, nil
}
