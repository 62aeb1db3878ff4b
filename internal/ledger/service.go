package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/astraltide/lumina-backend/pkg/db"
	"github.com/astraltide/lumina-backend/pkg/db/models"
	"github.com/astraltide/lumina-backend/pkg/enums"
	pkgerrors "github.com/astraltide/lumina-backend/pkg/errors"
	"github.com/astraltide/lumina-backend/pkg/pagination"
)

// Service records payment outcomes and serves transaction history.
type Service interface {
	RecordTransaction(ctx context.Context, input RecordTransactionInput) (*models.Transaction, error)
	ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*TransactionPage, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.Transaction, error)
}

// RecordTransactionInput captures one gateway payment outcome. StripeEventID
// is the idempotency key: replays of the same event are absorbed.
type RecordTransactionInput struct {
	UserID                uuid.UUID
	SubscriptionID        *uuid.UUID
	PlanID                *uuid.UUID
	StripeEventID         string
	StripeInvoiceID       *string
	StripePaymentIntentID *string
	Status                enums.TransactionStatus
	Amount                decimal.Decimal
	Currency              enums.Currency
	CardBrand             *string
	CardLast4             *string
	FailureCode           *string
	FailureMessage        *string
	OccurredAt            time.Time
}

// TransactionPage is one cursor page of a user's ledger.
type TransactionPage struct {
	Transactions []models.Transaction
	NextCursor   string
}

type service struct {
	repo Repository
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

// RecordTransaction inserts a ledger row. A duplicate stripe event id returns
// the already-recorded row instead of an error, so webhook retries are cheap.
func (s *service) RecordTransaction(ctx context.Context, input RecordTransactionInput) (*models.Transaction, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if input.StripeEventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event id is required")
	}
	if !input.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction status")
	}
	if !input.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalidCurrency")
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	transaction := &models.Transaction{
		UserID:                input.UserID,
		SubscriptionID:        input.SubscriptionID,
		PlanID:                input.PlanID,
		StripeEventID:         input.StripeEventID,
		StripeInvoiceID:       input.StripeInvoiceID,
		StripePaymentIntentID: input.StripePaymentIntentID,
		Status:                input.Status,
		Amount:                input.Amount,
		Currency:              input.Currency,
		CardBrand:             input.CardBrand,
		CardLast4:             input.CardLast4,
		FailureCode:           input.FailureCode,
		FailureMessage:        input.FailureMessage,
		OccurredAt:            occurredAt,
	}

	if err := s.repo.Create(ctx, transaction); err != nil {
		if db.IsUniqueViolation(err, "idx_transactions_stripe_event_id") {
			existing, findErr := s.repo.FindByStripeEventID(ctx, input.StripeEventID)
			if findErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "load recorded transaction")
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record transaction")
	}
	return transaction, nil
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (*TransactionPage, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	limit := pagination.NormalizeLimit(params.Limit)
	transactions, err := s.repo.ListByUser(ctx, userID, pagination.LimitWithBuffer(params.Limit), cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transactions")
	}

	page := &TransactionPage{Transactions: transactions}
	if len(transactions) > limit {
		page.Transactions = transactions[:limit]
		last := page.Transactions[limit-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}
	return page, nil
}

func (s *service) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.Transaction, error) {
	if subscriptionID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	return s.repo.ListBySubscription(ctx, subscriptionID)
}
