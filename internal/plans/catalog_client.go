package plans

import (
	"context"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/price"
	"github.com/stripe/stripe-go/v84/product"

	pkgstripe "github.com/astraltide/lumina-backend/pkg/stripe"
)

// CatalogClient exposes the subset of gateway catalog operations required by
// the plan service.
type CatalogClient interface {
	CreateProduct(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error)
	UpdateProduct(ctx context.Context, id string, params *stripe.ProductParams) (*stripe.Product, error)
	CreatePrice(ctx context.Context, params *stripe.PriceParams) (*stripe.Price, error)
	DeactivatePrice(ctx context.Context, id string) (*stripe.Price, error)
}

type catalogClientWrapper struct{}

// NewCatalogClient wraps the configured Stripe client so the plan service can
// be tested against a fake.
func NewCatalogClient(api *pkgstripe.Client) CatalogClient {
	if api == nil {
		return nil
	}
	return &catalogClientWrapper{}
}

func (w *catalogClientWrapper) CreateProduct(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error) {
	if params != nil {
		params.Context = ctx
	}
	return product.New(params)
}

func (w *catalogClientWrapper) UpdateProduct(ctx context.Context, id string, params *stripe.ProductParams) (*stripe.Product, error) {
	if params != nil {
		params.Context = ctx
	}
	return product.Update(id, params)
}

func (w *catalogClientWrapper) CreatePrice(ctx context.Context, params *stripe.PriceParams) (*stripe.Price, error) {
	if params != nil {
		params.Context = ctx
	}
	return price.New(params)
}

func (w *catalogClientWrapper) DeactivatePrice(ctx context.Context, id string) (*stripe.Price, error) {
	params := &stripe.PriceParams{Active: stripe.Bool(false)}
	params.Context = ctx
	return price.Update(id, params)
}
