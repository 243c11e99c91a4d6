// Package storefront pushes listing visibility and price changes to the destination shop.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stock-sync-service/internal/logger"
)

var ErrNotConfigured = errors.New("storefront is not configured")

type Gateway interface {
	SetListingActive(ctx context.Context, destinationID string, active bool) error
	UpdatePrice(ctx context.Context, destinationID string, price decimal.Decimal) error
}

type ShopifyOptions struct {
	ShopName    string // myshop.myshopify.com, or a full base URL in tests
	AccessToken string
	APIVersion  string
	Timeout     time.Duration
}

// ShopifyGateway drives the Shopify Admin REST API.
type ShopifyGateway struct {
	client *resty.Client
}

func NewShopifyGateway(opts ShopifyOptions) (*ShopifyGateway, error) {
	shop := strings.TrimSpace(opts.ShopName)
	if shop == "" || opts.AccessToken == "" {
		return nil, ErrNotConfigured
	}
	base := shop
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	version := opts.APIVersion
	if version == "" {
		version = "2024-01"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	client := resty.New().
		SetBaseURL(fmt.Sprintf("%s/admin/api/%s", strings.TrimRight(base, "/"), version)).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Shopify-Access-Token", opts.AccessToken)

	return &ShopifyGateway{client: client}, nil
}

// SetListingActive publishes the product (active) or hides it as a draft.
func (g *ShopifyGateway) SetListingActive(ctx context.Context, destinationID string, active bool) error {
	status := "draft"
	if active {
		status = "active"
	}
	body := map[string]any{
		"product": map[string]any{
			"id":     destinationID,
			"status": status,
		},
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("id", destinationID).
		SetBody(body).
		Put("/products/{id}.json")
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("set product %s status %s: %w", destinationID, status, err)
	}

	logger.Log.Info("Storefront product status updated",
		zap.String("destinationID", destinationID),
		zap.String("status", status),
	)
	return nil
}

// UpdatePrice sets price on every variant of the product.
func (g *ShopifyGateway) UpdatePrice(ctx context.Context, destinationID string, price decimal.Decimal) error {
	var product struct {
		Product struct {
			Variants []struct {
				ID int64 `json:"id"`
			} `json:"variants"`
		} `json:"product"`
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("id", destinationID).
		SetQueryParam("fields", "id,variants").
		SetResult(&product).
		Get("/products/{id}.json")
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("load product %s: %w", destinationID, err)
	}
	if len(product.Product.Variants) == 0 {
		return fmt.Errorf("product %s has no variants", destinationID)
	}

	for _, v := range product.Product.Variants {
		body := map[string]any{
			"variant": map[string]any{
				"id":    v.ID,
				"price": price.StringFixed(2),
			},
		}
		resp, err := g.client.R().
			SetContext(ctx).
			SetPathParam("vid", fmt.Sprint(v.ID)).
			SetBody(body).
			Put("/variants/{vid}.json")
		if err := checkResponse(resp, err); err != nil {
			return fmt.Errorf("update variant %d of product %s: %w", v.ID, destinationID, err)
		}
	}

	logger.Log.Info("Storefront price updated",
		zap.String("destinationID", destinationID),
		zap.String("price", price.StringFixed(2)),
		zap.Int("variants", len(product.Product.Variants)),
	)
	return nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("http status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// NopGateway stands in when no shop is configured; every call fails with ErrNotConfigured.
type NopGateway struct{}

func (NopGateway) SetListingActive(_ context.Context, destinationID string, active bool) error {
	logger.Log.Debug("Storefront not configured, skipping status update", zap.String("destinationID", destinationID), zap.Bool("active", active))
	return ErrNotConfigured
}

func (NopGateway) UpdatePrice(_ context.Context, destinationID string, price decimal.Decimal) error {
	logger.Log.Debug("Storefront not configured, skipping price update", zap.String("destinationID", destinationID), zap.String("price", price.String()))
	return ErrNotConfigured
}
