// Package catalog is the order service's HTTP client for the product catalog
// exposed by the inventory service.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
)

// Client calls the catalog API with a bounded timeout. Every failure other than an
// unknown product is reported as entity.ErrServiceUnavailable.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) LookupProduct(ctx context.Context, productID string) (entity.Product, error) {
	var p entity.Product
	err := c.get(ctx, "/products/"+url.PathEscape(productID), &p)
	if err != nil {
		return entity.Product{}, err
	}
	return p, nil
}

func (c *Client) ListSellerProductIDs(ctx context.Context, sellerID string) ([]string, error) {
	var ids []string
	if err := c.get(ctx, "/sellers/"+url.PathEscape(sellerID)+"/product-ids", &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: catalog %s: %w", entity.ErrServiceUnavailable, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", entity.ErrProductNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: catalog %s returned %d", entity.ErrServiceUnavailable, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode catalog response: %w", entity.ErrServiceUnavailable, err)
	}
	return nil
}
