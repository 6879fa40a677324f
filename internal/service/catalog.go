package service

import (
	"context"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
)

// Catalog is the product collaborator the orchestrator calls synchronously.
// Implementations return entity.ErrProductNotFound for unknown products and
// entity.ErrServiceUnavailable when the catalog cannot answer.
type Catalog interface {
	LookupProduct(ctx context.Context, productID string) (entity.Product, error)
	ListSellerProductIDs(ctx context.Context, sellerID string) ([]string, error)
}

// InventoryCatalog serves catalog lookups straight from an inventory store.
type InventoryCatalog struct {
	inventory repository.InventoryRepository
}

func NewInventoryCatalog(inventory repository.InventoryRepository) *InventoryCatalog {
	return &InventoryCatalog{inventory: inventory}
}

func (c *InventoryCatalog) LookupProduct(ctx context.Context, productID string) (entity.Product, error) {
	return c.inventory.Get(ctx, productID)
}

func (c *InventoryCatalog) ListSellerProductIDs(ctx context.Context, sellerID string) ([]string, error) {
	return c.inventory.ListIDsBySeller(ctx, sellerID)
}
