package entity

import (
	"maps"
	"sort"

	"github.com/shopspring/decimal"
)

// Product is the catalog's view of a product, including its available quantity.
type Product struct {
	ID       string          `json:"id"`
	SellerID string          `json:"sellerId"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

// StockLine is one product/quantity pair of a reservation or release batch.
type StockLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// LinesFromQuantities converts a product quantity map into lines sorted by product id,
// the canonical lock order for inventory batches.
func LinesFromQuantities(m map[string]int) []StockLine {
	lines := make([]StockLine, 0, len(m))
	for id, qty := range m {
		lines = append(lines, StockLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines
}

// SameLines reports whether two batches move the same quantity of every product,
// regardless of line order or how a product's quantity is split across lines.
func SameLines(a, b []StockLine) bool {
	sum := func(lines []StockLine) map[string]int {
		m := make(map[string]int, len(lines))
		for _, l := range lines {
			m[l.ProductID] += l.Quantity
		}
		return m
	}
	return maps.Equal(sum(a), sum(b))
}

// ReservationResult is the outcome of an inventory batch reservation.
type ReservationResult struct {
	Reserved bool
	// Shortages lists the lines that could not be satisfied, when Reserved is false.
	Shortages []Shortage
}

type Shortage struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Missing   bool   `json:"missing,omitempty"`
}
