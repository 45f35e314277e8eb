package services

import (
	"fmt"
	"strings"

	domain "github.com/mayorista/pedidos/internal/domain"
)

// reconciliation is the outcome of checking one cart against one catalog read.
type reconciliation struct {
	Lines  []OrderLine
	Total  int64
	Report DiscrepancyReport
}

// reconcileCart evaluates every entry independently; a failing entry never hides problems in
// later entries. Lines are priced from the catalog only and are meaningful only when the
// report is empty.
func reconcileCart(entries []CartEntry, catalog map[string]domain.Product) reconciliation {
	result := reconciliation{
		Lines: make([]OrderLine, 0, len(entries)),
		Report: DiscrepancyReport{
			Entries:       []DiscrepancyEntry{},
			CorrectedCart: make([]CartEntry, 0, len(entries)),
		},
	}

	for _, entry := range entries {
		product, ok := catalog[entry.ProductID]
		if !ok || !product.Active {
			result.Report.Entries = append(result.Report.Entries, DiscrepancyEntry{
				ProductID:         entry.ProductID,
				Reason:            domain.DiscrepancyProductUnavailable,
				CartPrice:         entry.UnitPrice,
				RequestedQuantity: entry.Quantity,
			})
			continue
		}

		if cartPrice, catalogPrice, changed := priceChange(entry, product); changed {
			result.Report.Entries = append(result.Report.Entries, DiscrepancyEntry{
				ProductID:         entry.ProductID,
				Reason:            domain.DiscrepancyPriceChanged,
				CartPrice:         cartPrice,
				CatalogPrice:      int64Ptr(catalogPrice),
				RequestedQuantity: entry.Quantity,
			})
		}

		// Quantity is not clamped: the client decides how to resolve a shortage.
		if product.Stock != nil && *product.Stock < entry.Quantity {
			result.Report.Entries = append(result.Report.Entries, DiscrepancyEntry{
				ProductID:         entry.ProductID,
				Reason:            domain.DiscrepancyInsufficientStock,
				CartPrice:         entry.UnitPrice,
				CatalogPrice:      int64Ptr(product.UnitPrice),
				RequestedQuantity: entry.Quantity,
				AvailableQuantity: intPtr(*product.Stock),
			})
		}

		result.Report.CorrectedCart = append(result.Report.CorrectedCart, CartEntry{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  entry.Quantity,
			UnitPrice: product.UnitPrice,
			CasePrice: product.CasePriceFor(),
			CaseSize:  domain.EffectiveCaseSize(product.CaseSize),
		})
		result.Lines = append(result.Lines, product.PriceLine(entry.Quantity))
	}

	result.Total = domain.LinesTotal(result.Lines)
	return result
}

// priceChange compares what the client last saw against the catalog. The unit price is always
// compared; case price and case size only when the client sent them. A case-level change is
// reported in case prices so the entry still shows two different amounts.
func priceChange(entry CartEntry, product domain.Product) (cartPrice, catalogPrice int64, changed bool) {
	if entry.UnitPrice != product.UnitPrice {
		return entry.UnitPrice, product.UnitPrice, true
	}
	catalogCase := product.CasePriceFor()
	caseSizeChanged := entry.CaseSize > 0 && entry.CaseSize != domain.EffectiveCaseSize(product.CaseSize)
	casePriceChanged := entry.CasePrice > 0 && entry.CasePrice != catalogCase
	if !caseSizeChanged && !casePriceChanged {
		return 0, 0, false
	}
	seen := entry.CasePrice
	if seen <= 0 {
		seen = entry.UnitPrice * int64(entry.CaseSize)
	}
	return seen, catalogCase, true
}

// validateEntries rejects carts the client should never have sent. It runs before any catalog
// lookup.
func validateEntries(entries []CartEntry) ([]CartEntry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: cart must contain at least one entry", ErrOrderInvalidInput)
	}
	seen := make(map[string]struct{}, len(entries))
	normalized := make([]CartEntry, 0, len(entries))
	for i, entry := range entries {
		entry.ProductID = strings.TrimSpace(entry.ProductID)
		if entry.ProductID == "" {
			return nil, fmt.Errorf("%w: entry %d is missing a product id", ErrOrderInvalidInput, i)
		}
		if entry.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s must be at least 1", ErrOrderInvalidInput, entry.ProductID)
		}
		if _, dup := seen[entry.ProductID]; dup {
			return nil, fmt.Errorf("%w: product %s appears more than once", ErrOrderInvalidInput, entry.ProductID)
		}
		seen[entry.ProductID] = struct{}{}
		normalized = append(normalized, entry)
	}
	return normalized, nil
}

func productIDs(entries []CartEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ProductID)
	}
	return ids
}

func cartFromLines(lines []OrderLine) []CartEntry {
	entries := make([]CartEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, domain.CartEntryFromLine(line))
	}
	return entries
}

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }
