package storefront

import (
	"strconv"

	domain "github.com/mayorista/pedidos/internal/domain"
	"github.com/mayorista/pedidos/internal/platform/textutil"
)

// ApplyReport replaces the cart with the corrected cart of a rejected submission and
// returns the entries the caller should show for confirmation. It never resubmits.
func ApplyReport(store *CartStore, report domain.DiscrepancyReport) []domain.CartEntry {
	if store == nil {
		return nil
	}
	store.Replace(report.CorrectedCart)
	return store.Entries()
}

// DescribeDiscrepancy renders a single failed entry in the wording the storefront shows.
func DescribeDiscrepancy(entry domain.DiscrepancyEntry) string {
	switch entry.Reason {
	case domain.DiscrepancyProductUnavailable:
		return entry.ProductID + ": producto no disponible"
	case domain.DiscrepancyPriceChanged:
		if entry.CatalogPrice != nil {
			return entry.ProductID + ": precio modificado (" + textutil.FormatMoney(entry.CartPrice) + " -> " + textutil.FormatMoney(*entry.CatalogPrice) + ")"
		}
		return entry.ProductID + ": precio modificado"
	case domain.DiscrepancyInsufficientStock:
		if entry.AvailableQuantity != nil {
			return entry.ProductID + ": stock insuficiente (disponible " + strconv.Itoa(*entry.AvailableQuantity) + ")"
		}
		return entry.ProductID + ": stock insuficiente"
	default:
		return entry.ProductID + ": " + string(entry.Reason)
	}
}
