package domain

// EffectiveCaseSize normalises missing or invalid case sizes to a single unit.
func EffectiveCaseSize(size int) int {
	if size <= 0 {
		return 1
	}
	return size
}

// CasePriceFor returns the catalog per-case price, deriving it from the unit price when the
// catalog does not store one explicitly.
func (p Product) CasePriceFor() int64 {
	if p.CasePrice > 0 {
		return p.CasePrice
	}
	return p.UnitPrice * int64(EffectiveCaseSize(p.CaseSize))
}

// PriceLine builds an order line for the requested quantity using catalog prices only.
func (p Product) PriceLine(quantity int) OrderLine {
	casePrice := p.CasePriceFor()
	return OrderLine{
		ProductID: p.ID,
		Name:      p.Name,
		Quantity:  quantity,
		CaseSize:  EffectiveCaseSize(p.CaseSize),
		UnitPrice: p.UnitPrice,
		CasePrice: casePrice,
		Subtotal:  casePrice * int64(quantity),
	}
}

// LinesTotal sums line subtotals.
func LinesTotal(lines []OrderLine) int64 {
	var total int64
	for _, line := range lines {
		total += line.Subtotal
	}
	return total
}

// CartEntryFromLine converts a committed line back into a cart entry carrying the captured prices.
func CartEntryFromLine(line OrderLine) CartEntry {
	return CartEntry{
		ProductID: line.ProductID,
		Name:      line.Name,
		Quantity:  line.Quantity,
		UnitPrice: line.UnitPrice,
		CasePrice: line.CasePrice,
		CaseSize:  line.CaseSize,
	}
}
