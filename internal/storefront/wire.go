package storefront

import (
	domain "github.com/mayorista/pedidos/internal/domain"
)

type cartEntryWire struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	CasePrice int64  `json:"case_price,omitempty"`
	CaseSize  int    `json:"case_size,omitempty"`
}

type contactWire struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type submitCartBody struct {
	ClientID      string          `json:"client_id,omitempty"`
	SellerID      string          `json:"seller_id,omitempty"`
	Contact       contactWire     `json:"contact"`
	Lines         []cartEntryWire `json:"lines"`
	Notes         string          `json:"notes,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	LockToken     string          `json:"lock_token,omitempty"`
	SubmissionKey string          `json:"submission_key,omitempty"`
}

type validateCartBody struct {
	ClientID string          `json:"client_id,omitempty"`
	Lines    []cartEntryWire `json:"lines"`
}

type cancelOrderBody struct {
	Reason    string `json:"reason,omitempty"`
	LockToken string `json:"lock_token,omitempty"`
}

type orderLineWire struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	CaseSize  int    `json:"case_size"`
	UnitPrice int64  `json:"unit_price"`
	CasePrice int64  `json:"case_price"`
	Subtotal  int64  `json:"subtotal"`
}

type orderLockWire struct {
	HolderID  string `json:"holder_id"`
	ExpiresAt string `json:"expires_at"`
}

type orderWire struct {
	ID         string          `json:"id"`
	Number     int64           `json:"number"`
	ClientID   string          `json:"client_id"`
	SellerID   string          `json:"seller_id"`
	Status     string          `json:"status"`
	Contact    contactWire     `json:"contact"`
	Lines      []orderLineWire `json:"lines"`
	Total      int64           `json:"total"`
	Notes      string          `json:"notes"`
	Revision   int64           `json:"revision"`
	Lock       *orderLockWire  `json:"lock"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
	CanceledAt string          `json:"canceled_at"`
}

type orderEnvelope struct {
	Order orderWire `json:"order"`
}

type submitWire struct {
	Order        orderWire `json:"order"`
	Created      bool      `json:"created"`
	Deduplicated bool      `json:"deduplicated"`
}

type discrepancyEntryWire struct {
	ProductID         string `json:"product"`
	Reason            string `json:"reason"`
	CartPrice         int64  `json:"cart_price"`
	CatalogPrice      *int64 `json:"catalog_price"`
	RequestedQuantity int    `json:"requested_quantity"`
	AvailableQuantity *int   `json:"available_quantity"`
}

type discrepancyWire struct {
	Error         string                 `json:"error"`
	Message       string                 `json:"message"`
	Errors        []discrepancyEntryWire `json:"errors"`
	CorrectedCart []cartEntryWire        `json:"corrected_cart"`
}

type quoteWire struct {
	Valid         bool                   `json:"valid"`
	Lines         []orderLineWire        `json:"lines"`
	Total         int64                  `json:"total"`
	Errors        []discrepancyEntryWire `json:"errors"`
	CorrectedCart []cartEntryWire        `json:"corrected_cart"`
}

type editWire struct {
	OrderID   string          `json:"order_id"`
	LockToken string          `json:"lock_token"`
	ExpiresAt string          `json:"expires_at"`
	Lines     []cartEntryWire `json:"lines"`
	Order     orderWire       `json:"order"`
}

type lockStatusWire struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Held      bool   `json:"held"`
	ExpiresAt string `json:"expires_at"`
}

type errorWire struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (w submitWire) toResult() *SubmitResult {
	return &SubmitResult{
		Order:        w.Order.toOrder(),
		Created:      w.Created,
		Deduplicated: w.Deduplicated,
	}
}

func (w orderWire) toOrder() Order {
	order := Order{
		ID:         w.ID,
		Number:     w.Number,
		ClientID:   w.ClientID,
		SellerID:   w.SellerID,
		Status:     domain.OrderStatus(w.Status),
		Contact:    domain.OrderContact{Name: w.Contact.Name, Phone: w.Contact.Phone, Email: w.Contact.Email},
		Lines:      linesFromWire(w.Lines),
		Total:      w.Total,
		Notes:      w.Notes,
		Revision:   w.Revision,
		CanceledAt: parseOptionalTime(w.CanceledAt),
	}
	if created := parseOptionalTime(w.CreatedAt); created != nil {
		order.CreatedAt = *created
	}
	if updated := parseOptionalTime(w.UpdatedAt); updated != nil {
		order.UpdatedAt = *updated
	}
	if w.Lock != nil {
		order.LockHolder = w.Lock.HolderID
		order.LockExpiry = parseOptionalTime(w.Lock.ExpiresAt)
	}
	return order
}

func linesFromWire(lines []orderLineWire) []OrderLine {
	out := make([]OrderLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, OrderLine(line))
	}
	return out
}

func entriesToWire(entries []domain.CartEntry) []cartEntryWire {
	out := make([]cartEntryWire, 0, len(entries))
	for _, entry := range entries {
		out = append(out, cartEntryWire{
			ProductID: entry.ProductID,
			Name:      entry.Name,
			Quantity:  entry.Quantity,
			UnitPrice: entry.UnitPrice,
			CasePrice: entry.CasePrice,
			CaseSize:  entry.CaseSize,
		})
	}
	return out
}

func entriesFromWire(entries []cartEntryWire) []domain.CartEntry {
	out := make([]domain.CartEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, domain.CartEntry{
			ProductID: entry.ProductID,
			Name:      entry.Name,
			Quantity:  entry.Quantity,
			UnitPrice: entry.UnitPrice,
			CasePrice: entry.CasePrice,
			CaseSize:  entry.CaseSize,
		})
	}
	return out
}

func reportFromWire(entries []discrepancyEntryWire, corrected []cartEntryWire) domain.DiscrepancyReport {
	report := domain.DiscrepancyReport{CorrectedCart: entriesFromWire(corrected)}
	for _, entry := range entries {
		report.Entries = append(report.Entries, domain.DiscrepancyEntry{
			ProductID:         entry.ProductID,
			Reason:            domain.DiscrepancyReason(entry.Reason),
			CartPrice:         entry.CartPrice,
			CatalogPrice:      entry.CatalogPrice,
			RequestedQuantity: entry.RequestedQuantity,
			AvailableQuantity: entry.AvailableQuantity,
		})
	}
	return report
}
