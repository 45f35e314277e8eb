package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/mayorista/pedidos/internal/domain"
	pfirestore "github.com/mayorista/pedidos/internal/platform/firestore"
	"github.com/mayorista/pedidos/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	Number        int64           `firestore:"number"`
	ClientID      string          `firestore:"clientId"`
	SellerID      *string         `firestore:"sellerId,omitempty"`
	Status        string          `firestore:"status"`
	Lock          *lockDocument   `firestore:"lock"`
	Contact       contactDocument `firestore:"contact"`
	Lines         []lineDocument  `firestore:"lines"`
	Total         int64           `firestore:"total"`
	Notes         string          `firestore:"notes,omitempty"`
	SubmissionKey string          `firestore:"submissionKey,omitempty"`
	Revision      int64           `firestore:"revision"`
	CreatedAt     time.Time       `firestore:"createdAt"`
	UpdatedAt     time.Time       `firestore:"updatedAt"`
	CanceledAt    *time.Time      `firestore:"canceledAt,omitempty"`
}

type lockDocument struct {
	Token      string    `firestore:"token"`
	HolderID   string    `firestore:"holderId"`
	AcquiredAt time.Time `firestore:"acquiredAt"`
	ExpiresAt  time.Time `firestore:"expiresAt"`
}

type contactDocument struct {
	Name  string `firestore:"name"`
	Phone string `firestore:"phone"`
	Email string `firestore:"email,omitempty"`
}

type lineDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"quantity"`
	CaseSize  int    `firestore:"caseSize"`
	UnitPrice int64  `firestore:"unitPrice"`
	CasePrice int64  `firestore:"casePrice"`
	Subtotal  int64  `firestore:"subtotal"`
}

// OrderRepository implements repositories.OrderRepository on the orders collection. Every
// mutation of an existing order runs inside a Firestore transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// Create stores a new order, failing when the id is already taken.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return repositories.NewOrderError("orders.create", repositories.OrderErrorInvalidInput, "order id is required", nil)
	}
	ref, err := r.base.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrder(order)); err != nil {
		if pfirestore.IsAlreadyExists(err) {
			return repositories.NewOrderError("orders.create", repositories.OrderErrorAlreadyExists, fmt.Sprintf("order %s already exists", id), err)
		}
		return pfirestore.WrapError("orders.create", err)
	}
	return nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, notFoundAsOrderError("orders.get", orderID, err)
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// Mutate reads the order, applies fn and writes the result in one transaction. Errors from fn
// abort the transaction and are returned untouched.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if fn == nil {
		return domain.Order{}, repositories.NewOrderError("orders.mutate", repositories.OrderErrorInvalidInput, "mutation is required", nil)
	}
	id := strings.TrimSpace(orderID)
	ref, err := r.base.Doc(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return &pfirestore.AbortError{Err: repositories.NewOrderError("orders.mutate", repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", id), err)}
			}
			return err
		}
		decoded, err := pfirestore.Decode[orderDocument](snapshot)
		if err != nil {
			return &pfirestore.AbortError{Err: repositories.NewOrderError("orders.mutate", repositories.OrderErrorCorrupt, "", err)}
		}

		updated, err := fn(decodeOrder(decoded.ID, decoded.Data))
		if err != nil {
			return &pfirestore.AbortError{Err: err}
		}
		updated.ID = id
		if err := tx.Set(ref, encodeOrder(updated)); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// FindBySubmissionKey returns the order a client created with the given submission key.
func (r *OrderRepository) FindBySubmissionKey(ctx context.Context, clientID, key string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	docs, err := r.base.Find(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("clientId", "==", strings.TrimSpace(clientID)).
			Where("submissionKey", "==", strings.TrimSpace(key)).
			Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, repositories.NewOrderError("orders.by_submission_key", repositories.OrderErrorNotFound, "no order for submission key", nil)
	}
	return decodeOrder(docs[0].ID, docs[0].Data), nil
}

// ListEditingByClient returns the client's orders currently in editando, live lock or not.
func (r *OrderRepository) ListEditingByClient(ctx context.Context, clientID string) ([]domain.Order, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	docs, err := r.base.Find(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("clientId", "==", strings.TrimSpace(clientID)).
			Where("status", "==", string(domain.OrderStatusEditing))
	})
	if err != nil {
		return nil, err
	}
	return decodeOrders(docs), nil
}

// ListExpiredLocks returns up to limit editando orders whose lock expired before now, oldest
// first.
func (r *OrderRepository) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		return nil, repositories.NewOrderError("orders.expired_locks", repositories.OrderErrorInvalidInput, "limit must be positive", nil)
	}
	docs, err := r.base.Find(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusEditing)).
			Where("lock.expiresAt", "<=", now.UTC()).
			OrderBy("lock.expiresAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	return decodeOrders(docs), nil
}

func notFoundAsOrderError(op, orderID string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return repositories.NewOrderError(op, repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
	}
	return err
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		Number:   order.Number,
		ClientID: order.ClientID,
		SellerID: order.SellerID,
		Status:   string(order.Status),
		Contact: contactDocument{
			Name:  order.Contact.Name,
			Phone: order.Contact.Phone,
			Email: order.Contact.Email,
		},
		Lines:         make([]lineDocument, 0, len(order.Lines)),
		Total:         order.Total,
		Notes:         order.Notes,
		SubmissionKey: order.SubmissionKey,
		Revision:      order.Revision,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
	}
	if order.CanceledAt != nil {
		canceled := order.CanceledAt.UTC()
		doc.CanceledAt = &canceled
	}
	if order.Lock != nil {
		doc.Lock = &lockDocument{
			Token:      order.Lock.Token,
			HolderID:   order.Lock.HolderID,
			AcquiredAt: order.Lock.AcquiredAt.UTC(),
			ExpiresAt:  order.Lock.ExpiresAt.UTC(),
		}
	}
	for _, line := range order.Lines {
		doc.Lines = append(doc.Lines, lineDocument{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			CaseSize:  line.CaseSize,
			UnitPrice: line.UnitPrice,
			CasePrice: line.CasePrice,
			Subtotal:  line.Subtotal,
		})
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:       id,
		Number:   doc.Number,
		ClientID: doc.ClientID,
		SellerID: doc.SellerID,
		Status:   domain.OrderStatus(doc.Status),
		Contact: domain.OrderContact{
			Name:  doc.Contact.Name,
			Phone: doc.Contact.Phone,
			Email: doc.Contact.Email,
		},
		Lines:         make([]domain.OrderLine, 0, len(doc.Lines)),
		Total:         doc.Total,
		Notes:         doc.Notes,
		SubmissionKey: doc.SubmissionKey,
		Revision:      doc.Revision,
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}
	if doc.CanceledAt != nil {
		canceled := doc.CanceledAt.UTC()
		order.CanceledAt = &canceled
	}
	if doc.Lock != nil {
		order.Lock = &domain.EditLock{
			Token:      doc.Lock.Token,
			HolderID:   doc.Lock.HolderID,
			AcquiredAt: doc.Lock.AcquiredAt.UTC(),
			ExpiresAt:  doc.Lock.ExpiresAt.UTC(),
		}
	}
	for _, line := range doc.Lines {
		order.Lines = append(order.Lines, domain.OrderLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			CaseSize:  line.CaseSize,
			UnitPrice: line.UnitPrice,
			CasePrice: line.CasePrice,
			Subtotal:  line.Subtotal,
		})
	}
	return order
}

func decodeOrders(docs []pfirestore.Document[orderDocument]) []domain.Order {
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrder(doc.ID, doc.Data))
	}
	return orders
}
