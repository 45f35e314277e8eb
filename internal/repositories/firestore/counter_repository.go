package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/mayorista/pedidos/internal/platform/firestore"
	"github.com/mayorista/pedidos/internal/repositories"
)

const (
	countersCollection = "counters"
	// Order numbers are a single hot document; allow more contention retries than the default.
	counterTxAttempts = 10
)

type counterDocument struct {
	Value     int64     `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CounterRepository issues sequential order numbers from a counters/{id} document.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	clock    func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository wires the counters collection.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection),
		clock:    time.Now,
	}, nil
}

// Next adds step to the counter and returns the new value; an absent counter starts at 0.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	switch {
	case id == "":
		return 0, repositories.NewOrderError("counters.next", repositories.OrderErrorInvalidInput, "counter id is required", nil)
	case step <= 0:
		return 0, repositories.NewOrderError("counters.next", repositories.OrderErrorInvalidInput, fmt.Sprintf("counter step must be positive, got %d", step), nil)
	}

	var value int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.Doc(ctx, id)
		if err != nil {
			return err
		}
		current := counterDocument{}
		snapshot, err := tx.Get(ref)
		if err != nil && !pfirestore.IsNotFound(err) {
			return err
		}
		if err == nil {
			if decodeErr := snapshot.DataTo(&current); decodeErr != nil {
				return &pfirestore.AbortError{Err: repositories.NewOrderError("counters.next", repositories.OrderErrorCorrupt, "counter "+id+" is unreadable", decodeErr)}
			}
		}
		current.Value += step
		current.UpdatedAt = r.clock().UTC()
		value = current.Value
		return tx.Set(ref, current)
	}, pfirestore.WithTxAttempts(counterTxAttempts))
	if err != nil {
		return 0, err
	}
	return value, nil
}
