package storefront

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/mayorista/pedidos/internal/domain"
)

// DefaultLockPollInterval is how often a watcher asks whether the edit lock is still held.
const DefaultLockPollInterval = 60 * time.Second

// LockStatusChecker is the single API call a LockWatcher needs.
type LockStatusChecker interface {
	EditLockStatus(ctx context.Context, orderID, lockToken string) (*LockStatus, error)
}

// LockLoss describes why a watcher considers the edit lock gone.
type LockLoss struct {
	OrderID string
	// Status is the order status reported by the server, empty when the poll itself failed.
	Status domain.OrderStatus
	Err    error
}

// LockWatcherConfig configures StartLockWatcher.
type LockWatcherConfig struct {
	API       LockStatusChecker
	OrderID   string
	LockToken string
	Interval  time.Duration
	// OnLost runs once on the watcher goroutine when the lock is lost. It must not call Stop.
	OnLost func(LockLoss)
	// OnError receives transient poll failures; polling continues afterwards.
	OnError func(error)
}

// LockWatcher polls the edit lock of one order until it is stopped, its context ends or the
// lock is lost.
type LockWatcher struct {
	cfg    LockWatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	lost     *LockLoss
}

// StartLockWatcher starts polling in a new goroutine bound to ctx.
func StartLockWatcher(ctx context.Context, cfg LockWatcherConfig) (*LockWatcher, error) {
	if cfg.API == nil {
		return nil, errors.New("storefront: lock watcher requires an api client")
	}
	cfg.OrderID = strings.TrimSpace(cfg.OrderID)
	cfg.LockToken = strings.TrimSpace(cfg.LockToken)
	if cfg.OrderID == "" || cfg.LockToken == "" {
		return nil, errors.New("storefront: lock watcher requires order id and lock token")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLockPollInterval
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	w := &LockWatcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(runCtx)
	return w, nil
}

// Stop cancels polling and waits for the goroutine to exit. It is safe to call repeatedly.
func (w *LockWatcher) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(w.cancel)
	<-w.done
}

// Done is closed once the watcher goroutine has exited.
func (w *LockWatcher) Done() <-chan struct{} {
	return w.done
}

// Lost returns the recorded loss, or nil while the lock is believed held.
func (w *LockWatcher) Lost() *LockLoss {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lost == nil {
		return nil
	}
	loss := *w.lost
	return &loss
}

func (w *LockWatcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		loss, err := w.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if w.cfg.OnError != nil {
				w.cfg.OnError(err)
			}
			continue
		}
		if loss != nil {
			w.mu.Lock()
			w.lost = loss
			w.mu.Unlock()
			if w.cfg.OnLost != nil {
				w.cfg.OnLost(*loss)
			}
			return
		}
	}
}

// poll returns a loss when the lock is gone, or a transient error to report.
func (w *LockWatcher) poll(ctx context.Context) (*LockLoss, error) {
	status, err := w.cfg.API.EditLockStatus(ctx, w.cfg.OrderID, w.cfg.LockToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return &LockLoss{OrderID: w.cfg.OrderID, Err: err}, nil
		}
		return nil, err
	}
	if status == nil || !status.Held {
		loss := &LockLoss{OrderID: w.cfg.OrderID}
		if status != nil {
			loss.Status = status.Status
		}
		return loss, nil
	}
	return nil, nil
}
