package storefront

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrEditLost is returned once the session's edit lock has expired or been taken away.
	ErrEditLost = errors.New("storefront: edit lock lost")
	// ErrSessionClosed is returned for operations on a committed, canceled or closed session.
	ErrSessionClosed = errors.New("storefront: edit session closed")
	// ErrSessionBusy is returned when Commit or Cancel is already in flight.
	ErrSessionBusy = errors.New("storefront: edit session busy")
)

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionBusy
	sessionCommitted
	sessionCanceled
	sessionLost
	sessionClosed
)

// EditSessionConfig configures OpenEditSession.
type EditSessionConfig struct {
	API     OrderAPI
	Cart    *CartStore
	OrderID string
	// PollInterval defaults to DefaultLockPollInterval.
	PollInterval time.Duration
	// OnLost runs once after the cart has been cleared because the lock was lost. The lock
	// watcher has exited by then, so the callback may call Close.
	OnLost func(LockLoss)
	// OnError receives transient lock poll failures.
	OnError func(error)
}

// EditSession scopes one edit of a pending order: it holds the lock token, keeps the cart in
// sync with the order lines and watches the lock until the session ends.
type EditSession struct {
	api     OrderAPI
	cart    *CartStore
	lease   EditLease
	watcher *LockWatcher
	started chan struct{}
	onLost  func(LockLoss)

	mu          sync.Mutex
	state       sessionState
	pendingLoss *LockLoss
	loss        *LockLoss
}

// OpenEditSession acquires the edit lock, replaces the cart with the order lines and starts
// watching the lock. The watcher is bound to ctx.
func OpenEditSession(ctx context.Context, cfg EditSessionConfig) (*EditSession, error) {
	if cfg.API == nil {
		return nil, errors.New("storefront: edit session requires an api client")
	}
	if cfg.Cart == nil {
		return nil, errors.New("storefront: edit session requires a cart store")
	}
	orderID := strings.TrimSpace(cfg.OrderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	lease, err := cfg.API.BeginEdit(ctx, orderID)
	if err != nil {
		return nil, err
	}

	s := &EditSession{
		api:    cfg.API,
		cart:   cfg.Cart,
		lease:   *lease,
		started: make(chan struct{}),
		onLost:  cfg.OnLost,
	}
	s.cart.Replace(lease.Entries)

	watcher, err := StartLockWatcher(ctx, LockWatcherConfig{
		API:       cfg.API,
		OrderID:   lease.OrderID,
		LockToken: lease.LockToken,
		Interval:  cfg.PollInterval,
		OnLost:    s.handleLoss,
		OnError:   cfg.OnError,
	})
	if err != nil {
		s.cart.Clear()
		if _, cancelErr := cfg.API.CancelEdit(context.WithoutCancel(ctx), lease.OrderID, lease.LockToken); cancelErr != nil {
			return nil, errors.Join(err, cancelErr)
		}
		return nil, err
	}
	s.watcher = watcher
	close(s.started)
	return s, nil
}

// Lease returns the lock lease the session was opened with.
func (s *EditSession) Lease() EditLease {
	return s.lease
}

// Cart returns the store the session edits.
func (s *EditSession) Cart() *CartStore {
	return s.cart
}

// Loss returns why the session was voided, or nil while the lock is held.
func (s *EditSession) Loss() *LockLoss {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loss == nil {
		return nil
	}
	loss := *s.loss
	return &loss
}

// Commit submits the current cart against the locked order. Entries from req are ignored in
// favour of the session cart; OrderID and LockToken are filled in from the lease.
// A *DiscrepancyError leaves the session open so the corrected cart can be reviewed.
func (s *EditSession) Commit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	req.OrderID = s.lease.OrderID
	req.LockToken = s.lease.LockToken
	req.Entries = s.cart.Entries()

	result, err := s.api.SubmitCart(ctx, req)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			s.finishLost(LockLoss{OrderID: s.lease.OrderID, Err: err})
			return nil, fmt.Errorf("%w: %w", ErrEditLost, err)
		}
		s.release()
		return nil, err
	}

	s.finish(sessionCommitted)
	s.cart.Clear()
	return result, nil
}

// Cancel releases the lock on the server. The cart is cleared and the watcher stopped only
// after the server confirms; any other failure leaves the session open.
func (s *EditSession) Cancel(ctx context.Context) (*Order, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	order, err := s.api.CancelEdit(ctx, s.lease.OrderID, s.lease.LockToken)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			s.finishLost(LockLoss{OrderID: s.lease.OrderID, Err: err})
			return nil, fmt.Errorf("%w: %w", ErrEditLost, err)
		}
		s.release()
		return nil, err
	}

	s.finish(sessionCanceled)
	s.cart.Clear()
	return order, nil
}

// Close stops the lock watcher. The server lock is left to expire; the cart is kept.
func (s *EditSession) Close() {
	s.mu.Lock()
	if s.state == sessionOpen {
		s.state = sessionClosed
	}
	s.mu.Unlock()
	s.watcher.Stop()
}

func (s *EditSession) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case sessionOpen:
		s.state = sessionBusy
		return nil
	case sessionBusy:
		return ErrSessionBusy
	case sessionLost:
		return ErrEditLost
	default:
		return ErrSessionClosed
	}
}

// release reopens a session after a failed call, applying a loss observed meanwhile.
func (s *EditSession) release() {
	s.mu.Lock()
	pending := s.pendingLoss
	s.pendingLoss = nil
	if pending == nil {
		s.state = sessionOpen
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.finishLost(*pending)
}

func (s *EditSession) finish(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.pendingLoss = nil
	s.mu.Unlock()
	s.watcher.Stop()
}

func (s *EditSession) finishLost(loss LockLoss) {
	s.mu.Lock()
	if s.state == sessionLost {
		s.mu.Unlock()
		return
	}
	s.state = sessionLost
	s.loss = &loss
	s.mu.Unlock()

	s.cart.Clear()
	s.watcher.Stop()
	if s.onLost != nil {
		s.onLost(loss)
	}
}

// handleLoss runs on the watcher goroutine and therefore never waits on the watcher. OnLost is
// handed to its own goroutine that waits for the watcher to exit first.
func (s *EditSession) handleLoss(loss LockLoss) {
	s.mu.Lock()
	switch s.state {
	case sessionOpen:
		s.state = sessionLost
		s.loss = &loss
	case sessionBusy:
		s.pendingLoss = &loss
		s.mu.Unlock()
		return
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.cart.Clear()
	if s.onLost != nil {
		go func() {
			<-s.started
			<-s.watcher.Done()
			s.onLost(loss)
		}()
	}
}
