package storefront

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	domain "github.com/mayorista/pedidos/internal/domain"
)

// ErrInvalidCartEntry is returned when a cart mutation carries an unusable entry.
var ErrInvalidCartEntry = errors.New("storefront: invalid cart entry")

// CartStore holds the client-side cart. The zero value is an empty cart ready for use.
type CartStore struct {
	mu      sync.Mutex
	entries []domain.CartEntry
}

// NewCartStore returns a store seeded with the supplied entries, merged by product id.
func NewCartStore(entries ...domain.CartEntry) *CartStore {
	store := &CartStore{}
	for _, entry := range entries {
		_ = store.Add(entry)
	}
	return store
}

// Add appends an entry or, when the product is already in the cart, adds to its quantity.
// Price and case data of an existing entry are refreshed from the new one.
func (s *CartStore) Add(entry domain.CartEntry) error {
	entry.ProductID = strings.TrimSpace(entry.ProductID)
	if entry.ProductID == "" || entry.Quantity <= 0 {
		return ErrInvalidCartEntry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ProductID != entry.ProductID {
			continue
		}
		merged := entry
		merged.Quantity += s.entries[i].Quantity
		if merged.Name == "" {
			merged.Name = s.entries[i].Name
		}
		s.entries[i] = merged
		return nil
	}
	s.entries = append(s.entries, entry)
	return nil
}

// SetQuantity overwrites the quantity of a product already in the cart. A non-positive
// quantity removes the entry.
func (s *CartStore) SetQuantity(productID string, quantity int) error {
	productID = strings.TrimSpace(productID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ProductID != productID {
			continue
		}
		if quantity <= 0 {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
		s.entries[i].Quantity = quantity
		return nil
	}
	return fmt.Errorf("%w: product %q not in cart", ErrInvalidCartEntry, productID)
}

// Remove drops a product from the cart. Removing an absent product is a no-op.
func (s *CartStore) Remove(productID string) {
	productID = strings.TrimSpace(productID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ProductID == productID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Entries returns a copy of the cart in insertion order.
func (s *CartStore) Entries() []domain.CartEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CartEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len reports the number of distinct products in the cart.
func (s *CartStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear empties the cart.
func (s *CartStore) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Replace overwrites the whole cart. It is meant for server-provided carts (edit sessions
// and corrected carts), so entries are stored as given without merging.
func (s *CartStore) Replace(entries []domain.CartEntry) {
	copied := make([]domain.CartEntry, 0, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry.ProductID) == "" || entry.Quantity <= 0 {
			continue
		}
		copied = append(copied, entry)
	}
	s.mu.Lock()
	s.entries = copied
	s.mu.Unlock()
}

type cartFile struct {
	Entries []cartFileEntry `yaml:"entries"`
}

type cartFileEntry struct {
	ProductID string `yaml:"product_id"`
	Name      string `yaml:"name,omitempty"`
	Quantity  int    `yaml:"quantity"`
	UnitPrice int64  `yaml:"unit_price"`
	CasePrice int64  `yaml:"case_price,omitempty"`
	CaseSize  int    `yaml:"case_size,omitempty"`
}

// Save writes the cart to path as YAML, creating parent directories as needed.
func (s *CartStore) Save(path string) error {
	entries := s.Entries()
	doc := cartFile{Entries: make([]cartFileEntry, 0, len(entries))}
	for _, entry := range entries {
		doc.Entries = append(doc.Entries, cartFileEntry{
			ProductID: entry.ProductID,
			Name:      entry.Name,
			Quantity:  entry.Quantity,
			UnitPrice: entry.UnitPrice,
			CasePrice: entry.CasePrice,
			CaseSize:  entry.CaseSize,
		})
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storefront: encode cart: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storefront: create cart dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("storefront: write cart: %w", err)
	}
	return nil
}

// LoadCartStore reads a cart saved with Save. A missing file yields an empty cart.
func LoadCartStore(path string) (*CartStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &CartStore{}, nil
		}
		return nil, fmt.Errorf("storefront: read cart: %w", err)
	}
	var doc cartFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("storefront: decode cart %s: %w", path, err)
	}
	store := &CartStore{}
	for _, entry := range doc.Entries {
		if err := store.Add(domain.CartEntry{
			ProductID: entry.ProductID,
			Name:      entry.Name,
			Quantity:  entry.Quantity,
			UnitPrice: entry.UnitPrice,
			CasePrice: entry.CasePrice,
			CaseSize:  entry.CaseSize,
		}); err != nil {
			return nil, fmt.Errorf("storefront: cart %s: %w", path, err)
		}
	}
	return store, nil
}
