package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/t77yq/execd/internal/model"
)

var (
	// ErrUnsupportedScheme is returned when no store is registered for a reference scheme
	ErrUnsupportedScheme = errors.New("unsupported artifact scheme")

	// ErrNotFound is returned when the referenced artifact does not exist
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidReference is returned for references a store cannot address
	ErrInvalidReference = errors.New("invalid artifact reference")
)

// Store fetches artifacts addressed by one URI scheme
type Store interface {
	Scheme() string
	Fetch(ctx context.Context, ref *url.URL, w io.Writer) error
}

// Archiver persists output artifacts after collection
type Archiver interface {
	// Archive stores r under key and returns the addressable object name
	Archive(ctx context.Context, key string, r io.Reader, size int64) (string, error)
}

// Resolver dispatches artifact references to the store registered for their scheme
type Resolver struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewResolver creates a resolver with the given stores registered
func NewResolver(stores ...Store) *Resolver {
	r := &Resolver{stores: make(map[string]Store)}
	for _, s := range stores {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the store for its scheme
func (r *Resolver) Register(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.Scheme()] = s
}

// Schemes lists the registered schemes
func (r *Resolver) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.stores))
	for s := range r.stores {
		schemes = append(schemes, s)
	}
	return schemes
}

// Fetch copies the artifact referenced by ref into w
func (r *Resolver) Fetch(ctx context.Context, ref model.ArtifactRef, w io.Writer) error {
	u, err := url.Parse(ref.URI)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidReference, ref.URI, err)
	}

	r.mu.RLock()
	store, ok := r.stores[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if err := store.Fetch(ctx, u, w); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", ref.URI, err)
	}
	return nil
}
