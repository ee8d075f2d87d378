package ids

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Provider issues identifiers for persisted rows.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence is a deterministic Provider for tests and tooling: prefix-1, prefix-2, ...
type Sequence struct {
	Prefix string
	mu     sync.Mutex
	next   int
}

func (s *Sequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.Prefix + "-" + strconv.Itoa(s.next), nil
}
