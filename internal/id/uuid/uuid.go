// Package uuid provides event identifier generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers, so event IDs sort by
// creation order.
type Generator struct{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewRawID returns a UUIDv7.
func (Generator) NewRawID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// NewID returns a UUIDv7 string.
func (g Generator) NewID() (string, error) {
	id, err := g.NewRawID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Func adapts a plain function to the generator contract.
type Func func() (uuid.UUID, error)

// NewRawID calls f.
func (f Func) NewRawID() (uuid.UUID, error) {
	return f()
}
