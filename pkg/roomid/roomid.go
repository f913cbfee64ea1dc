// Package roomid generates short room identifiers for peers to share.
package roomid

import (
	"fmt"

	"github.com/teris-io/shortid"
)

// Generate returns a new URL-safe room id.
func Generate() (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}
	return id, nil
}

// Generator produces room ids from a fixed worker seed, so that several
// processes minting ids at once do not collide.
type Generator struct {
	sid *shortid.Shortid
}

// NewGenerator creates a Generator. worker must be in [0, 31].
func NewGenerator(worker uint8, seed uint64) (*Generator, error) {
	sid, err := shortid.New(worker, shortid.DefaultABC, seed)
	if err != nil {
		return nil, fmt.Errorf("init room id generator: %w", err)
	}
	return &Generator{sid: sid}, nil
}

// Next returns the next room id.
func (g *Generator) Next() (string, error) {
	return g.sid.Generate()
}
