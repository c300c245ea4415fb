// Package domain defines the core data structures of the lending engine.
package domain

import "fmt"

// Pair market pair used to quote an asset on an exchange.
type Pair struct {
	// From asset symbol being priced.
	From string
	// To quote currency symbol.
	To string
}

// String returns the string representation.
func (p *Pair) String() string {
	return fmt.Sprintf("%s_%s", p.From, p.To)
}

// Symbol returns the concatenated exchange symbol.
func (p *Pair) Symbol() string {
	return fmt.Sprintf("%s%s", p.From, p.To)
}
