// Package answer turns an inbound question into a scored reply.
//
// The router only sees the Engine interface; the embedding implementation
// keeps a cache of QA pairs with their question embeddings and picks the
// best cosine match.
package answer

import "context"

// Result is a candidate reply with the engine's confidence in [0, 1].
type Result struct {
	Text       string
	Confidence float64
}

type Engine interface {
	Answer(ctx context.Context, question string) (Result, error)
}
