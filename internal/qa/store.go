// Package qa stores the question/answer pairs the answer engine matches
// against.
package qa

import "context"

type Pair struct {
	ID       int64  `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Store interface {
	ListAll(ctx context.Context) ([]Pair, error)
	Add(ctx context.Context, question, answer string) (Pair, error)
	Update(ctx context.Context, id int64, question, answer string) error
	Delete(ctx context.Context, id int64) error
	Close() error
}
