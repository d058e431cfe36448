package answer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"msgfleet/internal/qa"
	"msgfleet/pkg/logx"
)

type memPairs struct {
	mu    sync.Mutex
	pairs []qa.Pair
	err   error
}

func (m *memPairs) ListAll(context.Context) ([]qa.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]qa.Pair(nil), m.pairs...), nil
}

// vecEmbedder maps known texts to fixed vectors and counts calls.
type vecEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	calls int
}

func (v *vecEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	vec, ok := v.vecs[text]
	if !ok {
		return nil, errors.New("no vector for " + text)
	}
	return vec, nil
}

func (v *vecEmbedder) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, -1},
		{"empty", nil, nil, -1},
	}
	for _, c := range cases {
		if got := cosine(c.a, c.b); math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("%s: cosine = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestAnswerMatchesAboveThreshold(t *testing.T) {
	store := &memPairs{pairs: []qa.Pair{
		{ID: 1, Question: "opening hours", Answer: "nine to five"},
		{ID: 2, Question: "parking", Answer: "behind the building"},
	}}
	emb := &vecEmbedder{vecs: map[string][]float32{
		"opening hours":      {1, 0, 0},
		"parking":            {0, 1, 0},
		"when are you open?": {0.95, 0.05, 0},
	}}
	e := NewEmbedEngine(Config{Threshold: 0.75}, store, emb, logx.Nop())

	res, err := e.Answer(context.Background(), "when are you open?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.Text != "nine to five" {
		t.Fatalf("answer = %q", res.Text)
	}
	if res.Confidence < 0.75 {
		t.Fatalf("confidence = %v", res.Confidence)
	}
}

func TestAnswerFallsBackBelowThreshold(t *testing.T) {
	store := &memPairs{pairs: []qa.Pair{
		{ID: 1, Question: "opening hours", Answer: "nine to five"},
	}}
	emb := &vecEmbedder{vecs: map[string][]float32{
		"opening hours":           {1, 0, 0},
		"do you ship to the moon": {0, 0, 1},
	}}
	e := NewEmbedEngine(Config{Threshold: 0.75, Fallback: "no idea"}, store, emb, logx.Nop())

	res, err := e.Answer(context.Background(), "do you ship to the moon")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.Text != "no idea" {
		t.Fatalf("answer = %q", res.Text)
	}
	if res.Confidence >= 0.75 {
		t.Fatalf("confidence = %v, must stay below threshold", res.Confidence)
	}
}

func TestRefreshReusesUnchangedEmbeddings(t *testing.T) {
	store := &memPairs{pairs: []qa.Pair{
		{ID: 1, Question: "opening hours", Answer: "nine to five"},
		{ID: 2, Question: "parking", Answer: "behind the building"},
	}}
	emb := &vecEmbedder{vecs: map[string][]float32{
		"opening hours": {1, 0},
		"parking":       {0, 1},
		"returns":       {1, 1},
	}}
	e := NewEmbedEngine(Config{}, store, emb, logx.Nop())

	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	first := emb.callCount()
	if first != 2 {
		t.Fatalf("first refresh embedded %d questions, want 2", first)
	}

	// Edit one answer, add one pair. Only the new question gets embedded.
	store.mu.Lock()
	store.pairs[0].Answer = "eight to four"
	store.pairs = append(store.pairs, qa.Pair{ID: 3, Question: "returns", Answer: "within 30 days"})
	store.mu.Unlock()

	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if got := emb.callCount() - first; got != 1 {
		t.Fatalf("second refresh embedded %d questions, want 1", got)
	}

	// The edited answer text must be served even though its embedding was
	// reused.
	emb.mu.Lock()
	emb.vecs["what are the opening hours"] = []float32{1, 0}
	emb.mu.Unlock()
	res, err := e.Answer(context.Background(), "what are the opening hours")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.Text != "eight to four" {
		t.Fatalf("answer = %q, want the updated text", res.Text)
	}
}

func TestAnswerSelfPopulatesCache(t *testing.T) {
	store := &memPairs{pairs: []qa.Pair{
		{ID: 1, Question: "opening hours", Answer: "nine to five"},
	}}
	emb := &vecEmbedder{vecs: map[string][]float32{
		"opening hours": {1, 0},
	}}
	e := NewEmbedEngine(Config{}, store, emb, logx.Nop())

	// No explicit Refresh: the first Answer call loads the cache itself.
	res, err := e.Answer(context.Background(), "opening hours")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.Text != "nine to five" {
		t.Fatalf("answer = %q", res.Text)
	}
}

func TestRefreshPropagatesStoreErrors(t *testing.T) {
	store := &memPairs{err: errors.New("db locked")}
	e := NewEmbedEngine(Config{}, store, &vecEmbedder{}, logx.Nop())
	if err := e.Refresh(context.Background()); err == nil {
		t.Fatal("expected error from failing store")
	}
}
