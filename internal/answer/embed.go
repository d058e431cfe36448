package answer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"

	"msgfleet/internal/qa"
	"msgfleet/pkg/logx"
)

// PairLister is the slice of the QA store the engine needs.
type PairLister interface {
	ListAll(ctx context.Context) ([]qa.Pair, error)
}

// Embedder produces a vector for a piece of text. Seam for tests and for
// swapping the embeddings backend.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	// Threshold is the minimum cosine similarity for a confident answer.
	Threshold float64
	// Fallback is returned (with the raw best score) when no pair clears
	// the threshold.
	Fallback string
	// RefreshCron re-embeds the QA set on a schedule ("@hourly" etc.).
	// Empty disables scheduled refresh; the cache still self-populates on
	// first use.
	RefreshCron string
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.75
	}
	if c.Fallback == "" {
		c.Fallback = "I'm not sure about that one; a human agent will follow up."
	}
	return c
}

type cacheEntry struct {
	pair qa.Pair
	vec  []float32
	hash string
}

// EmbedEngine matches questions against the QA set by embedding similarity.
// Refresh re-uses embeddings of unchanged questions (matched by text hash)
// so a schedule tick only pays for pairs that actually changed.
type EmbedEngine struct {
	cfg      Config
	store    PairLister
	embedder Embedder
	log      logx.Logger

	mu    sync.Mutex
	cache []cacheEntry

	cron *cron.Cron
}

func NewEmbedEngine(cfg Config, store PairLister, embedder Embedder, log logx.Logger) *EmbedEngine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EmbedEngine{cfg: cfg.withDefaults(), store: store, embedder: embedder, log: log}
}

// Start installs the scheduled cache refresh, if configured.
func (e *EmbedEngine) Start(ctx context.Context) error {
	if e.cfg.RefreshCron == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(e.cfg.RefreshCron, func() {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := e.Refresh(rctx); err != nil {
			e.log.Warn("scheduled qa refresh failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("answer: bad refresh_cron %q: %w", e.cfg.RefreshCron, err)
	}
	c.Start()
	e.cron = c
	return nil
}

func (e *EmbedEngine) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
		e.cron = nil
	}
}

// Refresh reloads the QA set and embeds any question whose text changed.
func (e *EmbedEngine) Refresh(ctx context.Context) error {
	pairs, err := e.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("answer: list qa pairs: %w", err)
	}

	e.mu.Lock()
	existing := make(map[string]cacheEntry, len(e.cache))
	for _, ent := range e.cache {
		existing[ent.hash] = ent
	}
	e.mu.Unlock()

	next := make([]cacheEntry, 0, len(pairs))
	embedded := 0
	for _, p := range pairs {
		h := hashText(p.Question)
		if prev, ok := existing[h]; ok {
			prev.pair = p // answer text may have changed; embedding has not
			next = append(next, prev)
			continue
		}
		vec, err := e.embedder.Embed(ctx, p.Question)
		if err != nil {
			return fmt.Errorf("answer: embed question %d: %w", p.ID, err)
		}
		next = append(next, cacheEntry{pair: p, vec: vec, hash: h})
		embedded++
	}

	e.mu.Lock()
	e.cache = next
	e.mu.Unlock()

	e.log.Info("qa cache refreshed", logx.Int("pairs", len(next)), logx.Int("embedded", embedded))
	return nil
}

// Answer embeds the question and returns the best-matching stored answer.
// Below the threshold it returns the fallback text with the raw best score
// so the caller can still see how close the match was.
func (e *EmbedEngine) Answer(ctx context.Context, question string) (Result, error) {
	e.mu.Lock()
	empty := len(e.cache) == 0
	e.mu.Unlock()
	if empty {
		if err := e.Refresh(ctx); err != nil {
			return Result{}, err
		}
	}

	vec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return Result{}, fmt.Errorf("answer: embed question: %w", err)
	}

	e.mu.Lock()
	best := -1.0
	var bestPair qa.Pair
	for _, ent := range e.cache {
		if score := cosine(vec, ent.vec); score > best {
			best = score
			bestPair = ent.pair
		}
	}
	e.mu.Unlock()

	if best >= e.cfg.Threshold && bestPair.Answer != "" {
		e.log.Debug("qa match", logx.Int64("pair", bestPair.ID), logx.Float64("score", best))
		return Result{Text: bestPair.Answer, Confidence: best}, nil
	}
	e.log.Debug("no confident qa match", logx.Float64("best", best))
	return Result{Text: e.cfg.Fallback, Confidence: best}, nil
}

// cosine returns the cosine similarity of two vectors, or -1 when the
// vectors are unusable (mismatched lengths, zero magnitude).
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return -1
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// ---- OpenAI-compatible embedder ----

type OpenAIConfig struct {
	APIKey  string
	BaseURL string // optional; points at any OpenAI-compatible endpoint
	Model   string
}

type openAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder talks to an OpenAI-compatible embeddings endpoint
// (including a local Ollama via BaseURL).
func NewOpenAIEmbedder(cfg OpenAIConfig) (Embedder, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("answer: embedding model is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &openAIEmbedder{
		client: openai.NewClientWithConfig(oc),
		model:  openai.EmbeddingModel(cfg.Model),
	}, nil
}

func (o *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{strings.TrimSpace(text)},
		Model: o.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("answer: empty embeddings response")
	}
	return resp.Data[0].Embedding, nil
}
