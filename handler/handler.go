package handler

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/wbrown/gpt_bpe"

	"github.com/wbrown/secstream/model"
)

// Engine is the inference runtime behind the handler. Implementations
// must be safe for concurrent Generate calls.
type Engine interface {
	Generate(ctx context.Context, prompt string,
		params model.SampleParams) (string, error)
}

// Tokenizer is the tokenizer surface the packaged engine needs; it is
// satisfied by *gpt_bpe.GPTEncoder.
type Tokenizer interface {
	Encode(text *string) *gpt_bpe.Tokens
	Decode(tokens *gpt_bpe.Tokens) string
}

// GenerateRequest is one item of a generation batch. Zero-valued sampling
// fields fall back to the handler defaults.
type GenerateRequest struct {
	Prompt       string  `json:"prompt"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopK         int     `json:"top_k,omitempty"`
	TopP         float64 `json:"top_p,omitempty"`
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
}

// GenerateResult is the per-item outcome. A failed item carries its error
// string without failing the rest of the batch.
type GenerateResult struct {
	Text string `json:"text"`
	Err  string `json:"error,omitempty"`
}

// Handler serves batched generation over an Engine, with a bounded LRU of
// previous completions keyed on prompt and sampling parameters.
type Handler struct {
	engine   Engine
	cache    *lru.Cache
	defaults model.SampleParams
}

// DefaultSampleParams mirrors the serving defaults of the original
// deployment.
func DefaultSampleParams() model.SampleParams {
	return model.SampleParams{
		Temperature:  0.8,
		TopK:         40,
		TopP:         0.95,
		MaxNewTokens: 64,
	}
}

// New creates a handler with the given engine and cache capacity.
func New(engine Engine, cacheSize int) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("an inference engine is required")
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, cacheErr := lru.New(cacheSize)
	if cacheErr != nil {
		return nil, cacheErr
	}
	return &Handler{
		engine:   engine,
		cache:    cache,
		defaults: DefaultSampleParams(),
	}, nil
}

func (h *Handler) params(req *GenerateRequest) model.SampleParams {
	params := h.defaults
	if req.Temperature > 0 {
		params.Temperature = req.Temperature
	}
	if req.TopK > 0 {
		params.TopK = req.TopK
	}
	if req.TopP > 0 {
		params.TopP = req.TopP
	}
	if req.MaxNewTokens > 0 {
		params.MaxNewTokens = req.MaxNewTokens
	}
	return params
}

func cacheKey(prompt string, params model.SampleParams) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(fmt.Sprintf(
		"%s|%g|%d|%g|%d", prompt, params.Temperature, params.TopK,
		params.TopP, params.MaxNewTokens))))
}

// Generate runs a batch. Items are processed concurrently; each failure
// lands in its own result slot.
func (h *Handler) Generate(ctx context.Context,
	requests []GenerateRequest) []GenerateResult {
	results := make([]GenerateResult, len(requests))
	var wg sync.WaitGroup
	for reqIdx := range requests {
		wg.Add(1)
		go func(reqIdx int) {
			defer wg.Done()
			request := &requests[reqIdx]
			params := h.params(request)
			key := cacheKey(request.Prompt, params)
			if cached, ok := h.cache.Get(key); ok {
				results[reqIdx] = GenerateResult{Text: cached.(string)}
				return
			}
			text, genErr := h.engine.Generate(ctx, request.Prompt, params)
			if genErr != nil {
				results[reqIdx] = GenerateResult{Err: genErr.Error()}
				return
			}
			h.cache.Add(key, text)
			results[reqIdx] = GenerateResult{Text: text}
		}(reqIdx)
	}
	wg.Wait()
	return results
}

type generateBody struct {
	Inputs     []string         `json:"inputs"`
	Parameters *GenerateRequest `json:"parameters,omitempty"`
}

type generateResponse struct {
	Outputs []GenerateResult `json:"outputs"`
}

// ServeHTTP exposes the batch interface: POST a JSON body of
// {"inputs": [...], "parameters": {...}} and receive {"outputs": [...]}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body generateBody
	if decodeErr := json.NewDecoder(r.Body).Decode(&body); decodeErr != nil {
		http.Error(w, decodeErr.Error(), http.StatusBadRequest)
		return
	}
	if len(body.Inputs) == 0 {
		http.Error(w, "inputs are required", http.StatusBadRequest)
		return
	}
	requests := make([]GenerateRequest, len(body.Inputs))
	for inputIdx, input := range body.Inputs {
		if body.Parameters != nil {
			requests[inputIdx] = *body.Parameters
		}
		requests[inputIdx].Prompt = input
	}
	results := h.Generate(r.Context(), requests)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(generateResponse{Outputs: results})
}

// LMEngine drives a model.LM with a tokenizer; it is the packaged Engine
// used when no external runtime is wired in.
type LMEngine struct {
	Tokenizer Tokenizer
	Model     *model.LM

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLMEngine wraps a model and tokenizer as an Engine.
func NewLMEngine(tokenizer Tokenizer, lm *model.LM, seed int64) *LMEngine {
	return &LMEngine{
		Tokenizer: tokenizer,
		Model:     lm,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (e *LMEngine) Generate(ctx context.Context, prompt string,
	params model.SampleParams) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	encoded := e.Tokenizer.Encode(&prompt)
	promptIDs := make([]int, len(*encoded))
	vocab := e.Model.Config().VocabSize
	for tokenIdx, token := range *encoded {
		if int(token) >= vocab {
			return "", errors.Errorf(
				"prompt token %d outside the model's vocab of %d",
				token, vocab)
		}
		promptIDs[tokenIdx] = int(token)
	}
	e.mu.Lock()
	tokens, genErr := e.Model.Generate(promptIDs, params, e.rng)
	e.mu.Unlock()
	if genErr != nil {
		return "", genErr
	}
	completion := make(gpt_bpe.Tokens, 0, len(tokens)-len(promptIDs))
	for _, token := range tokens[len(promptIDs):] {
		completion = append(completion, gpt_bpe.Token(token))
	}
	return e.Tokenizer.Decode(&completion), nil
}
