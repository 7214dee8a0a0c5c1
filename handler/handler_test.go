package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/gpt_bpe"

	"github.com/wbrown/secstream/model"
)

// mockEngine echoes prompts and fails on request, counting calls so cache
// hits are observable.
type mockEngine struct {
	calls    int64
	failWith map[string]error
}

func (e *mockEngine) Generate(ctx context.Context, prompt string,
	params model.SampleParams) (string, error) {
	atomic.AddInt64(&e.calls, 1)
	if err, failing := e.failWith[prompt]; failing {
		return "", err
	}
	return "completion of " + prompt, nil
}

func TestHandlerBatch(t *testing.T) {
	engine := &mockEngine{
		failWith: map[string]error{
			"broken": errors.New("engine exploded"),
		},
	}
	h, err := New(engine, 16)
	require.NoError(t, err)
	results := h.Generate(context.Background(), []GenerateRequest{
		{Prompt: "alpha"},
		{Prompt: "broken"},
		{Prompt: "beta"},
	})
	require.Len(t, results, 3)
	assert.Equal(t, "completion of alpha", results[0].Text)
	assert.Empty(t, results[0].Err)
	// The failed item carries its error without failing the batch.
	assert.Empty(t, results[1].Text)
	assert.Contains(t, results[1].Err, "engine exploded")
	assert.Equal(t, "completion of beta", results[2].Text)
}

func TestHandlerCache(t *testing.T) {
	engine := &mockEngine{}
	h, err := New(engine, 16)
	require.NoError(t, err)
	batch := []GenerateRequest{{Prompt: "alpha"}}
	first := h.Generate(context.Background(), batch)
	second := h.Generate(context.Background(), batch)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&engine.calls))

	// Different sampling parameters miss the cache.
	h.Generate(context.Background(), []GenerateRequest{
		{Prompt: "alpha", Temperature: 0.2},
	})
	assert.Equal(t, int64(2), atomic.LoadInt64(&engine.calls))
}

func TestHandlerDefaults(t *testing.T) {
	var captured model.SampleParams
	var mu sync.Mutex
	engine := engineFunc(func(ctx context.Context, prompt string,
		params model.SampleParams) (string, error) {
		mu.Lock()
		captured = params
		mu.Unlock()
		return "ok", nil
	})
	h, err := New(engine, 4)
	require.NoError(t, err)
	h.Generate(context.Background(), []GenerateRequest{{Prompt: "x"}})
	assert.Equal(t, DefaultSampleParams(), captured)

	h.Generate(context.Background(), []GenerateRequest{
		{Prompt: "y", MaxNewTokens: 7},
	})
	assert.Equal(t, 7, captured.MaxNewTokens)
	assert.Equal(t, DefaultSampleParams().TopK, captured.TopK)
}

type engineFunc func(context.Context, string,
	model.SampleParams) (string, error)

func (f engineFunc) Generate(ctx context.Context, prompt string,
	params model.SampleParams) (string, error) {
	return f(ctx, prompt, params)
}

func TestServeHTTP(t *testing.T) {
	h, err := New(&mockEngine{}, 16)
	require.NoError(t, err)
	body := `{"inputs": ["alpha", "beta"],
		"parameters": {"max_new_tokens": 16}}`
	request := httptest.NewRequest(http.MethodPost, "/generate",
		strings.NewReader(body))
	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Outputs []GenerateResult `json:"outputs"`
	}
	require.NoError(t,
		json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Outputs, 2)
	assert.Equal(t, "completion of alpha", response.Outputs[0].Text)
	assert.Equal(t, "completion of beta", response.Outputs[1].Text)
}

func TestServeHTTPRejectsBadRequests(t *testing.T) {
	h, err := New(&mockEngine{}, 16)
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodGet, "/generate", nil)
	recorder := httptest.NewRecorder()
	h.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)

	request = httptest.NewRequest(http.MethodPost, "/generate",
		strings.NewReader(`{"inputs": []}`))
	recorder = httptest.NewRecorder()
	h.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	request = httptest.NewRequest(http.MethodPost, "/generate",
		strings.NewReader(`{not json`))
	recorder = httptest.NewRecorder()
	h.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

// byteTokenizer maps each byte of the prompt to its own token id, keeping
// engine tests independent of tokenizer resources.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text *string) *gpt_bpe.Tokens {
	tokens := make(gpt_bpe.Tokens, 0, len(*text))
	for _, b := range []byte(*text) {
		tokens = append(tokens, gpt_bpe.Token(b))
	}
	return &tokens
}

func (byteTokenizer) Decode(tokens *gpt_bpe.Tokens) string {
	decoded := make([]byte, 0, len(*tokens))
	for _, token := range *tokens {
		decoded = append(decoded, byte(token))
	}
	return string(decoded)
}

func TestLMEngineGenerate(t *testing.T) {
	lm, err := model.NewLM(model.LMConfig{
		Block:     model.BlockConfig{DModel: 16, NumHeads: 4, MLPRatio: 2},
		VocabSize: 256,
		NumLayers: 1,
		MaxSeqLen: 16,
	}, 1)
	require.NoError(t, err)
	engine := NewLMEngine(byteTokenizer{}, lm, 3)

	completion, genErr := engine.Generate(context.Background(), "ab",
		model.SampleParams{Temperature: 0, MaxNewTokens: 4})
	require.NoError(t, genErr)
	// The prompt is not echoed back; only new tokens are decoded.
	assert.Len(t, completion, 4)

	_, genErr = engine.Generate(context.Background(), "",
		model.SampleParams{MaxNewTokens: 4})
	assert.Error(t, genErr)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, genErr = engine.Generate(cancelled, "ab",
		model.SampleParams{MaxNewTokens: 4})
	assert.Error(t, genErr)
}

func TestLMEngineRejectsOutOfVocabPrompt(t *testing.T) {
	lm, err := model.NewLM(model.LMConfig{
		Block:     model.BlockConfig{DModel: 16, NumHeads: 4, MLPRatio: 2},
		VocabSize: 32,
		NumLayers: 1,
		MaxSeqLen: 16,
	}, 1)
	require.NoError(t, err)
	engine := NewLMEngine(byteTokenizer{}, lm, 3)
	_, genErr := engine.Generate(context.Background(), "zz",
		model.SampleParams{Temperature: 0, MaxNewTokens: 2})
	require.Error(t, genErr)
	assert.Contains(t, genErr.Error(), "vocab")
}

func TestHandlerRequiresEngine(t *testing.T) {
	_, err := New(nil, 16)
	assert.Error(t, err)
}

func seedCheckpoint(t *testing.T, dir string) {
	config := CheckpointConfig{
		DModel:    16,
		NumHeads:  4,
		NumLayers: 2,
		VocabSize: 32,
		MaxSeqLen: 8,
	}
	configBytes, marshalErr := json.Marshal(config)
	require.NoError(t, marshalErr)
	require.NoError(t, writeFile(dir, "config.json", configBytes))
	require.NoError(t, writeFile(dir, "pytorch_model.bin",
		[]byte("weights-0")))
	require.NoError(t, writeFile(dir, "tokenizer.json", []byte("{}")))
}

func writeFile(dir string, basename string, content []byte) error {
	if mkdirErr := os.MkdirAll(dir, 0755); mkdirErr != nil {
		return mkdirErr
	}
	return os.WriteFile(filepath.Join(dir, basename), content, 0644)
}

func TestDownloadConvertLocal(t *testing.T) {
	modelDir := t.TempDir()
	seedCheckpoint(t, modelDir)

	convertedDir, err := DownloadConvert(ConvertConfig{
		CheckpointURI: modelDir,
	})
	require.NoError(t, err)

	manifest, loadErr := LoadRuntimeManifest(convertedDir)
	require.NoError(t, loadErr)
	assert.Equal(t, 16, manifest.Config.DModel)
	require.Len(t, manifest.Tensors, 1)
	assert.Equal(t, "pytorch_model.bin", manifest.Tensors[0].Basename)
	assert.Equal(t, int64(len("weights-0")), manifest.Tensors[0].Bytes)
	assert.NotEmpty(t, manifest.Tensors[0].XXH64)

	// A second run skips the conversion and lands on the same directory.
	again, err := DownloadConvert(ConvertConfig{CheckpointURI: modelDir})
	require.NoError(t, err)
	assert.Equal(t, convertedDir, again)
}

func TestDownloadConvertSubdirectory(t *testing.T) {
	root := t.TempDir()
	checkpointDir := filepath.Join(root, "checkpoints", "run-1")
	seedCheckpoint(t, checkpointDir)
	convertedDir, err := DownloadConvert(ConvertConfig{
		CheckpointURI: checkpointDir,
	})
	require.NoError(t, err)
	manifest, loadErr := LoadRuntimeManifest(convertedDir)
	require.NoError(t, loadErr)
	require.Len(t, manifest.Tensors, 1)
}

func TestDownloadConvertRejectsBadConfig(t *testing.T) {
	modelDir := t.TempDir()
	require.NoError(t, writeFile(modelDir, "config.json",
		[]byte(`{"d_model": 0}`)))
	_, err := DownloadConvert(ConvertConfig{CheckpointURI: modelDir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "implausible")
}

func TestConvertForceReconverts(t *testing.T) {
	modelDir := t.TempDir()
	seedCheckpoint(t, modelDir)
	first, err := DownloadConvert(ConvertConfig{CheckpointURI: modelDir})
	require.NoError(t, err)

	require.NoError(t, writeFile(modelDir, "pytorch_model.bin",
		[]byte("weights-1")))
	_, err = DownloadConvert(ConvertConfig{
		CheckpointURI: modelDir,
		Force:         true,
	})
	require.NoError(t, err)
	manifest, loadErr := LoadRuntimeManifest(first)
	require.NoError(t, loadErr)
	assert.Equal(t, int64(len("weights-1")), manifest.Tensors[0].Bytes)
}

