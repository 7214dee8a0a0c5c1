package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/gpt_bpe"

	"github.com/wbrown/secstream"
	"github.com/wbrown/secstream/mds"
	"github.com/wbrown/secstream/objectstore"
)

type fakeEncoder struct {
	vocab map[string]gpt_bpe.Token
}

func (fe *fakeEncoder) Encode(text *string) *gpt_bpe.Tokens {
	if fe.vocab == nil {
		fe.vocab = make(map[string]gpt_bpe.Token)
	}
	tokens := make(gpt_bpe.Tokens, 0)
	for _, word := range strings.Fields(*text) {
		id, known := fe.vocab[word]
		if !known {
			id = gpt_bpe.Token(len(fe.vocab))
			fe.vocab[word] = id
		}
		tokens = append(tokens, id)
	}
	return &tokens
}

func TestCheckOutRoot(t *testing.T) {
	assert.NoError(t, checkOutRoot(t.TempDir()))
	assert.NoError(t,
		checkOutRoot(filepath.Join(t.TempDir(), "missing")))

	occupied := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(occupied, "train"), 0755))
	assert.Error(t, checkOutRoot(occupied))
}

// seedSplit places the metadata and document files for one split under
// the local input root, with `wordCounts[i]` words in document i.
func seedSplit(t *testing.T, root string, subset string, split string,
	wordCounts []int) {
	subsetDir := filepath.Join(root, subset)
	require.NoError(t, os.MkdirAll(subsetDir, 0755))
	var metadata strings.Builder
	for docIdx, wordCount := range wordCounts {
		ticker := fmt.Sprintf("TICK%02d", docIdx)
		year := 2000 + docIdx
		fmt.Fprintf(&metadata,
			`{"docID": "%04d", "tickers": ["%s"], "reportDate": "%d-12-31"}`+
				"\n", docIdx, ticker, year)
		words := make([]string, wordCount)
		for wordIdx := range words {
			words[wordIdx] = fmt.Sprintf("w%d_%d", docIdx, wordIdx)
		}
		docDir := filepath.Join(root, split, ticker)
		require.NoError(t, os.MkdirAll(docDir, 0755))
		require.NoError(t, os.WriteFile(
			filepath.Join(docDir, fmt.Sprintf("sec_%d_txt.txt", year)),
			[]byte(strings.Join(words, " ")), 0644))
	}
	require.NoError(t, os.WriteFile(
		filepath.Join(subsetDir, split+".jsonl"),
		[]byte(metadata.String()), 0644))
}

func TestConvertSplit(t *testing.T) {
	root := t.TempDir()
	// 10+7+6 = 23 tokens at block size 8 yields 2 full blocks.
	seedSplit(t, root, "small_full", "validation", []int{10, 7, 6})

	outRoot := t.TempDir()
	cfg := &converterConfig{
		MaxWorkers:    2,
		OutRoot:       outRoot,
		InRoot:        root,
		DatasetSubset: "small_full",
		Compression:   "zstd",
		ConcatTokens:  8,
		TokenWidth:    2,
	}
	store := &objectstore.LocalStore{Root: root}
	samples, err := convertSplit(cfg, "validation", store, "",
		&fakeEncoder{})
	require.NoError(t, err)
	assert.Equal(t, 2, samples)

	reader, openErr := mds.Open(filepath.Join(outRoot, "validation"))
	require.NoError(t, openErr)
	defer reader.Close()
	assert.Equal(t, 2, reader.NumSamples())
	for sampleIdx := 0; sampleIdx < 2; sampleIdx++ {
		sample, sampleErr := reader.Sample(sampleIdx)
		require.NoError(t, sampleErr)
		tokens, decodeErr := secstream.TokensFromBin(sample["tokens"], 2)
		require.NoError(t, decodeErr)
		assert.Len(t, tokens, 8)
	}
}

func TestConvertSplitNoWrap(t *testing.T) {
	root := t.TempDir()
	seedSplit(t, root, "small_full", "test", []int{12, 3})

	outRoot := t.TempDir()
	cfg := &converterConfig{
		MaxWorkers:    1,
		OutRoot:       outRoot,
		InRoot:        root,
		DatasetSubset: "small_full",
		Compression:   "none",
		ConcatTokens:  8,
		NoWrap:        true,
		TokenWidth:    2,
	}
	store := &objectstore.LocalStore{Root: root}
	samples, err := convertSplit(cfg, "test", store, "", &fakeEncoder{})
	require.NoError(t, err)
	assert.Equal(t, 2, samples)

	reader, openErr := mds.Open(filepath.Join(outRoot, "test"))
	require.NoError(t, openErr)
	defer reader.Close()
	lengths := make([]int, 0, 2)
	for sampleIdx := 0; sampleIdx < 2; sampleIdx++ {
		sample, sampleErr := reader.Sample(sampleIdx)
		require.NoError(t, sampleErr)
		tokens, decodeErr := secstream.TokensFromBin(sample["tokens"], 2)
		require.NoError(t, decodeErr)
		lengths = append(lengths, len(tokens))
	}
	// One truncated block and one short document block.
	assert.ElementsMatch(t, []int{8, 3}, lengths)
}

func TestConvertSplitMissingDocumentFails(t *testing.T) {
	root := t.TempDir()
	seedSplit(t, root, "small_full", "train", []int{4})
	require.NoError(t, os.Remove(
		filepath.Join(root, "train", "TICK00", "sec_2000_txt.txt")))

	cfg := &converterConfig{
		MaxWorkers:    1,
		OutRoot:       t.TempDir(),
		InRoot:        root,
		DatasetSubset: "small_full",
		Compression:   "zstd",
		ConcatTokens:  8,
		TokenWidth:    2,
	}
	store := &objectstore.LocalStore{Root: root}
	_, err := convertSplit(cfg, "train", store, "", &fakeEncoder{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0000")
}