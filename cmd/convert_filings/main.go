package main

import (
	"flag"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/wbrown/gpt_bpe"

	"github.com/wbrown/secstream"
	"github.com/wbrown/secstream/mds"
	"github.com/wbrown/secstream/objectstore"
)

// Splits are processed sequentially, each in its own staging directory;
// they share no state.
var splits = []string{"validation", "test", "train"}

type converterConfig struct {
	MaxWorkers    int
	Remote        string
	OutRoot       string
	InRoot        string
	DatasetSubset string
	Compression   string
	ConcatTokens  int
	TokenizerID   string
	BosText       string
	EosText       string
	NoWrap        bool
	PadText       string
	TokenWidth    int
	Sanitize      bool
}

// checkOutRoot
// Rejects an output root that already contains any of the split
// directories, before any processing starts.
func checkOutRoot(outRoot string) error {
	entries, readErr := os.ReadDir(outRoot)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil
		}
		return readErr
	}
	for _, entry := range entries {
		for _, split := range splits {
			if entry.Name() == split {
				return &os.PathError{
					Op:   "convert",
					Path: filepath.Join(outRoot, split),
					Err:  os.ErrExist,
				}
			}
		}
	}
	return nil
}

// convertSplit
// Materializes one split: reads the split's metadata, resolves unique
// identifiers, downloads documents through a worker pool into a scoped
// staging directory, packs tokens, and writes shards. The staging
// directory is removed on exit whether or not the split succeeded.
func convertSplit(cfg *converterConfig, split string,
	store objectstore.ObjectStore, prefix string,
	encoder secstream.TextEncoder) (int, error) {
	stagingRoot, tmpErr := os.MkdirTemp("", "secstream-"+split)
	if tmpErr != nil {
		return 0, tmpErr
	}
	defer os.RemoveAll(stagingRoot)

	metadataPath := filepath.Join(stagingRoot, split+".jsonl")
	metadataKey := path.Join(prefix, cfg.DatasetSubset, split+".jsonl")
	if dlErr := store.DownloadObject(metadataKey, metadataPath); dlErr != nil {
		return 0, dlErr
	}
	metadataFile, openErr := os.Open(metadataPath)
	if openErr != nil {
		return 0, openErr
	}
	records, readErr := secstream.ReadFilingRecords(metadataFile)
	metadataFile.Close()
	if readErr != nil {
		return 0, readErr
	}
	ids, stats := secstream.ResolveIdentifiers(records)
	log.Printf("%s: %d records, %d unique documents, "+
		"%d duplicates, %d skipped", split, stats.Records, stats.Unique,
		stats.Duplicates, stats.Skipped)

	packer, packerErr := secstream.NewTokenPacker(encoder,
		secstream.PackerConfig{
			BlockSize: cfg.ConcatTokens,
			BosText:   cfg.BosText,
			EosText:   cfg.EosText,
			NoWrap:    cfg.NoWrap,
			PadText:   cfg.PadText,
		})
	if packerErr != nil {
		return 0, packerErr
	}
	writer, writerErr := mds.NewWriter(filepath.Join(cfg.OutRoot, split),
		mds.WriterConfig{
			Columns:     map[string]string{"tokens": "bytes"},
			Compression: cfg.Compression,
			Workers:     cfg.MaxWorkers,
		})
	if writerErr != nil {
		return 0, writerErr
	}

	fetcher := &secstream.DocumentFetcher{
		Store:      store,
		Prefix:     path.Join(prefix, split),
		StagingDir: filepath.Join(stagingRoot, split),
		Workers:    cfg.MaxWorkers,
		Sanitize:   cfg.Sanitize,
	}
	documents := fetcher.Fetch(ids)
	nextBlock := packer.PackDocuments(documents)
	bar := progressbar.Default(-1, "writing "+split)
	samples := 0
	for {
		block := nextBlock()
		if block == nil {
			break
		}
		binBlock, binErr := block.ToBin(cfg.TokenWidth)
		if binErr != nil {
			writer.Abort()
			return samples, binErr
		}
		if writeErr := writer.Write(
			map[string][]byte{"tokens": binBlock}); writeErr != nil {
			writer.Abort()
			return samples, writeErr
		}
		bar.Add(1)
		samples += 1
	}
	if fetchErr := fetcher.Err(); fetchErr != nil {
		writer.Abort()
		return samples, fetchErr
	}
	if closeErr := writer.Close(); closeErr != nil {
		return samples, closeErr
	}
	if packer.Dropped() > 0 {
		log.Printf("%s: dropped %d-token remainder at end of split",
			split, packer.Dropped())
	}

	if cfg.Remote != "" {
		remoteStore, remotePrefix, remoteErr := objectstore.NewStore(
			cfg.Remote)
		if remoteErr != nil {
			return samples, remoteErr
		}
		log.Printf("Uploading %s split to %s", split, cfg.Remote)
		if uploadErr := objectstore.UploadDir(remoteStore,
			filepath.Join(cfg.OutRoot, split),
			path.Join(remotePrefix, split)); uploadErr != nil {
			return samples, uploadErr
		}
	}
	return samples, nil
}

func main() {
	maxWorkers := flag.Int("max_workers", 64,
		"parallelism for fetch and shard-write stages")
	remote := flag.String("remote", "",
		"optional remote mirror to upload finished splits to")
	outRoot := flag.String("out_root", "",
		"output directory root")
	inRoot := flag.String("in_root", "",
		"input root, local path or s3:// URI")
	datasetSubset := flag.String("dataset_subset", "small_full",
		"named subset of the source dataset")
	compression := flag.String("compression", "zstd",
		"shard compression codec [zstd, none]")
	concatTokens := flag.Int("concat_tokens", 0,
		"concatenate tokenized documents up to this many tokens per block")
	tokenizerID := flag.String("tokenizer", "",
		"tokenizer to use [gpt2, pile, huggingface-id], required with "+
			"-concat_tokens")
	bosText := flag.String("bos_text", "",
		"text whose tokens begin each document's sequence")
	eosText := flag.String("eos_text", "",
		"text whose tokens end each document's sequence")
	padText := flag.String("pad_token", "",
		"single token to pad the final wrap-mode block with instead of "+
			"dropping the remainder")
	noWrap := flag.Bool("no_wrap", false,
		"emit one block per document instead of concatenating across "+
			"document boundaries")
	tokenWidth := flag.Int("token_width", 2,
		"bytes per serialized token id [2, 4]")
	sanitize := flag.Bool("sanitize", false,
		"sanitize document whitespace before tokenization")
	flag.Parse()

	if *outRoot == "" || *inRoot == "" {
		flag.Usage()
		log.Fatal("Must provide -out_root and -in_root")
	}
	if *concatTokens <= 0 {
		flag.Usage()
		log.Fatal("Must provide a positive -concat_tokens")
	}
	if *tokenizerID == "" {
		flag.Usage()
		log.Fatal("When setting -concat_tokens, you must specify a " +
			"-tokenizer")
	}
	if rootErr := checkOutRoot(*outRoot); rootErr != nil {
		log.Fatalf("Output root collides with an existing split: %s",
			rootErr)
	}

	encoder, tokErr := gpt_bpe.NewEncoder(*tokenizerID)
	if tokErr != nil {
		log.Fatal(tokErr)
	}

	store, prefix, storeErr := objectstore.NewStore(*inRoot)
	if storeErr != nil {
		log.Fatal(storeErr)
	}

	cfg := &converterConfig{
		MaxWorkers:    *maxWorkers,
		Remote:        *remote,
		OutRoot:       *outRoot,
		InRoot:        *inRoot,
		DatasetSubset: *datasetSubset,
		Compression:   *compression,
		ConcatTokens:  *concatTokens,
		TokenizerID:   *tokenizerID,
		BosText:       *bosText,
		EosText:       *eosText,
		NoWrap:        *noWrap,
		PadText:       *padText,
		TokenWidth:    *tokenWidth,
		Sanitize:      *sanitize,
	}

	log.Printf("Tokenizer definition: %s", cfg.TokenizerID)
	log.Printf("Input root: %s", cfg.InRoot)
	log.Printf("Output root: %s", cfg.OutRoot)
	log.Printf("Block size: %d tokens, no_wrap: %v", cfg.ConcatTokens,
		cfg.NoWrap)

	for _, split := range splits {
		log.Printf("Processing %s", split)
		begin := time.Now()
		samples, splitErr := convertSplit(cfg, split, store, prefix,
			encoder)
		if splitErr != nil {
			log.Fatalf("%s split failed: %s", split, splitErr)
		}
		duration := time.Since(begin).Seconds()
		log.Printf("%s: %d samples in %0.2fs, %0.2f samples/s", split,
			samples, duration, float64(samples)/duration)
	}
}
