// Package handler orchestrates inference serving: it downloads a
// transformer checkpoint from local or remote storage, converts it once
// into the runtime layout, and serves batched text-generation requests.
package handler

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/wbrown/secstream/objectstore"
)

const convertedDirName = "ft_converted"

// CheckpointConfig is the subset of a checkpoint's config.json the
// converter validates and carries into the runtime config.
type CheckpointConfig struct {
	DModel    int `json:"d_model"`
	NumHeads  int `json:"n_heads"`
	NumLayers int `json:"n_layers"`
	VocabSize int `json:"vocab_size"`
	MaxSeqLen int `json:"max_seq_len"`
}

// ConvertConfig controls checkpoint acquisition and conversion.
type ConvertConfig struct {
	// CheckpointURI is where the checkpoint lives: an s3:// prefix or a
	// local directory.
	CheckpointURI string
	// LocalDir is where a remote checkpoint is downloaded to.
	LocalDir string
	// Force reconverts even when a converted directory already exists.
	Force bool
}

type TensorEntry struct {
	Basename string `json:"basename"`
	Bytes    int64  `json:"bytes"`
	XXH64    string `json:"xxh64"`
}

type RuntimeManifest struct {
	Config  CheckpointConfig `json:"config"`
	Tensors []TensorEntry    `json:"tensors"`
}

// DownloadConvert fetches the checkpoint if it is remote and converts it
// into the runtime layout, returning the converted directory. Both the
// download and the conversion are skipped when their outputs already
// exist, so restarts are cheap.
func DownloadConvert(cfg ConvertConfig) (string, error) {
	modelDir, resolveErr := resolveCheckpoint(cfg)
	if resolveErr != nil {
		return "", resolveErr
	}
	convertedDir := filepath.Join(modelDir, convertedDirName)
	if _, statErr := os.Stat(convertedDir); statErr == nil && !cfg.Force {
		log.Printf("Converted model %s already exists, skipping conversion",
			convertedDir)
		return convertedDir, nil
	}
	if convertErr := convertCheckpoint(modelDir, convertedDir); convertErr != nil {
		return "", convertErr
	}
	return convertedDir, nil
}

func resolveCheckpoint(cfg ConvertConfig) (string, error) {
	scheme, _, _ := objectstore.ParseURI(cfg.CheckpointURI)
	if scheme == "" {
		// Already local; nothing to download.
		return cfg.CheckpointURI, nil
	}
	if cfg.LocalDir == "" {
		return "", errors.New(
			"a local directory is required to download a remote checkpoint")
	}
	modelDir := filepath.Join(cfg.LocalDir, "local_model")
	if _, statErr := os.Stat(modelDir); statErr == nil {
		log.Printf("Model path %s already exists, skipping download",
			modelDir)
		return modelDir, nil
	}
	store, prefix, storeErr := objectstore.NewStore(cfg.CheckpointURI)
	if storeErr != nil {
		return "", storeErr
	}
	keys, listErr := store.ListObjects(prefix)
	if listErr != nil {
		return "", listErr
	}
	if len(keys) == 0 {
		return "", errors.Errorf("no checkpoint objects under %s",
			cfg.CheckpointURI)
	}
	log.Printf("Downloading checkpoint from %s", cfg.CheckpointURI)
	for _, key := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
		localPath := filepath.Join(modelDir, filepath.FromSlash(rel))
		if mkdirErr := os.MkdirAll(filepath.Dir(localPath),
			0755); mkdirErr != nil {
			return "", errors.Wrapf(mkdirErr, "creating %s",
				filepath.Dir(localPath))
		}
		if dlErr := store.DownloadObject(key, localPath); dlErr != nil {
			return "", dlErr
		}
	}
	return modelDir, nil
}

// convertCheckpoint validates the checkpoint config and materializes the
// runtime layout: the weight files with an integrity manifest. The engine
// vendor's binary layout is out of scope; this layout is ours and is what
// the serving runtime loads.
func convertCheckpoint(modelDir string, convertedDir string) error {
	configBytes, readErr := os.ReadFile(filepath.Join(modelDir,
		"config.json"))
	if readErr != nil {
		return errors.Wrap(readErr, "reading checkpoint config")
	}
	var config CheckpointConfig
	if jsonErr := json.Unmarshal(configBytes, &config); jsonErr != nil {
		return errors.Wrap(jsonErr, "unmarshalling checkpoint config")
	}
	if config.DModel <= 0 || config.NumLayers <= 0 ||
		config.NumHeads <= 0 || config.VocabSize <= 0 {
		return errors.Errorf("implausible checkpoint config: %+v", config)
	}

	store := &objectstore.LocalStore{Root: modelDir}
	weightKeys, listErr := store.ListObjects("")
	if listErr != nil {
		return listErr
	}
	if mkdirErr := os.MkdirAll(convertedDir, 0755); mkdirErr != nil {
		return errors.Wrapf(mkdirErr, "creating %s", convertedDir)
	}
	manifest := RuntimeManifest{Config: config}
	for _, key := range weightKeys {
		if path.Ext(key) != ".bin" || strings.Contains(key, "/") {
			continue
		}
		weightBytes, weightErr := os.ReadFile(filepath.Join(modelDir, key))
		if weightErr != nil {
			return errors.Wrapf(weightErr, "reading weight %s", key)
		}
		target := filepath.Join(convertedDir, key)
		if writeErr := os.WriteFile(target, weightBytes,
			0755); writeErr != nil {
			return errors.Wrapf(writeErr, "writing %s", target)
		}
		manifest.Tensors = append(manifest.Tensors, TensorEntry{
			Basename: key,
			Bytes:    int64(len(weightBytes)),
			XXH64:    fmt.Sprintf("%016x", xxhash.Sum64(weightBytes)),
		})
	}
	manifestBytes, marshalErr := json.MarshalIndent(manifest, "", "  ")
	if marshalErr != nil {
		return errors.Wrap(marshalErr, "marshalling runtime manifest")
	}
	if writeErr := os.WriteFile(filepath.Join(convertedDir,
		"manifest.json"), manifestBytes, 0755); writeErr != nil {
		return errors.Wrap(writeErr, "writing runtime manifest")
	}
	log.Printf("Converted checkpoint %s: %d tensors", modelDir,
		len(manifest.Tensors))
	return nil
}

// LoadRuntimeManifest reads a converted checkpoint's manifest.
func LoadRuntimeManifest(convertedDir string) (*RuntimeManifest, error) {
	manifestBytes, readErr := os.ReadFile(
		filepath.Join(convertedDir, "manifest.json"))
	if readErr != nil {
		return nil, errors.Wrap(readErr, "reading runtime manifest")
	}
	var manifest RuntimeManifest
	if jsonErr := json.Unmarshal(manifestBytes, &manifest); jsonErr != nil {
		return nil, errors.Wrap(jsonErr, "unmarshalling runtime manifest")
	}
	return &manifest, nil
}
