// Package mds writes and reads streaming-dataset shards: size-bounded,
// compressed files of length-prefixed samples, indexed by a JSON manifest
// so a reader can enumerate shards and decode any sample without scanning.
// The shard layout is a compatibility contract with existing consumers and
// must not change: a little-endian uint32 sample count, a uint32 offset
// table with count+1 entries (relative to the start of the file), then the
// sample bodies. Each sample body is one uint32 size per variable-width
// column followed by the concatenated column bytes, columns in sorted name
// order.
package mds

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const (
	ManifestBasename = "index.json"
	FormatVersion    = 2

	defaultSizeLimit = 1 << 26
)

// WriterConfig configures a shard writer. Columns maps column names to
// encodings; only the "bytes" encoding is supported. Compression is a
// codec name ("zstd", or ""/"none" for uncompressed shards). SizeLimit
// bounds the raw (uncompressed) size of one shard. Workers sets the flush
// pool size; each pooled worker owns the shards handed to it, so no two
// workers ever touch the same file.
type WriterConfig struct {
	Columns     map[string]string
	Compression string
	SizeLimit   int
	Workers     int
}

// FileInfo describes one on-disk artifact of a shard.
type FileInfo struct {
	Basename string            `json:"basename"`
	Bytes    int64             `json:"bytes"`
	Hashes   map[string]string `json:"hashes"`
}

// ShardInfo is one manifest entry.
type ShardInfo struct {
	Format          string    `json:"format"`
	Version         int       `json:"version"`
	ColumnNames     []string  `json:"column_names"`
	ColumnEncodings []string  `json:"column_encodings"`
	Samples         int       `json:"samples"`
	Compression     string    `json:"compression,omitempty"`
	RawData         FileInfo  `json:"raw_data"`
	ZipData         *FileInfo `json:"zip_data,omitempty"`
}

type manifest struct {
	Version int         `json:"version"`
	Shards  []ShardInfo `json:"shards"`
}

type shardBuffer struct {
	index   int
	samples [][]byte
	rawSize int
}

// Writer accumulates samples into shards and flushes finished shards on a
// worker pool. Write and Close must be called from a single goroutine.
type Writer struct {
	dir     string
	cfg     WriterConfig
	columns []string

	current  *shardBuffer
	shardIdx int
	flushCh  chan *shardBuffer
	wg       sync.WaitGroup

	mu     sync.Mutex
	shards map[int]ShardInfo
	err    error

	closed bool
}

// NewWriter creates the output directory and a writer for it. The
// directory must not already contain a dataset.
func NewWriter(dir string, cfg WriterConfig) (*Writer, error) {
	if len(cfg.Columns) == 0 {
		return nil, errors.New("mds: at least one column is required")
	}
	for name, encoding := range cfg.Columns {
		if encoding != "bytes" {
			return nil, errors.Errorf(
				"mds: unsupported encoding `%s` for column `%s`",
				encoding, name)
		}
	}
	switch cfg.Compression {
	case "", "none", "zstd":
	default:
		return nil, errors.Errorf("mds: unsupported compression codec `%s`",
			cfg.Compression)
	}
	if cfg.SizeLimit <= 0 {
		cfg.SizeLimit = defaultSizeLimit
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if mkdirErr := os.MkdirAll(dir, 0755); mkdirErr != nil {
		return nil, errors.Wrapf(mkdirErr, "creating %s", dir)
	}
	if _, statErr := os.Stat(filepath.Join(dir, ManifestBasename)); statErr == nil {
		return nil, errors.Errorf("mds: %s already contains a dataset", dir)
	}
	columns := make([]string, 0, len(cfg.Columns))
	for name := range cfg.Columns {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	writer := &Writer{
		dir:     dir,
		cfg:     cfg,
		columns: columns,
		current: &shardBuffer{},
		flushCh: make(chan *shardBuffer, cfg.Workers),
		shards:  make(map[int]ShardInfo),
	}
	for workerIdx := 0; workerIdx < cfg.Workers; workerIdx++ {
		writer.wg.Add(1)
		go writer.flushWorker()
	}
	return writer, nil
}

func rawBasename(index int) string {
	return fmt.Sprintf("shard.%05d.mds", index)
}

// encodeSample lays out one sample body: uint32 sizes for every column in
// sorted name order, then the column bytes in the same order.
func (w *Writer) encodeSample(sample map[string][]byte) ([]byte, error) {
	size := len(w.columns) * 4
	for _, name := range w.columns {
		value, ok := sample[name]
		if !ok {
			return nil, errors.Errorf("mds: sample missing column `%s`",
				name)
		}
		size += len(value)
	}
	if len(sample) != len(w.columns) {
		return nil, errors.Errorf(
			"mds: sample has %d columns, schema has %d",
			len(sample), len(w.columns))
	}
	body := make([]byte, 0, size)
	var sizePrefix [4]byte
	for _, name := range w.columns {
		binary.LittleEndian.PutUint32(sizePrefix[:],
			uint32(len(sample[name])))
		body = append(body, sizePrefix[:]...)
	}
	for _, name := range w.columns {
		body = append(body, sample[name]...)
	}
	return body, nil
}

func (w *Writer) setErr(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

// Write appends one sample in arrival order. When the raw shard reaches
// the size limit it is handed to the flush pool and a fresh shard begins.
func (w *Writer) Write(sample map[string][]byte) error {
	if w.closed {
		return errors.New("mds: write after Close")
	}
	w.mu.Lock()
	failed := w.err
	w.mu.Unlock()
	if failed != nil {
		return failed
	}
	body, encodeErr := w.encodeSample(sample)
	if encodeErr != nil {
		return encodeErr
	}
	w.current.samples = append(w.current.samples, body)
	w.current.rawSize += len(body)
	if w.current.rawSize >= w.cfg.SizeLimit {
		w.rotate()
	}
	return nil
}

func (w *Writer) rotate() {
	full := w.current
	full.index = w.shardIdx
	w.shardIdx += 1
	w.current = &shardBuffer{}
	w.flushCh <- full
}

func (w *Writer) flushWorker() {
	defer w.wg.Done()
	var encoder *zstd.Encoder
	if w.cfg.Compression == "zstd" {
		encoder, _ = zstd.NewWriter(nil)
		defer encoder.Close()
	}
	for shard := range w.flushCh {
		if info, flushErr := w.writeShard(shard, encoder); flushErr != nil {
			w.setErr(flushErr)
		} else {
			w.mu.Lock()
			w.shards[shard.index] = *info
			w.mu.Unlock()
		}
	}
}

// writeShard assembles one shard file: header, offset table, bodies. With
// a codec configured only the compressed twin is persisted; the manifest
// still records the raw size and digest for integrity checks after
// decompression.
func (w *Writer) writeShard(shard *shardBuffer,
	encoder *zstd.Encoder) (*ShardInfo, error) {
	sampleCount := len(shard.samples)
	headerSize := 4 + 4*(sampleCount+1)
	raw := make([]byte, headerSize, headerSize+shard.rawSize)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(sampleCount))
	offset := uint32(headerSize)
	for sampleIdx := 0; sampleIdx < sampleCount; sampleIdx++ {
		binary.LittleEndian.PutUint32(
			raw[4+4*sampleIdx:], offset)
		offset += uint32(len(shard.samples[sampleIdx]))
	}
	binary.LittleEndian.PutUint32(raw[4+4*sampleCount:], offset)
	for sampleIdx := range shard.samples {
		raw = append(raw, shard.samples[sampleIdx]...)
	}

	encodings := make([]string, len(w.columns))
	for colIdx, name := range w.columns {
		encodings[colIdx] = w.cfg.Columns[name]
	}
	info := &ShardInfo{
		Format:          "mds",
		Version:         FormatVersion,
		ColumnNames:     w.columns,
		ColumnEncodings: encodings,
		Samples:         sampleCount,
		RawData: FileInfo{
			Basename: rawBasename(shard.index),
			Bytes:    int64(len(raw)),
			Hashes: map[string]string{
				"xxh64": fmt.Sprintf("%016x", xxhash.Sum64(raw)),
			},
		},
	}

	payload := raw
	basename := info.RawData.Basename
	if encoder != nil {
		payload = encoder.EncodeAll(raw, nil)
		basename = info.RawData.Basename + ".zst"
		info.Compression = "zstd"
		info.ZipData = &FileInfo{
			Basename: basename,
			Bytes:    int64(len(payload)),
			Hashes: map[string]string{
				"xxh64": fmt.Sprintf("%016x", xxhash.Sum64(payload)),
			},
		}
	}
	target := filepath.Join(w.dir, basename)
	if writeErr := os.WriteFile(target, payload, 0755); writeErr != nil {
		return nil, errors.Wrapf(writeErr, "writing shard %s", target)
	}
	return info, nil
}

// Abort discards the dataset: buffered samples are dropped, the pool is
// drained, and every written shard file is removed. No manifest is
// written, so the directory is left without a dataset.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.current = &shardBuffer{}
	close(w.flushCh)
	w.wg.Wait()
	for shardIdx := 0; shardIdx < w.shardIdx; shardIdx++ {
		os.Remove(filepath.Join(w.dir, rawBasename(shardIdx)))
		os.Remove(filepath.Join(w.dir, rawBasename(shardIdx)+".zst"))
	}
	return w.err
}

// Close flushes the partial shard, drains the pool, and finalizes the
// manifest. On a flush failure the manifest covers only the contiguous
// prefix of completed shards and any files past it are removed, so no
// partial shard is ever left referenced. Close always attempts to write
// the manifest, and is safe to defer alongside an explicit error check.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.current.samples) > 0 {
		w.rotate()
	}
	close(w.flushCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	shards := make([]ShardInfo, 0, len(w.shards))
	for shardIdx := 0; shardIdx < w.shardIdx; shardIdx++ {
		info, ok := w.shards[shardIdx]
		if !ok {
			// A failed shard: everything from here on is dropped
			// from the manifest and unlinked.
			for dropIdx := shardIdx; dropIdx < w.shardIdx; dropIdx++ {
				os.Remove(filepath.Join(w.dir, rawBasename(dropIdx)))
				os.Remove(filepath.Join(w.dir,
					rawBasename(dropIdx)+".zst"))
			}
			break
		}
		shards = append(shards, info)
	}
	indexBytes, marshalErr := json.MarshalIndent(
		manifest{Version: FormatVersion, Shards: shards}, "", "  ")
	if marshalErr != nil {
		return errors.Wrap(marshalErr, "marshalling manifest")
	}
	tmpPath := filepath.Join(w.dir, ManifestBasename+".tmp")
	if writeErr := os.WriteFile(tmpPath, indexBytes, 0755); writeErr != nil {
		return errors.Wrap(writeErr, "writing manifest")
	}
	if renameErr := os.Rename(tmpPath,
		filepath.Join(w.dir, ManifestBasename)); renameErr != nil {
		return errors.Wrap(renameErr, "finalizing manifest")
	}
	return w.err
}
