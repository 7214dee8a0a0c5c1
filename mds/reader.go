package mds

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash"
	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Reader provides random access to any sample of a written dataset, in any
// order, through the manifest. Uncompressed shards are mmapped;
// compressed shards are decompressed into memory on first touch.
type Reader struct {
	dir      string
	manifest manifest
	shards   []*openShard
	starts   []int // cumulative sample start per shard
	total    int
	decoder  *zstd.Decoder
}

type openShard struct {
	info ShardInfo
	mmap mmap.MMap
	data []byte
}

// Open reads a dataset directory's manifest. Shard files are loaded
// lazily.
func Open(dir string) (*Reader, error) {
	indexBytes, readErr := os.ReadFile(filepath.Join(dir, ManifestBasename))
	if readErr != nil {
		return nil, errors.Wrapf(readErr, "reading manifest in %s", dir)
	}
	var m manifest
	if jsonErr := json.Unmarshal(indexBytes, &m); jsonErr != nil {
		return nil, errors.Wrap(jsonErr, "unmarshalling manifest")
	}
	decoder, decErr := zstd.NewReader(nil)
	if decErr != nil {
		return nil, decErr
	}
	reader := &Reader{
		dir:      dir,
		manifest: m,
		shards:   make([]*openShard, len(m.Shards)),
		starts:   make([]int, len(m.Shards)),
		decoder:  decoder,
	}
	for shardIdx := range m.Shards {
		reader.starts[shardIdx] = reader.total
		reader.total += m.Shards[shardIdx].Samples
	}
	return reader, nil
}

// NumShards returns the shard count recorded in the manifest.
func (r *Reader) NumShards() int {
	return len(r.manifest.Shards)
}

// NumSamples returns the total sample count across all shards.
func (r *Reader) NumSamples() int {
	return r.total
}

// Shards returns the manifest entries.
func (r *Reader) Shards() []ShardInfo {
	return r.manifest.Shards
}

func (r *Reader) loadShard(shardIdx int) (*openShard, error) {
	if r.shards[shardIdx] != nil {
		return r.shards[shardIdx], nil
	}
	info := r.manifest.Shards[shardIdx]
	shard := &openShard{info: info}
	if info.ZipData != nil {
		compressed, readErr := os.ReadFile(
			filepath.Join(r.dir, info.ZipData.Basename))
		if readErr != nil {
			return nil, errors.Wrapf(readErr, "reading shard %s",
				info.ZipData.Basename)
		}
		if digest := fmt.Sprintf("%016x",
			xxhash.Sum64(compressed)); digest != info.ZipData.Hashes["xxh64"] {
			return nil, errors.Errorf(
				"shard %s digest mismatch: %s != %s",
				info.ZipData.Basename, digest,
				info.ZipData.Hashes["xxh64"])
		}
		raw, zstdErr := r.decoder.DecodeAll(compressed, nil)
		if zstdErr != nil {
			return nil, errors.Wrapf(zstdErr, "decompressing shard %s",
				info.ZipData.Basename)
		}
		shard.data = raw
	} else {
		shardFile, openErr := os.Open(
			filepath.Join(r.dir, info.RawData.Basename))
		if openErr != nil {
			return nil, errors.Wrapf(openErr, "opening shard %s",
				info.RawData.Basename)
		}
		defer shardFile.Close()
		mapped, mmapErr := mmap.Map(shardFile, mmap.RDONLY, 0)
		if mmapErr != nil {
			return nil, errors.Wrapf(mmapErr, "mmapping shard %s",
				info.RawData.Basename)
		}
		shard.mmap = mapped
		shard.data = mapped
	}
	if int64(len(shard.data)) != info.RawData.Bytes {
		return nil, errors.Errorf(
			"shard %s raw size mismatch: %d != %d",
			info.RawData.Basename, len(shard.data), info.RawData.Bytes)
	}
	r.shards[shardIdx] = shard
	return shard, nil
}

// Sample returns the columns of the sample at the given global index.
func (r *Reader) Sample(sampleIdx int) (map[string][]byte, error) {
	if sampleIdx < 0 || sampleIdx >= r.total {
		return nil, errors.Errorf("sample index %d out of range [0, %d)",
			sampleIdx, r.total)
	}
	shardIdx := 0
	for shardIdx+1 < len(r.starts) && r.starts[shardIdx+1] <= sampleIdx {
		shardIdx += 1
	}
	shard, loadErr := r.loadShard(shardIdx)
	if loadErr != nil {
		return nil, loadErr
	}
	local := sampleIdx - r.starts[shardIdx]
	count := int(binary.LittleEndian.Uint32(shard.data[0:4]))
	if local >= count {
		return nil, errors.Errorf(
			"shard %d sample count %d disagrees with manifest",
			shardIdx, count)
	}
	begin := binary.LittleEndian.Uint32(shard.data[4+4*local:])
	end := binary.LittleEndian.Uint32(shard.data[4+4*(local+1):])
	body := shard.data[begin:end]

	columns := shard.info.ColumnNames
	sample := make(map[string][]byte, len(columns))
	sizes := make([]uint32, len(columns))
	for colIdx := range columns {
		sizes[colIdx] = binary.LittleEndian.Uint32(body[4*colIdx:])
	}
	cursor := uint32(4 * len(columns))
	for colIdx, name := range columns {
		sample[name] = body[cursor : cursor+sizes[colIdx]]
		cursor += sizes[colIdx]
	}
	return sample, nil
}

// Close unmaps any mapped shards.
func (r *Reader) Close() error {
	for shardIdx := range r.shards {
		if r.shards[shardIdx] != nil && r.shards[shardIdx].mmap != nil {
			r.shards[shardIdx].mmap.Unmap()
			r.shards[shardIdx] = nil
		}
	}
	r.decoder.Close()
	return nil
}
