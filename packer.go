package secstream

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/wbrown/gpt_bpe"
)

// TextEncoder is the tokenizer surface the packer needs. It is satisfied
// by *gpt_bpe.GPTEncoder; tokenization internals are the library's
// business.
type TextEncoder interface {
	Encode(text *string) *gpt_bpe.Tokens
}

// Block is the atomic unit written to a shard: a fixed-length token
// sequence in wrap mode, or a single document's (possibly shorter)
// sequence in no-wrap mode.
type Block struct {
	Tokens gpt_bpe.Tokens
}

// ToBin serializes the block's tokens as little-endian integers of the
// given byte width (2 or 4).
func (b *Block) ToBin(width int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(b.Tokens)*width))
	switch width {
	case 2:
		for idx := range b.Tokens {
			binary.Write(buf, binary.LittleEndian, uint16(b.Tokens[idx]))
		}
	case 4:
		for idx := range b.Tokens {
			binary.Write(buf, binary.LittleEndian, uint32(b.Tokens[idx]))
		}
	default:
		return nil, errors.Errorf("unsupported token width %d", width)
	}
	return buf.Bytes(), nil
}

// TokensFromBin decodes a block buffer produced by ToBin at the given
// width.
func TokensFromBin(bin []byte, width int) (gpt_bpe.Tokens, error) {
	if width != 2 && width != 4 {
		return nil, errors.Errorf("unsupported token width %d", width)
	}
	if len(bin)%width != 0 {
		return nil, errors.Errorf(
			"buffer length %d is not a multiple of width %d",
			len(bin), width)
	}
	tokens := make(gpt_bpe.Tokens, 0, len(bin)/width)
	reader := bytes.NewReader(bin)
	for reader.Len() > 0 {
		if width == 2 {
			var token uint16
			binary.Read(reader, binary.LittleEndian, &token)
			tokens = append(tokens, gpt_bpe.Token(token))
		} else {
			var token uint32
			binary.Read(reader, binary.LittleEndian, &token)
			tokens = append(tokens, gpt_bpe.Token(token))
		}
	}
	return tokens, nil
}

// PackerConfig configures a TokenPacker. BlockSize is the block length N
// and must be positive. BosText and EosText are each tokenized once and
// bracket every document's token sequence; empty means no tokens
// inserted. NoWrap emits one block per document instead of concatenating
// across documents. PadText, when non-empty, must tokenize to a single
// token; it enables the end-of-stream flush, padding the final wrap-mode
// remainder out to BlockSize instead of dropping it.
type PackerConfig struct {
	BlockSize int
	BosText   string
	EosText   string
	NoWrap    bool
	PadText   string
}

// TokenPacker tokenizes raw documents and concatenates their token
// sequences into fixed-length blocks. The accumulation buffer is owned by
// the packer and persists across documents within one split; it is not
// safe for concurrent use.
type TokenPacker struct {
	encoder   TextEncoder
	blockSize int
	bosTokens gpt_bpe.Tokens
	eosTokens gpt_bpe.Tokens
	noWrap    bool
	padFlush  bool
	padToken  gpt_bpe.Token
	buffer    gpt_bpe.Tokens
	dropped   int
}

// NewTokenPacker validates the configuration and resolves the boundary
// and pad tokens up front, so tokenizer problems surface before any
// document is consumed.
func NewTokenPacker(encoder TextEncoder, cfg PackerConfig) (*TokenPacker,
	error) {
	if cfg.BlockSize <= 0 {
		return nil, errors.Errorf(
			"block size must be a positive integer, got %d",
			cfg.BlockSize)
	}
	packer := &TokenPacker{
		encoder:   encoder,
		blockSize: cfg.BlockSize,
		noWrap:    cfg.NoWrap,
		buffer:    make(gpt_bpe.Tokens, 0, cfg.BlockSize*2),
	}
	if cfg.BosText != "" {
		packer.bosTokens = *encoder.Encode(&cfg.BosText)
	}
	if cfg.EosText != "" {
		packer.eosTokens = *encoder.Encode(&cfg.EosText)
	}
	if cfg.PadText != "" {
		padTokens := *encoder.Encode(&cfg.PadText)
		if len(padTokens) != 1 {
			return nil, errors.Errorf(
				"'%s' is not a single token, cannot pad with it",
				cfg.PadText)
		}
		packer.padFlush = true
		packer.padToken = padTokens[0]
	}
	return packer, nil
}

// documentTokens builds `[bos] + tokenize(text) + [eos]` for one document.
func (tp *TokenPacker) documentTokens(doc *Document) gpt_bpe.Tokens {
	encoded := tp.encoder.Encode(&doc.Text)
	sequence := make(gpt_bpe.Tokens, 0,
		len(tp.bosTokens)+len(*encoded)+len(tp.eosTokens))
	sequence = append(sequence, tp.bosTokens...)
	sequence = append(sequence, *encoded...)
	sequence = append(sequence, tp.eosTokens...)
	return sequence
}

// Pack consumes one document and returns the blocks it completed. In wrap
// mode the document's tokens join the running buffer and a block is popped
// off the front for every full `blockSize` tokens; the remainder stays
// buffered for the next document. In no-wrap mode exactly one block is
// returned, truncated to `blockSize` when longer, never mixing documents.
func (tp *TokenPacker) Pack(doc *Document) []Block {
	sequence := tp.documentTokens(doc)
	if tp.noWrap {
		if len(sequence) > tp.blockSize {
			sequence = sequence[:tp.blockSize]
		}
		return []Block{{Tokens: sequence}}
	}
	tp.buffer = append(tp.buffer, sequence...)
	var blocks []Block
	for len(tp.buffer) >= tp.blockSize {
		block := make(gpt_bpe.Tokens, tp.blockSize)
		copy(block, tp.buffer[:tp.blockSize])
		tp.buffer = tp.buffer[tp.blockSize:]
		blocks = append(blocks, Block{Tokens: block})
	}
	return blocks
}

// Flush ends the stream. Without a pad token the wrap-mode remainder
// shorter than the block size is silently dropped, matching the source
// pipeline; with one, the remainder is padded out to a full block and
// emitted.
func (tp *TokenPacker) Flush() *Block {
	if tp.noWrap || len(tp.buffer) == 0 {
		return nil
	}
	remainder := tp.buffer
	tp.buffer = tp.buffer[:0]
	if !tp.padFlush {
		tp.dropped = len(remainder)
		return nil
	}
	block := make(gpt_bpe.Tokens, 0, tp.blockSize)
	block = append(block, remainder...)
	for len(block) < tp.blockSize {
		block = append(block, tp.padToken)
	}
	return &Block{Tokens: block}
}

// Remainder returns the count of currently buffered tokens.
func (tp *TokenPacker) Remainder() int {
	return len(tp.buffer)
}

// Dropped returns the count of tokens discarded by the end-of-stream
// flush.
func (tp *TokenPacker) Dropped() int {
	return tp.dropped
}

// BlocksIterator lazily yields packed blocks; nil signals end of stream.
type BlocksIterator func() *Block

// PackDocuments
// Consumes the fetcher's document channel and produces a BlocksIterator in
// the style of a pull iterator, including the end-of-stream flush.
// Packing is sequential; the iterator is not safe for concurrent use.
func (tp *TokenPacker) PackDocuments(documents <-chan Document) BlocksIterator {
	var ready []Block
	flushed := false
	return func() *Block {
		for len(ready) == 0 {
			doc, more := <-documents
			if !more {
				if flushed {
					return nil
				}
				flushed = true
				return tp.Flush()
			}
			ready = tp.Pack(&doc)
		}
		block := ready[0]
		ready = ready[1:]
		return &block
	}
}
