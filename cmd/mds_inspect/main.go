package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/gpt_bpe"

	"github.com/wbrown/secstream"
	"github.com/wbrown/secstream/mds"
)

func main() {
	dir := flag.String("dir", "",
		"dataset directory to inspect")
	decodeIdx := flag.Int("decode", -1,
		"decode the sample at this index with -tokenizer")
	tokenizerID := flag.String("tokenizer", "gpt2",
		"tokenizer to decode samples with")
	tokenWidth := flag.Int("token_width", 2,
		"bytes per serialized token id [2, 4]")
	flag.Parse()
	if *dir == "" {
		flag.Usage()
		log.Fatal("Must provide -dir")
	}

	reader, openErr := mds.Open(*dir)
	if openErr != nil {
		log.Fatal(openErr)
	}
	defer reader.Close()

	fmt.Printf("%s: %d shards, %d samples\n", *dir, reader.NumShards(),
		reader.NumSamples())
	for shardIdx, shard := range reader.Shards() {
		line := fmt.Sprintf("  %02d %s %d samples, %s raw", shardIdx,
			shard.RawData.Basename, shard.Samples,
			humanize.Bytes(uint64(shard.RawData.Bytes)))
		if shard.ZipData != nil {
			line += fmt.Sprintf(", %s %s (xxh64 %s)",
				shard.Compression,
				humanize.Bytes(uint64(shard.ZipData.Bytes)),
				shard.ZipData.Hashes["xxh64"])
		}
		fmt.Println(line)
	}

	if *decodeIdx >= 0 {
		sample, sampleErr := reader.Sample(*decodeIdx)
		if sampleErr != nil {
			log.Fatal(sampleErr)
		}
		tokens, binErr := secstream.TokensFromBin(sample["tokens"],
			*tokenWidth)
		if binErr != nil {
			log.Fatal(binErr)
		}
		encoder, tokErr := gpt_bpe.NewEncoder(*tokenizerID)
		if tokErr != nil {
			log.Fatal(tokErr)
		}
		fmt.Printf("sample %d: %d tokens\n", *decodeIdx, len(tokens))
		fmt.Println(encoder.Decode(&tokens))
	}
}
