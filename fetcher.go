package secstream

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/wbrown/secstream/objectstore"
)

// Document is one raw filing text, ephemeral between download and
// tokenization.
type Document struct {
	Text string
}

// AssignWorker is the static identifier partition: identifier i belongs to
// worker i mod workerCount. Every identifier is covered by exactly one
// worker.
func AssignWorker(identifierIdx int, workerCount int) int {
	return identifierIdx % workerCount
}

// WorkerShard returns the subset of identifiers assigned to workerID.
func WorkerShard(ids []FilingID, workerID int, workerCount int) []FilingID {
	shard := make([]FilingID, 0, len(ids)/workerCount+1)
	for idx := range ids {
		if AssignWorker(idx, workerCount) == workerID {
			shard = append(shard, ids[idx])
		}
	}
	return shard
}

// DocumentFetcher downloads filing texts into a local staging directory in
// parallel and yields their contents. Workers share no mutable state;
// ordering across workers is not guaranteed.
type DocumentFetcher struct {
	Store      objectstore.ObjectStore
	Prefix     string // remote prefix including the split component
	StagingDir string
	Workers    int
	Sanitize   bool

	errOnce sync.Once
	err     error
}

// RemoteKey derives the remote object path for an identifier:
// {prefix}/{ticker}/sec_{year}_txt.txt
func (df *DocumentFetcher) RemoteKey(id FilingID) string {
	return path.Join(df.Prefix, id.Ticker,
		fmt.Sprintf("sec_%s_txt.txt", id.Year()))
}

// LocalPath derives the staging path for an identifier:
// {staging}/{ticker}/sec_{year}.txt
func (df *DocumentFetcher) LocalPath(id FilingID) string {
	return filepath.Join(df.StagingDir, id.Ticker,
		fmt.Sprintf("sec_%s.txt", id.Year()))
}

func (df *DocumentFetcher) setErr(err error) {
	df.errOnce.Do(func() {
		df.err = err
	})
}

// Err reports the first worker failure. Only valid after the documents
// channel returned by Fetch has been drained.
func (df *DocumentFetcher) Err() error {
	return df.err
}

func (df *DocumentFetcher) fetchOne(id FilingID) (*Document, error) {
	tickerDir := filepath.Join(df.StagingDir, id.Ticker)
	if mkdirErr := os.MkdirAll(tickerDir, 0755); mkdirErr != nil {
		return nil, errors.Wrapf(mkdirErr, "creating %s", tickerDir)
	}
	localPath := df.LocalPath(id)
	if dlErr := df.Store.DownloadObject(df.RemoteKey(id),
		localPath); dlErr != nil {
		return nil, errors.Wrapf(dlErr, "downloading document %s",
			id.DocID)
	}
	content, readErr := os.ReadFile(localPath)
	if readErr != nil {
		return nil, errors.Wrapf(readErr, "reading %s", localPath)
	}
	text := string(content)
	if df.Sanitize {
		text = SanitizeText(text)
	}
	return &Document{Text: text}, nil
}

// Fetch partitions the identifiers across workers and returns a bounded
// channel of documents. A download failure aborts the whole fetch; the
// failure is reported by Err() once the channel closes. Consumers apply
// backpressure through the channel's small buffer.
func (df *DocumentFetcher) Fetch(ids []FilingID) <-chan Document {
	workerCount := df.Workers
	if workerCount < 1 {
		workerCount = 1
	}
	if workerCount > len(ids) && len(ids) > 0 {
		workerCount = len(ids)
	}
	documents := make(chan Document, 2)
	abort := make(chan struct{})
	var abortOnce sync.Once
	var wg sync.WaitGroup
	for workerID := 0; workerID < workerCount; workerID++ {
		shard := WorkerShard(ids, workerID, workerCount)
		log.Printf("Worker %d processing %d files", workerID, len(shard))
		wg.Add(1)
		go func(workerID int, shard []FilingID) {
			defer wg.Done()
			for idIdx := range shard {
				document, fetchErr := df.fetchOne(shard[idIdx])
				if fetchErr != nil {
					df.setErr(errors.Wrapf(fetchErr,
						"worker %d aborted", workerID))
					abortOnce.Do(func() { close(abort) })
					return
				}
				select {
				case documents <- *document:
				case <-abort:
					return
				}
			}
		}(workerID, shard)
	}
	go func() {
		wg.Wait()
		close(documents)
	}()
	return documents
}
