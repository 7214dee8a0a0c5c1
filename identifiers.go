package secstream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// FilingRecord is one row of the source dataset's metadata: a filing
// document id, the tickers it was filed under, and its report date.
// Records are decoded from JSONL, one record per line.
type FilingRecord struct {
	DocID      string   `json:"docID"`
	Tickers    []string `json:"tickers"`
	ReportDate string   `json:"reportDate"`
}

// FilingID uniquely names one source document. The ticker and the year of
// the report date together determine the remote object path.
type FilingID struct {
	DocID      string
	Ticker     string
	ReportDate string
}

// Year returns the year component of the report date, i.e. "2019" for
// "2019-03-31".
func (id FilingID) Year() string {
	if sep := strings.IndexByte(id.ReportDate, '-'); sep >= 0 {
		return id.ReportDate[:sep]
	}
	return id.ReportDate
}

// ResolveStats reports what happened during identifier resolution.
type ResolveStats struct {
	Records    int
	Unique     int
	Duplicates int
	Skipped    int
}

// ResolveIdentifiers
// Derives the canonical identifier for each record, using the first ticker
// when a filing lists several, and deduplicates to a unique list. Records
// with an empty ticker list are skipped rather than aborting the pass.
// Output order is first-seen order, so the downstream worker partition is
// reproducible across runs.
func ResolveIdentifiers(records []FilingRecord) ([]FilingID, ResolveStats) {
	stats := ResolveStats{Records: len(records)}
	seen := make(map[FilingID]struct{}, len(records))
	unique := make([]FilingID, 0, len(records))
	for recordIdx := range records {
		record := &records[recordIdx]
		if len(record.Tickers) == 0 {
			stats.Skipped += 1
			continue
		}
		id := FilingID{
			DocID:      record.DocID,
			Ticker:     record.Tickers[0],
			ReportDate: record.ReportDate,
		}
		if _, ok := seen[id]; ok {
			stats.Duplicates += 1
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	stats.Unique = len(unique)
	return unique, stats
}

// ReadFilingRecords
// Decodes filing records from a JSONL stream. Blank lines are skipped; a
// malformed line is a hard error, as silently dropping metadata would lose
// documents downstream.
func ReadFilingRecords(reader io.Reader) ([]FilingRecord, error) {
	records := make([]FilingRecord, 0)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum += 1
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record FilingRecord
		if jsonErr := json.Unmarshal([]byte(line), &record); jsonErr != nil {
			return nil, errors.Wrapf(jsonErr,
				"malformed metadata record on line %d", lineNum)
		}
		records = append(records, record)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, errors.Wrap(scanErr, "reading metadata")
	}
	return records, nil
}
