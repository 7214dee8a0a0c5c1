package secstream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIdentifiers(t *testing.T) {
	records := []FilingRecord{
		{DocID: "0001", Tickers: []string{"AAPL", "APPL"},
			ReportDate: "2019-09-28"},
		{DocID: "0002", Tickers: []string{"MSFT"},
			ReportDate: "2019-06-30"},
		// Duplicate of the first record after first-ticker resolution.
		{DocID: "0001", Tickers: []string{"AAPL"},
			ReportDate: "2019-09-28"},
		// No ticker to resolve against.
		{DocID: "0003", Tickers: nil, ReportDate: "2019-12-31"},
		{DocID: "0004", Tickers: []string{"IBM"},
			ReportDate: "2018-12-31"},
	}
	ids, stats := ResolveIdentifiers(records)
	assert.Equal(t, 5, stats.Records)
	assert.Equal(t, 3, stats.Unique)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Skipped)
	require.Len(t, ids, 3)
	assert.Equal(t, FilingID{DocID: "0001", Ticker: "AAPL",
		ReportDate: "2019-09-28"}, ids[0])
	assert.Equal(t, "MSFT", ids[1].Ticker)
	assert.Equal(t, "IBM", ids[2].Ticker)
}

func TestResolveIdentifiersDeterministicOrder(t *testing.T) {
	records := make([]FilingRecord, 0, 64)
	for recordIdx := 0; recordIdx < 64; recordIdx++ {
		records = append(records, FilingRecord{
			DocID:      string(rune('a' + recordIdx%26)),
			Tickers:    []string{"T" + string(rune('A'+recordIdx%26))},
			ReportDate: "2020-01-01",
		})
	}
	first, _ := ResolveIdentifiers(records)
	second, _ := ResolveIdentifiers(records)
	assert.Equal(t, first, second)
}

func TestFilingIDYear(t *testing.T) {
	assert.Equal(t, "2019",
		FilingID{ReportDate: "2019-03-31"}.Year())
	assert.Equal(t, "2021", FilingID{ReportDate: "2021"}.Year())
}

func TestReadFilingRecords(t *testing.T) {
	metadata := `{"docID": "0001", "tickers": ["AAPL"], "reportDate": "2019-09-28"}

{"docID": "0002", "tickers": ["MSFT", "MSFT.O"], "reportDate": "2019-06-30"}
`
	records, err := ReadFilingRecords(strings.NewReader(metadata))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "0001", records[0].DocID)
	assert.Equal(t, []string{"MSFT", "MSFT.O"}, records[1].Tickers)
}

func TestReadFilingRecordsMalformedLine(t *testing.T) {
	metadata := `{"docID": "0001", "tickers": ["AAPL"], "reportDate": "2019-09-28"}
{"docID": "0002", "tickers": [`
	_, err := ReadFilingRecords(strings.NewReader(metadata))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
