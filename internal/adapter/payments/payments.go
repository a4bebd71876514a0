// Package payments converts on-chain payment exports into records for the
// domain-onchain-payments profile.
package payments

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"
)

// RequiredColumns must be present in the CSV header.
var RequiredColumns = []string{"domain", "chain", "txid", "timestamp", "currency", "amount"}

// OptionalColumns are copied when present and non-empty.
var OptionalColumns = []string{"from", "to", "token_contract", "decimals", "purpose", "order_id", "memo"}

// ErrMissingColumn is returned when the CSV header lacks a required column.
var ErrMissingColumn = errors.New("missing required column")

// ExportCSV reads a CSV export with a header row and writes one JSON record
// per line to w. Blank rows are skipped. It returns the number of records
// written.
func ExportCSV(r io.Reader, w io.Writer) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	for _, c := range RequiredColumns {
		if _, ok := cols[c]; !ok {
			return 0, fmt.Errorf("%w: %q", ErrMissingColumn, c)
		}
	}

	enc := json.NewEncoder(w)
	n := 0
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if blank(row) {
			continue
		}

		get := func(c string) string {
			i, ok := cols[c]
			if !ok || i >= len(row) {
				return ""
			}
			return row[i]
		}
		rec := make(map[string]string, len(RequiredColumns)+len(OptionalColumns))
		for _, c := range RequiredColumns {
			rec[c] = get(c)
		}
		for _, c := range OptionalColumns {
			if v := get(c); v != "" {
				rec[c] = v
			}
		}
		if err := enc.Encode(rec); err != nil {
			return n, fmt.Errorf("write record: %w", err)
		}
		n++
	}
	return n, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

var (
	sampleChains   = []string{"ethereum", "base", "arbitrum", "polygon", "optimism"}
	sampleDomains  = []string{"example.com", "test.org", "demo.net", "sample.io"}
	samplePurposes = []string{"payment", "refund", "deposit", "withdrawal"}
)

// Sample writes n synthetic records dated on day. rng makes the output
// reproducible; pass a seeded source in tests.
func Sample(w io.Writer, n int, day time.Time, rng *rand.Rand) error {
	enc := json.NewEncoder(w)
	base := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(rng.IntN(86400)) * time.Second)
		rec := map[string]string{
			"domain":    pick(rng, sampleDomains),
			"chain":     pick(rng, sampleChains),
			"txid":      "0x" + hexString(rng, 64),
			"timestamp": ts.Format(time.RFC3339),
			"currency":  "USD",
			"amount":    fmt.Sprintf("%d.%02d", 1+rng.IntN(999), rng.IntN(100)),
			"from":      "0x" + hexString(rng, 40),
			"to":        "0x" + hexString(rng, 40),
			"purpose":   pick(rng, samplePurposes),
			"order_id":  fmt.Sprintf("ORDER-%s-%04d", base.Format("20060102"), i),
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write sample %d: %w", i, err)
		}
	}
	return nil
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.IntN(len(from))]
}

func hexString(rng *rand.Rand, n int) string {
	const digits = "0123456789abcdef"
	b := make([]byte, n)
	for i := range b {
		b[i] = digits[rng.IntN(len(digits))]
	}
	return string(b)
}
