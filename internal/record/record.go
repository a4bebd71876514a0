package record

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrMissingField is wrapped by Validate.
var ErrMissingField = errors.New("missing required field")

// maxLineBytes bounds a single JSONL line.
const maxLineBytes = 4 << 20

// Record is one decoded input record. Numbers stay json.Number so they
// round-trip verbatim.
type Record map[string]any

// Prepared is a record ready to be hashed into a bundle.
type Prepared struct {
	Raw        Record
	Normalized map[string]string
	Canonical  []byte
	LeafHash   []byte
	sortKey    []string
}

// ReadJSONL decodes one JSON object per non-blank line.
func ReadJSONL(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	var out []Record
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return out, nil
}

// LeafHash returns the SHA-256 of a record's canonical bytes.
func LeafHash(canonicalBytes []byte) []byte {
	sum := sha256.Sum256(canonicalBytes)
	return sum[:]
}

// Validate checks every record carries every required field with a
// non-empty value.
func (p *Profile) Validate(records []Record) error {
	for i, rec := range records {
		for _, field := range p.RequiredFields {
			v, ok := rec[field]
			if !ok || isEmpty(v) {
				return fmt.Errorf("record %d: %w %q", i, ErrMissingField, field)
			}
		}
	}
	return nil
}

// Normalize applies the profile's normalisers to rec. Fields with a
// normaliser that are absent from rec are normalised only when the
// normaliser is optional. Canonical fields without a normaliser are
// rendered verbatim.
func (p *Profile) Normalize(rec Record) (map[string]string, error) {
	out := make(map[string]string, len(p.CanonicalFields))
	for field, fn := range p.fns {
		v, ok := rec[field]
		if !ok && !isOptional(p.Normalizers[field]) {
			continue
		}
		s, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = s
	}
	for _, field := range p.CanonicalFields {
		if _, ok := out[field]; ok {
			continue
		}
		s, err := Stringify(rec[field])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = s
	}
	return out, nil
}

// Canonical joins the normalised canonical fields with the separator and
// appends the line ending.
func (p *Profile) Canonical(normalized map[string]string) []byte {
	parts := make([]string, len(p.CanonicalFields))
	for i, field := range p.CanonicalFields {
		parts[i] = normalized[field]
	}
	return []byte(strings.Join(parts, p.Separator) + p.LineEnding)
}

// Prepare validates, normalises and hashes records, returning them in the
// profile's sort order. Ties keep input order.
func (p *Profile) Prepare(records []Record) ([]Prepared, error) {
	if err := p.Validate(records); err != nil {
		return nil, err
	}

	out := make([]Prepared, len(records))
	for i, rec := range records {
		norm, err := p.Normalize(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		canon := p.Canonical(norm)

		key := make([]string, len(p.SortKeys))
		for k, name := range p.SortKeys {
			if name == SortCanonicalBytes {
				key[k] = string(canon)
			} else {
				key[k] = norm[name]
			}
		}

		out[i] = Prepared{
			Raw:        rec,
			Normalized: norm,
			Canonical:  canon,
			LeafHash:   LeafHash(canon),
			sortKey:    key,
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return lessKey(out[i].sortKey, out[j].sortKey)
	})
	return out, nil
}

func lessKey(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Leaves returns the leaf hashes of prepared records in order.
func Leaves(prepared []Prepared) [][]byte {
	out := make([][]byte, len(prepared))
	for i, p := range prepared {
		out[i] = p.LeafHash
	}
	return out
}
