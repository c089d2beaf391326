// Package queries loads the search query list and keeps it current while the
// agent runs.
package queries

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmpty is returned when a file parses but holds no queries.
var ErrEmpty = errors.New("queries: no queries found")

// Load reads queries from path.
//
// ".csv" files use the "query" column when the first row is a header that
// names one, otherwise the first column. Any other extension is read line by
// line, skipping blanks and "#" comments. Duplicates are dropped, first
// occurrence wins.
func Load(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var qs []string
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		qs, err = parseCSV(b)
	} else {
		qs, err = parseLines(b)
	}
	if err != nil {
		return nil, fmt.Errorf("queries %s: %w", path, err)
	}
	qs = dedupe(qs)
	if len(qs) == 0 {
		return nil, fmt.Errorf("queries %s: %w", path, ErrEmpty)
	}
	return qs, nil
}

func parseLines(b []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func parseCSV(b []byte) ([]string, error) {
	r := csv.NewReader(bytes.NewReader(b))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	col := 0
	first := true
	var out []string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if idx := headerIndex(rec); idx >= 0 {
				col = idx
				continue
			}
		}
		if col >= len(rec) {
			continue
		}
		if v := strings.TrimSpace(rec[col]); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func headerIndex(rec []string) int {
	for i, h := range rec {
		// Strip a UTF-8 BOM some spreadsheet exports prepend.
		h = strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
		if strings.EqualFold(h, "query") {
			return i
		}
	}
	return -1
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, q := range in {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
