// Package atomicfile implements the two write primitives every on-disk
// write in maildeckd funnels through (§4.B): write-temp-then-rename for
// whole files, and a read-modify-atomic-rewrite upsert for JSON Lines
// indexes. Both guarantee a reader never observes a partial file (I5).
package atomicfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// WriteFile writes data to path via a sibling temp file followed by a
// rename onto the target, creating parent directories as needed. The
// rename is what makes this atomic: readers see either the old contents
// or the new contents, never a partial write.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// WriteJSON marshals v as pretty-printed (2-space indent) JSON with a
// trailing newline and writes it atomically (§6 "all JSON files are
// written pretty-printed").
func WriteJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteFile(path, buf.Bytes())
}

// UpsertOptions configures JSONLUpsert's sort and cap behavior.
type UpsertOptions struct {
	// SortBy, if non-nil, re-sorts all records with this comparator
	// before writing. The threads index uses DateDescending("last_date")
	// (I7); the contacts index uses none.
	SortBy func(a, b json.RawMessage) bool // true if a should sort before b
	// MaxRecords caps the number of records retained after sort, 0 = unbounded.
	MaxRecords int
}

// JSONLUpsert reads the JSONL file at path, replaces-or-appends the
// record whose keyField equals key, and rewrites the file atomically.
// Readers only ever observe the previous file or the new file in full
// (I5); a rename makes the intermediate state invisible.
func JSONLUpsert(path string, record any, keyField, key string, opts UpsertOptions) error {
	existing, err := readJSONL(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	recBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	replaced := false
	for i, raw := range existing {
		k, ok := extractKey(raw, keyField)
		if ok && k == key {
			existing[i] = recBytes
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, recBytes)
	}

	if opts.SortBy != nil {
		sort.SliceStable(existing, func(i, j int) bool {
			return opts.SortBy(existing[i], existing[j])
		})
	}
	if opts.MaxRecords > 0 && len(existing) > opts.MaxRecords {
		existing = existing[:opts.MaxRecords]
	}

	var buf bytes.Buffer
	for _, raw := range existing {
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	return WriteFile(path, buf.Bytes())
}

// ReadJSONLRecord scans the JSONL file at path for the record whose
// keyField equals key and unmarshals it into out. Returns false if no such
// record exists (including a missing file). Used by callers that need to
// merge into an existing record before upserting it (e.g. contact
// msg_count accumulation) rather than replacing it wholesale.
func ReadJSONLRecord(path, keyField, key string, out any) (bool, error) {
	lines, err := readJSONL(path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	for _, raw := range lines {
		k, ok := extractKey(raw, keyField)
		if ok && k == key {
			if err := json.Unmarshal(raw, out); err != nil {
				return false, fmt.Errorf("unmarshal record: %w", err)
			}
			return true, nil
		}
	}
	return false, nil
}

func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func extractKey(raw json.RawMessage, field string) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	v, ok := m[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DateDescending builds a SortBy comparator for records carrying an
// RFC3339 string field named dateField, sorting most-recent-first (I7).
func DateDescending(dateField string) func(a, b json.RawMessage) bool {
	return func(a, b json.RawMessage) bool {
		return extractTime(a, dateField).After(extractTime(b, dateField))
	}
}

func extractTime(raw json.RawMessage, field string) time.Time {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return time.Time{}
	}
	v, ok := m[field]
	if !ok {
		return time.Time{}
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
