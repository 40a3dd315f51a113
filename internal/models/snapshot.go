// Package models defines types shared across internal packages.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// FileRecord is the fingerprint of one file inside a watched root.
// ModTime is seconds since the epoch with sub-second precision. Hash is the
// lowercase hex MD5 of the file content.
type FileRecord struct {
	Path    string  `json:"path"`
	ModTime float64 `json:"mtime"`
	Hash    string  `json:"hash"`
}

// Snapshot maps root-relative paths to their FileRecord for one root.
// Iteration and JSON encoding follow insertion order. A Snapshot is built
// once by its producer and must not be modified after it is shared.
type Snapshot struct {
	paths   []string
	records map[string]FileRecord
}

// Snapshots holds one Snapshot per configured root, in configuration order.
type Snapshots []*Snapshot

// DiffResult lists, per root index, the paths that need uploading.
type DiffResult [][]string

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{records: make(map[string]FileRecord)}
}

// Add inserts or replaces the record for rec.Path. A replaced record keeps
// its original position.
func (s *Snapshot) Add(rec FileRecord) {
	if s.records == nil {
		s.records = make(map[string]FileRecord)
	}

	if _, exists := s.records[rec.Path]; !exists {
		s.paths = append(s.paths, rec.Path)
	}

	s.records[rec.Path] = rec
}

// Get returns the record for path, if present. Safe on a nil snapshot.
func (s *Snapshot) Get(path string) (FileRecord, bool) {
	if s == nil {
		return FileRecord{}, false
	}

	rec, ok := s.records[path]

	return rec, ok
}

// Len returns the number of records. Safe on a nil snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}

	return len(s.paths)
}

// Paths returns a copy of the paths in insertion order.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}

	return append([]string(nil), s.paths...)
}

// Each calls fn for every record in insertion order until fn returns false.
func (s *Snapshot) Each(fn func(rec FileRecord) bool) {
	if s == nil {
		return
	}

	for _, p := range s.paths {
		if !fn(s.records[p]) {
			return
		}
	}
}

// MarshalJSON encodes the snapshot as an object keyed by path, each value
// being the pair [mtime, hash]. Keys are written in insertion order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, p := range s.paths {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}

		rec := s.records[p]

		val, err := json.Marshal([2]any{rec.ModTime, rec.Hash})
		if err != nil {
			return nil, fmt.Errorf("encoding record for %q: %w", p, err)
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the object form written by MarshalJSON, keeping the
// key order of the input.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("snapshot is not valid JSON")
	}

	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return fmt.Errorf("snapshot must be a JSON object, got %s", res.Type)
	}

	out := NewSnapshot()

	var decodeErr error

	res.ForEach(func(key, value gjson.Result) bool {
		pair := value.Array()
		if !value.IsArray() || len(pair) != 2 || pair[0].Type != gjson.Number || pair[1].Type != gjson.String {
			decodeErr = fmt.Errorf("record for %q must be [mtime, hash]", key.String())
			return false
		}

		out.Add(FileRecord{
			Path:    key.String(),
			ModTime: pair[0].Float(),
			Hash:    pair[1].String(),
		})

		return true
	})
	if decodeErr != nil {
		return decodeErr
	}

	*s = *out

	return nil
}

// TotalFiles returns the number of records across all snapshots.
func (ss Snapshots) TotalFiles() int {
	n := 0
	for _, s := range ss {
		n += s.Len()
	}

	return n
}

// TotalPaths returns the number of paths across all roots.
func (d DiffResult) TotalPaths() int {
	n := 0
	for _, paths := range d {
		n += len(paths)
	}

	return n
}
