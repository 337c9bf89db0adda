// Package index persists the append-only version list of each package.
package index

import (
	"encoding/json"
	"slices"
	"time"
)

// Entry is one published version of a package. Entries are never modified
// once appended.
type Entry struct {
	// ID identifies the version's archive blob
	ID            string          `json:"id"`
	Version       string          `json:"version"`
	ArchiveSHA256 string          `json:"archive_sha256"`
	Pubspec       json.RawMessage `json:"pubspec"`
	Published     time.Time       `json:"published"`
}

// Index is the ordered version history of a package.
type Index struct {
	Name     string  `json:"name"`
	Versions []Entry `json:"versions"`
}

// Latest returns the most recently appended entry.
func (i *Index) Latest() (Entry, bool) {
	if i == nil || len(i.Versions) == 0 {
		return Entry{}, false
	}
	return i.Versions[len(i.Versions)-1], true
}

// Find returns the entry with the given version string.
func (i *Index) Find(version string) (Entry, bool) {
	if i == nil {
		return Entry{}, false
	}
	for _, e := range i.Versions {
		if e.Version == version {
			return e, true
		}
	}
	return Entry{}, false
}

// FindID returns the entry with the given version identifier.
func (i *Index) FindID(id string) (Entry, bool) {
	if i == nil {
		return Entry{}, false
	}
	for _, e := range i.Versions {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Clone returns a deep copy of i.
func (i *Index) Clone() *Index {
	if i == nil {
		return nil
	}
	out := &Index{
		Name:     i.Name,
		Versions: make([]Entry, len(i.Versions)),
	}
	for n, e := range i.Versions {
		e.Pubspec = slices.Clone(e.Pubspec)
		out.Versions[n] = e
	}
	return out
}
