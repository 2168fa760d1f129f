// Package audit appends LLM exchanges to a JSONL trail and deduplicates
// large payloads through a content-addressable dictionary. References in the
// trail look like {"$ref":"sha256:…","size":n} and resolve through the
// dictionary file.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// HashContent hashes the full, pre-truncation content. The 16-hex-digit
// prefix keeps references short while staying collision-safe for audit use.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

// DictionaryEntry is one line of the dictionary file. The first sighting of
// a hash carries firstSeen and content; later sightings append update
// entries with both set to null and only lastSeen/useCount advancing.
type DictionaryEntry struct {
	Hash      string     `json:"hash"`
	FirstSeen *time.Time `json:"firstSeen"`
	LastSeen  time.Time  `json:"lastSeen"`
	UseCount  int        `json:"useCount"`
	Content   *string    `json:"content"`
}

// Ref is the deduplicated stand-in emitted into the audit trail.
type Ref struct {
	Ref  string `json:"$ref"`
	Size int    `json:"size"`
}

// Dictionary is the append-only writer side of the content store. Opening an
// existing file replays it so use counts survive restarts.
type Dictionary struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	counts map[string]int
	now    func() time.Time
}

// OpenDictionary opens (or creates) the dictionary file for appending.
func OpenDictionary(path string) (*Dictionary, error) {
	counts := map[string]int{}
	if existing, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var entry DictionaryEntry
			if json.Unmarshal(scanner.Bytes(), &entry) != nil {
				continue
			}
			if entry.UseCount > counts[entry.Hash] {
				counts[entry.Hash] = entry.UseCount
			}
		}
		_ = existing.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("replay dictionary: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	return &Dictionary{
		file:   file,
		enc:    json.NewEncoder(file),
		counts: counts,
		now:    time.Now,
	}, nil
}

// Observe records one sighting of content and returns its hash. The first
// sighting appends a full entry; later sightings append update entries.
func (d *Dictionary) Observe(content string) (string, error) {
	hash := HashContent(content)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts[hash]++
	now := d.now().UTC()
	entry := DictionaryEntry{
		Hash:     hash,
		LastSeen: now,
		UseCount: d.counts[hash],
	}
	if d.counts[hash] == 1 {
		entry.FirstSeen = &now
		entry.Content = &content
	}
	if err := d.enc.Encode(entry); err != nil {
		return hash, fmt.Errorf("append dictionary entry: %w", err)
	}
	return hash, nil
}

// UseCount reports how many sightings a hash has accumulated.
func (d *Dictionary) UseCount(hash string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[hash]
}

// Close flushes and closes the dictionary file.
func (d *Dictionary) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
