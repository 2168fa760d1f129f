package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Reader resolves $ref entries against the dictionary. The dictionary can be
// much larger than memory, so only an offset index is held; resolved content
// goes through an LRU cache.
type Reader struct {
	path    string
	offsets map[string]int64 // hash -> offset of a line carrying full content
	cache   *lru.Cache[string, string]
}

// OpenReader indexes the dictionary file.
func OpenReader(dictPath string, cacheSize int) (*Reader, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(dictPath)
	if err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	defer file.Close()

	offsets := map[string]int64{}
	var offset int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var entry DictionaryEntry
		if json.Unmarshal(line, &entry) == nil && entry.Content != nil {
			offsets[entry.Hash] = offset
		}
		offset += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("index dictionary: %w", err)
	}
	return &Reader{path: dictPath, offsets: offsets, cache: cache}, nil
}

// Resolve returns the full content for a hash.
func (r *Reader) Resolve(hash string) (string, error) {
	if content, ok := r.cache.Get(hash); ok {
		return content, nil
	}
	offset, ok := r.offsets[hash]
	if !ok {
		return "", fmt.Errorf("unresolved reference %s", hash)
	}

	file, err := os.Open(r.path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	if _, err := file.Seek(offset, 0); err != nil {
		return "", err
	}
	reader := bufio.NewReaderSize(file, 64*1024)
	line, err := readLine(reader)
	if err != nil {
		return "", err
	}
	var entry DictionaryEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return "", fmt.Errorf("decode dictionary entry at %d: %w", offset, err)
	}
	if entry.Content == nil {
		return "", fmt.Errorf("entry for %s has no content", hash)
	}
	r.cache.Add(hash, *entry.Content)
	return *entry.Content, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var out []byte
	for {
		chunk, more, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if !more {
			return out, nil
		}
	}
}

// Restore replaces every {"$ref":hash,"size":n} object in a decoded audit
// entry with the resolved content. Unresolved refs are left in place and
// returned.
func (r *Reader) Restore(value any) (any, []string) {
	var unresolved []string
	restored := r.restoreValue(value, &unresolved)
	return restored, unresolved
}

func (r *Reader) restoreValue(value any, unresolved *[]string) any {
	switch v := value.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok && len(v) <= 2 {
			content, err := r.Resolve(ref)
			if err != nil {
				*unresolved = append(*unresolved, ref)
				return v
			}
			return content
		}
		for key, child := range v {
			v[key] = r.restoreValue(child, unresolved)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = r.restoreValue(child, unresolved)
		}
		return v
	default:
		return value
	}
}

// ReadOptions filters the audit trail for the reader CLI.
type ReadOptions struct {
	Full          bool              // resolve $ref entries through the dictionary
	Filters       map[string]string // top-level field equality, e.g. provider=ollama
	CorrelationID string
	Last          int // keep only the newest N entries
}

// Read loads matching entries from the audit log. Entries are returned as
// generic maps so the CLI can print exactly what is on disk.
func (r *Reader) Read(logPath string, opts ReadOptions) ([]map[string]any, error) {
	entries, err := scanLog(logPath, func(entry map[string]any) bool {
		if opts.CorrelationID != "" && stringField(entry, "correlation_id") != opts.CorrelationID {
			return false
		}
		for key, want := range opts.Filters {
			if stringField(entry, key) != want {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if opts.Last > 0 && len(entries) > opts.Last {
		entries = entries[len(entries)-opts.Last:]
	}
	if opts.Full {
		for i, entry := range entries {
			restored, _ := r.Restore(entry)
			entries[i] = restored.(map[string]any)
		}
	}
	return entries, nil
}

// VerifyReport summarises an integrity pass over the audit log.
type VerifyReport struct {
	Entries    int
	References int
	Unresolved []string
}

// Verify checks that every reference in the log resolves.
func (r *Reader) Verify(logPath string) (VerifyReport, error) {
	report := VerifyReport{}
	seen := map[string]bool{}
	entries, err := scanLog(logPath, nil)
	if err != nil {
		return report, err
	}
	for _, entry := range entries {
		report.Entries++
		refs := collectRefs(entry)
		report.References += len(refs)
		for _, ref := range refs {
			if seen[ref] {
				continue
			}
			if _, err := r.Resolve(ref); err != nil {
				report.Unresolved = append(report.Unresolved, ref)
				seen[ref] = true
			}
		}
	}
	sort.Strings(report.Unresolved)
	return report, nil
}

// Stats aggregates the audit trail for `auditctl read --stats`.
type Stats struct {
	Entries    int
	Errors     int
	References int
	Providers  map[string]int
}

// ComputeStats scans the log once and aggregates counters.
func ComputeStats(logPath string) (Stats, error) {
	stats := Stats{Providers: map[string]int{}}
	entries, err := scanLog(logPath, nil)
	if err != nil {
		return stats, err
	}
	for _, entry := range entries {
		stats.Entries++
		if stringField(entry, "error") != "" {
			stats.Errors++
		}
		if p := stringField(entry, "provider"); p != "" {
			stats.Providers[p]++
		}
		stats.References += len(collectRefs(entry))
	}
	return stats, nil
}

func scanLog(path string, keep func(map[string]any) bool) ([]map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if keep == nil || keep(entry) {
			entries = append(entries, entry)
		}
	}
	return entries, scanner.Err()
}

func stringField(entry map[string]any, key string) string {
	s, _ := entry[key].(string)
	return s
}

func collectRefs(value any) []string {
	var refs []string
	switch v := value.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			refs = append(refs, ref)
		}
		for _, child := range v {
			refs = append(refs, collectRefs(child)...)
		}
	case []any:
		for _, child := range v {
			refs = append(refs, collectRefs(child)...)
		}
	}
	return refs
}
