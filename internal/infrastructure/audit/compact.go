package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Compact rewrites the dictionary with one canonical entry per hash: the
// earliest firstSeen, the latest lastSeen, the highest useCount, and the
// content from the original full entry. The rewrite goes through a temp file
// and an atomic rename.
func Compact(dictPath string) (int, error) {
	file, err := os.Open(dictPath)
	if err != nil {
		return 0, fmt.Errorf("open dictionary: %w", err)
	}

	merged := map[string]*DictionaryEntry{}
	var order []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lines := 0
	for scanner.Scan() {
		var entry DictionaryEntry
		if json.Unmarshal(scanner.Bytes(), &entry) != nil {
			continue
		}
		lines++
		current, ok := merged[entry.Hash]
		if !ok {
			e := entry
			merged[entry.Hash] = &e
			order = append(order, entry.Hash)
			continue
		}
		if entry.FirstSeen != nil && (current.FirstSeen == nil || entry.FirstSeen.Before(*current.FirstSeen)) {
			current.FirstSeen = entry.FirstSeen
		}
		if entry.LastSeen.After(current.LastSeen) {
			current.LastSeen = entry.LastSeen
		}
		if entry.UseCount > current.UseCount {
			current.UseCount = entry.UseCount
		}
		if current.Content == nil {
			current.Content = entry.Content
		}
	}
	scanErr := scanner.Err()
	_ = file.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("scan dictionary: %w", scanErr)
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := merged[order[i]].FirstSeen, merged[order[j]].FirstSeen
		if a == nil || b == nil {
			return a != nil
		}
		return a.Before(*b)
	})

	tmp, err := os.CreateTemp(filepath.Dir(dictPath), "dictionary-compact-*")
	if err != nil {
		return 0, fmt.Errorf("create temp dictionary: %w", err)
	}
	enc := json.NewEncoder(tmp)
	for _, hash := range order {
		if err := enc.Encode(merged[hash]); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return 0, fmt.Errorf("write compacted entry: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dictPath); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("replace dictionary: %w", err)
	}
	return lines - len(order), nil
}
