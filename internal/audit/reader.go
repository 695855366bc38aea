package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ReadAll streams every Event from every JSONL file under dir (rotated
// files plus the active file), in chronological (filename) order, onto
// the returned channel. Index.Rebuild can be fed from it; tail-audit
// does not use it and reads the Index instead.
func ReadAll(dir string) (<-chan Event, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("audit.ReadAll: read dir %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".jsonl" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // current.jsonl sorts after timestamp-named rotated files; orderedForReplay places it last explicitly.

	out := make(chan Event, 256)
	go func() {
		defer close(out)
		for _, name := range orderedForReplay(names) {
			streamFile(filepath.Join(dir, name), out)
		}
	}()
	return out, nil
}

// orderedForReplay places rotated files (<timestamp>.jsonl, which sort
// chronologically by name) before the active current.jsonl file, which
// always holds the most recent, not-yet-rotated events.
func orderedForReplay(names []string) []string {
	var rotated []string
	var active string
	for _, n := range names {
		if n == "current.jsonl" {
			active = n
			continue
		}
		rotated = append(rotated, n)
	}
	sort.Strings(rotated)
	if active != "" {
		rotated = append(rotated, active)
	}
	return rotated
}

func streamFile(path string, out chan<- Event) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		out <- ev
	}
}
