package gclog

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
)

const indexName = "glog_index.json"

// indexEntry records one sealed segment, one JSON object per line.
type indexEntry struct {
	ID       int    `json:"id"`
	File     string `json:"file"`
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
	SealedAt string `json:"sealed_at"`
}

func appendIndexEntry(dir string, e indexEntry) error {
	f, err := os.OpenFile(filepath.Join(dir, indexName),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func loadIndex(dir string) ([]indexEntry, error) {
	b, err := os.ReadFile(filepath.Join(dir, indexName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []indexEntry
	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e indexEntry
		if err := json.Unmarshal(line, &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func loadLastIndex(dir string) (*indexEntry, error) {
	entries, err := loadIndex(dir)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[len(entries)-1], nil
}
