// Package results persists the per-batch result records and tracks live
// progress while a run is in flight.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/use-agent/chatrelay/models"
)

// FileName returns the result file name for a batch.
func FileName(batch int) string {
	return fmt.Sprintf("results_batch_%d.json", batch)
}

// Encode renders records as an indented JSON array. Reply text is written
// as-is, without HTML escaping.
func Encode(records []models.ScrapeResult) ([]byte, error) {
	if records == nil {
		records = []models.ScrapeResult{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return nil, fmt.Errorf("results: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes records to <dir>/results_batch_<batch>.json and returns
// the path. The file is replaced atomically.
func WriteFile(dir string, batch int, records []models.ScrapeResult) (string, error) {
	data, err := Encode(records)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("results: create output dir: %w", err)
	}

	path := filepath.Join(dir, FileName(batch))
	tmp, err := os.CreateTemp(dir, ".results-*.json")
	if err != nil {
		return "", fmt.Errorf("results: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("results: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("results: close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("results: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("results: rename: %w", err)
	}
	return path, nil
}

// ReadFile loads a result file written by WriteFile.
func ReadFile(path string) ([]models.ScrapeResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("results: read: %w", err)
	}
	var records []models.ScrapeResult
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("results: decode %s: %w", path, err)
	}
	return records, nil
}

// Tally counts successful and failed records.
func Tally(records []models.ScrapeResult) (ok, failed int) {
	for _, r := range records {
		if r.Succeeded() {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}
