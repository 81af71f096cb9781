package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/use-agent/chatrelay/models"
)

// file mirrors the on-disk prompt list: {"queries": [{"id": ..., "text": ...}]}.
type file struct {
	Queries []struct {
		ID   json.RawMessage `json:"id"`
		Text string          `json:"text"`
	} `json:"queries"`
}

// Load reads the ordered prompt list from path.
func Load(path string) ([]models.Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a prompt list. Records without an id are identified by their
// index; numeric ids keep their literal form.
func Parse(data []byte) ([]models.Prompt, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("prompt: decode: %w", err)
	}

	prompts := make([]models.Prompt, len(f.Queries))
	for i, q := range f.Queries {
		prompts[i] = models.Prompt{
			ID:         decodeID(q.ID, i),
			Text:       q.Text,
			QueryIndex: i,
		}
	}
	return prompts, nil
}

func decodeID(raw json.RawMessage, index int) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return strconv.Itoa(index)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
