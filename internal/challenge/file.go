package challenge

import (
	"encoding/json"
	"fmt"
	"os"
)

type fileFormat struct {
	Levels []Level `json:"levels"`
}

// LoadFile reads a challenge table from a JSON file of the form
// {"levels":[{"step":1,"flag":"...","points":1000}]}.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read challenge file: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return Table{}, fmt.Errorf("parse challenge file %s: %w", path, err)
	}

	return NewTable(f.Levels)
}
