package core

import (
	"encoding/json"
	"os"
	"sort"
)

// appendSource records a source filename in sources.json, the purely
// informational listing of everything ever ingested. Best effort; the
// store is authoritative.
func (c *Core) appendSource(source string) error {
	path := c.cfg.SourcesPath()

	var sources []string
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &sources)
	}

	for _, s := range sources {
		if s == source {
			return nil
		}
	}
	sources = append(sources, source)
	sort.Strings(sources)

	data, err := json.MarshalIndent(sources, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
