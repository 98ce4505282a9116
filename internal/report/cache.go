package report

import (
	"encoding/json"
	"fmt"
	"os"

	"energy-anomaly-alerts/internal/source"
)

// saveCache stores the window as last-known-good report input. The write
// goes through a temp file and rename so a crashed writer never leaves a
// torn cache behind.
func (g *Generator) saveCache(window source.Window) error {
	if g.cfg.CachePath == "" {
		return nil
	}
	if err := ensureDir(g.cfg.CachePath); err != nil {
		return err
	}

	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	tmp := g.cfg.CachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, g.cfg.CachePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

func (g *Generator) loadCache() (source.Window, error) {
	if g.cfg.CachePath == "" {
		return source.Window{}, fmt.Errorf("report cache not configured")
	}

	data, err := os.ReadFile(g.cfg.CachePath)
	if err != nil {
		return source.Window{}, err
	}

	var window source.Window
	if err := json.Unmarshal(data, &window); err != nil {
		return source.Window{}, fmt.Errorf("decode cache %s: %w", g.cfg.CachePath, err)
	}
	return window, nil
}
