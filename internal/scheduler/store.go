package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/astroair/vidtanium/internal/models"
)

// saveTriggers persists the trigger list as a JSON array via
// write-temp-then-rename.
func saveTriggers(path string, triggers []*models.Trigger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(triggers, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling triggers: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing triggers: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing triggers: %w", err)
	}
	return nil
}

// loadTriggers reads the persisted trigger list. A missing file yields
// an empty list.
func loadTriggers(path string) ([]*models.Trigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading triggers: %w", err)
	}

	var triggers []*models.Trigger
	if err := json.Unmarshal(data, &triggers); err != nil {
		return nil, fmt.Errorf("parsing triggers: %w", err)
	}
	return triggers, nil
}
