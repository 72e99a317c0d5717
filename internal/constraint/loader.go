package constraint

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesFile is the on-disk shape of the constraint rules document.
type rulesFile struct {
	Rules []*Rule `yaml:"rules"`
}

// LoadFile reads constraint rules from a YAML file. Invalid rules are
// skipped with a warning; a missing file yields an empty set.
func LoadFile(path string, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("constraint rules file does not exist, skipping", "path", path)
			return NewSet(), nil
		}
		return nil, fmt.Errorf("constraint: read rules file: %w", err)
	}
	return Parse(data, logger)
}

// Parse decodes and validates a rules document.
func Parse(data []byte, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("constraint: parse rules: %w", err)
	}

	var valid []*Rule
	for _, r := range doc.Rules {
		if err := r.Validate(); err != nil {
			logger.Warn("skipping invalid constraint rule", "rule", r.Name, "error", err)
			continue
		}
		valid = append(valid, r)
		logger.Info("loaded constraint rule", "rule", r.Name, "cron", r.Cron, "duration_mins", r.DurationMins)
	}
	return NewSet(valid...), nil
}
