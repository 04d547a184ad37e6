package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/rollgate/rollgate/internal/apiserver/types"
	"github.com/rollgate/rollgate/internal/interfaces"
)

// loadRolloutFile reads a rollout file into an untyped map. The format comes
// from the file extension.
func loadRolloutFile(filename string) (map[string]interface{}, error) {
	parser, err := parserForFile(filename)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(filename), parser); err != nil {
		return nil, fmt.Errorf("failed to load rollout file: %w", err)
	}

	return k.Raw(), nil
}

func parserForFile(filename string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported rollout file type %q (must be .yaml, .yml, .json, or .toml)", ext)
	}
}

// decodeSubmission maps the untyped rollout file onto the submission type the
// API accepts, so a file runs the same whether it goes through the CLI or is
// POSTed to the server.
func decodeSubmission(doc map[string]interface{}) (*types.RolloutSubmission, error) {
	var submission types.RolloutSubmission
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &submission,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to decode rollout file: %w", err)
	}

	if err := validateSubmission(&submission); err != nil {
		return nil, err
	}

	return &submission, nil
}

func validateSubmission(submission *types.RolloutSubmission) error {
	if submission.TargetVersionRef == "" {
		return fmt.Errorf("rollout file is missing targetVersionRef")
	}
	if submission.Strategy == "" {
		return fmt.Errorf("rollout file is missing strategy")
	}
	if !interfaces.Strategy(submission.Strategy).Valid() {
		return fmt.Errorf("unknown strategy %q (supported: %s)",
			submission.Strategy, strategyNames())
	}
	if submission.Backend.Type == "" {
		return fmt.Errorf("rollout file is missing backend.type")
	}
	return nil
}

func strategyNames() string {
	names := make([]string, 0, len(interfaces.Strategies()))
	for _, s := range interfaces.Strategies() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
