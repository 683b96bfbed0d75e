package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed sample_site.yaml
var sampleSite []byte

const SampleSiteFile = "docln.yaml"

// SeedSampleSite writes the bundled sample site into dir unless a file with
// that name exists.
func SeedSampleSite(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sites directory: %w", err)
	}

	path := filepath.Join(dir, SampleSiteFile)
	if _, err := os.Stat(path); err == nil {
		return path, os.ErrExist
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	return path, os.WriteFile(path, sampleSite, 0o644)
}
