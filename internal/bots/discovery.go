package bots

import (
	"log/slog"
	"os"
	"path/filepath"
)

// ManifestFile is the manifest name inside each bot directory
const ManifestFile = "bot.yaml"

// DiscoverManifests scans dir for bot subdirectories containing bot.yaml.
// Invalid manifests are logged and skipped so one broken bot does not block
// the rest.
func DiscoverManifests(dir string, logger *slog.Logger) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		m, err := LoadManifest(path)
		if err != nil {
			logger.Warn("Skipping invalid bot manifest", "dir", entry.Name(), "error", err)
			continue
		}
		manifests = append(manifests, m)
	}

	return manifests, nil
}
