package scanner

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/filemill/filemill/internal/domain"
)

// List recursively scans root for regular files matching the extension filter
// and returns them sorted by name, each carrying its current size as the offset.
// An empty extension matches all files. Inaccessible entries are skipped.
func List(root, extension string) ([]domain.FileNameWithOffset, error) {
	var listing []domain.FileNameWithOffset

	ext := strings.TrimPrefix(extension, ".")

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Skip inaccessible entries
			log.Warn().Err(err).Str("path", path).Msg("Skipping inaccessible path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ext != "" && strings.TrimPrefix(filepath.Ext(path), ".") != ext {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable file")
			return nil
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve path %s: %w", path, err)
		}

		listing = append(listing, domain.FileNameWithOffset{
			FileName: abs,
			Offset:   info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", root, err)
	}

	domain.SortByFileName(listing)

	log.Debug().
		Str("root", root).
		Str("extension", extension).
		Int("files", len(listing)).
		Msg("Directory scan complete")

	return listing, nil
}
