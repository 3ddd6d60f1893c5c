// Package locator discovers Claude Code JSONL usage logs under a projects
// directory tree.
package locator

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// FileInfo describes one discovered log file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// SkipReason records a path that could not be scanned. Skips never fail the
// whole scan; the caller gets a partial result plus the reasons.
type SkipReason struct {
	Path   string
	Reason string
}

// Scan walks root and returns every .jsonl file with its size and
// modification time, sorted by path so ingestion passes are deterministic.
func Scan(ctx context.Context, root string) ([]FileInfo, []SkipReason, error) {
	var (
		files []FileInfo
		skips []SkipReason
	)

	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			skips = append(skips, SkipReason{Path: path, Reason: err.Error()})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || filepath.Ext(path) != ".jsonl" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			skips = append(skips, SkipReason{Path: path, Reason: err.Error()})
			return nil
		}
		files = append(files, FileInfo{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, skips, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	if len(skips) > 0 {
		log.Warn().
			Str("component", "locator").
			Str("root", root).
			Int("skipped", len(skips)).
			Msg("some paths could not be scanned")
	}
	return files, skips, nil
}
