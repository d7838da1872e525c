// Package archive implements the pre-publication file contract between the
// stats stage and the website stage. Before a table export overwrites its
// published output, the previous version is moved into an archive sub-tree
// with a date-stamped suffix; if the export later fails, the archived version
// is copied back over the (possibly partial) new file.
//
// Layout: a published output at <base>/<rel>/<name> archives to
// <base>/archive/<rel>/<stem>_LUYYYYMMDD<suffix>, where YYYYMMDD is the UTC
// date of archival.
package archive

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/nivalis-io/ipa-orchestrator/internal/objectstore"
)

// Service performs archive moves, prior-version scans, and rollbacks over
// one object store, rooted at the configured base export path.
type Service struct {
	store    objectstore.Store
	basePath string
}

// NewService returns a Service rooted at basePath.
func NewService(store objectstore.Store, basePath string) *Service {
	return &Service{store: store, basePath: strings.Trim(basePath, "/")}
}

// StampedName returns the archive file name for an output archived on the
// given UTC date: <stem>_LUYYYYMMDD<suffix>.
func StampedName(name string, date time.Time) string {
	suffix := path.Ext(name)
	stem := strings.TrimSuffix(name, suffix)
	return stem + "_LU" + date.UTC().Format("20060102") + suffix
}

// archiveDir maps the directory of a published output to its archive
// sub-tree: <base>/<rel> -> <base>/archive/<rel>.
func (s *Service) archiveDir(sourcePath string) string {
	dir := path.Dir(sourcePath)
	rel := strings.Trim(strings.TrimPrefix(dir, s.basePath), "/")
	return path.Join(s.basePath, "archive", rel)
}

// ArchivePublished moves the currently published blob at sourcePath into the
// archive sub-tree under today's date stamp. Returns the archive path and
// true, or "" and false when no published version existed yet.
func (s *Service) ArchivePublished(ctx context.Context, sourcePath string, now time.Time) (string, bool, error) {
	exists, err := s.store.Exists(ctx, sourcePath)
	if err != nil {
		return "", false, fmt.Errorf("archive: stat %q: %w", sourcePath, err)
	}
	if !exists {
		return "", false, nil
	}

	dst := path.Join(s.archiveDir(sourcePath), StampedName(path.Base(sourcePath), now))
	if err := s.store.Rename(ctx, sourcePath, dst); err != nil {
		return "", false, fmt.Errorf("archive: move %q -> %q: %w", sourcePath, dst, err)
	}
	return dst, true, nil
}

// ScanPrior finds the most recent archived version of the output at
// sourcePath. Today's date stamp is checked first; otherwise the
// lexicographically newest stamped name wins (the stamp's YYYYMMDD form makes
// lexicographic and chronological order coincide). Returns the archive path
// and true, or "" and false when no archived version exists.
func (s *Service) ScanPrior(ctx context.Context, sourcePath string, now time.Time) (string, bool, error) {
	name := path.Base(sourcePath)
	suffix := path.Ext(name)
	stem := strings.TrimSuffix(name, suffix)
	dir := s.archiveDir(sourcePath)

	today := path.Join(dir, StampedName(name, now))
	exists, err := s.store.Exists(ctx, today)
	if err != nil {
		return "", false, fmt.Errorf("archive: stat %q: %w", today, err)
	}
	if exists {
		return today, true, nil
	}

	prefix := path.Join(dir, stem) + "_LU"
	names, err := s.store.List(ctx, prefix)
	if err != nil {
		return "", false, fmt.Errorf("archive: list %q: %w", prefix, err)
	}

	stamped := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `\d{8}` + regexp.QuoteMeta(suffix) + `$`)
	newest := ""
	for _, n := range names {
		if stamped.MatchString(n) && n > newest {
			newest = n
		}
	}
	if newest == "" {
		return "", false, nil
	}
	return newest, true, nil
}

// Rollback copies the archived blob back over sourcePath, restoring the
// previously published version byte for byte. The archive copy is kept.
func (s *Service) Rollback(ctx context.Context, archivePath, sourcePath string) error {
	if err := s.store.Copy(ctx, archivePath, sourcePath); err != nil {
		return fmt.Errorf("archive: rollback %q -> %q: %w", archivePath, sourcePath, err)
	}
	return nil
}
