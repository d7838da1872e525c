// Package manifest serializes the small JSON record stored next to the table
// outputs of each frequency bucket. The manifest describes which upstream
// image set produced the current outputs; when the upstream collection still
// matches the manifest, the stats stage skips that bucket entirely.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/nivalis-io/ipa-orchestrator/internal/objectstore"
)

// ExportEntry identifies one stats export recorded in the manifest metadata.
type ExportEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DateUpdated string `json:"date_updated"`
}

// Metadata carries the bookkeeping half of the manifest.
type Metadata struct {
	TargetSystem string        `json:"target_system"`
	StatsExports []ExportEntry `json:"stats_exports"`
}

// Source records the upstream image set the outputs were derived from.
// FirstImage and LastImage are nil when the collection was empty. Images is
// always stored sorted.
type Source struct {
	ImageCollection string   `json:"image_collection"`
	FirstImage      *string  `json:"first_image"`
	LastImage       *string  `json:"last_image"`
	Images          []string `json:"images"`
}

// Manifest is the per-bucket record: one JSON object per frequency bucket.
type Manifest struct {
	DateCreated string   `json:"date_created"`
	Metadata    Metadata `json:"metadata"`
	Source      Source   `json:"source"`
}

// New builds a manifest for the given collection contents. The image list is
// copied and sorted; first/last are derived from the sorted order.
func New(targetSystem, collection string, images []string, exports []ExportEntry, now time.Time) *Manifest {
	sorted := make([]string, len(images))
	copy(sorted, images)
	sort.Strings(sorted)

	src := Source{
		ImageCollection: collection,
		Images:          sorted,
	}
	if len(sorted) > 0 {
		first, last := sorted[0], sorted[len(sorted)-1]
		src.FirstImage = &first
		src.LastImage = &last
	}

	return &Manifest{
		DateCreated: now.Format(time.RFC3339),
		Metadata: Metadata{
			TargetSystem: targetSystem,
			StatsExports: exports,
		},
		Source: src,
	}
}

// Parse decodes a manifest from its JSON form.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	return &m, nil
}

// Serialize encodes the manifest as indented JSON, the form stored in the
// object store.
func (m *Manifest) Serialize() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: serialize: %w", err)
	}
	return data, nil
}

// Matches reports whether the manifest still describes the given collection
// contents: same collection path and element-wise equal sorted image lists.
func (m *Manifest) Matches(collection string, images []string) bool {
	if m.Source.ImageCollection != collection {
		return false
	}
	if len(m.Source.Images) != len(images) {
		return false
	}

	sorted := make([]string, len(images))
	copy(sorted, images)
	sort.Strings(sorted)

	recorded := make([]string, len(m.Source.Images))
	copy(recorded, m.Source.Images)
	sort.Strings(recorded)

	for i := range sorted {
		if sorted[i] != recorded[i] {
			return false
		}
	}
	return true
}

// ObjectName returns the manifest's object-store location for one frequency
// bucket, e.g. "manifests/monthly.json".
func ObjectName(manifestPath, bucket string) string {
	return path.Join(manifestPath, bucket+".json")
}

// Load reads and parses the manifest for one frequency bucket. Returns
// (nil, nil) when no manifest has been written yet.
func Load(ctx context.Context, store objectstore.Store, manifestPath, bucket string) (*Manifest, error) {
	data, err := store.Read(ctx, ObjectName(manifestPath, bucket))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: load %s: %w", bucket, err)
	}
	return Parse(data)
}

// Save writes the manifest for one frequency bucket.
func Save(ctx context.Context, store objectstore.Store, manifestPath, bucket string, m *Manifest) error {
	data, err := m.Serialize()
	if err != nil {
		return err
	}
	if err := store.Write(ctx, ObjectName(manifestPath, bucket), data); err != nil {
		return fmt.Errorf("manifest: save %s: %w", bucket, err)
	}
	return nil
}
