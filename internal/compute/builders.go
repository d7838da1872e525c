package compute

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/nivalis-io/ipa-orchestrator/internal/config"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// Descriptor is one remote table-task the stats stage should submit,
// produced by a Builder from the stats-export configuration.
type Descriptor struct {
	Name       string
	Frequency  string // frequency bucket: "monthly" or "yearly"
	Collection string // source image collection
	Target     status.ExportTarget
	Bucket     string
	Path       string // destination path of the table output
}

// Builder turns the stats-export configuration into an ordered list of table
// task descriptors for one statistic family. Builders are selected by name
// from config (stats_export.statistics); registration is explicit, not
// derived from language metadata.
type Builder interface {
	// Name is the registry key used in configuration.
	Name() string
	// Frequency is the bucket this builder's outputs belong to.
	Frequency() string
	Produce(cfg config.StatsExportConfig) ([]Descriptor, error)
}

// builderRegistry maps statistic names to constructors. Extend here when a
// new statistic family is added.
var builderRegistry = map[string]func() Builder{
	"basin_monthly": func() Builder { return &basinBuilder{frequency: "monthly"} },
	"basin_yearly":  func() Builder { return &basinBuilder{frequency: "yearly"} },
}

// Builders resolves the configured statistic names into builder instances,
// preserving configuration order.
func Builders(names []string) ([]Builder, error) {
	builders := make([]Builder, 0, len(names))
	for _, name := range names {
		ctor, ok := builderRegistry[name]
		if !ok {
			return nil, fmt.Errorf("compute: unknown statistic %q (known: %s)",
				name, strings.Join(knownBuilders(), ", "))
		}
		builders = append(builders, ctor())
	}
	return builders, nil
}

func knownBuilders() []string {
	names := make([]string, 0, len(builderRegistry))
	for name := range builderRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// basinBuilder produces one table task per basin code for a single frequency
// bucket. Output names follow <prefix>_<basin>_<frequency>_stats and land at
// <base_export_path>/<frequency>/<name>.csv.
type basinBuilder struct {
	frequency string
}

func (b *basinBuilder) Name() string      { return "basin_" + b.frequency }
func (b *basinBuilder) Frequency() string { return b.frequency }

func (b *basinBuilder) Produce(cfg config.StatsExportConfig) ([]Descriptor, error) {
	collection := cfg.MonthlyCollectionPath
	if b.frequency == "yearly" && cfg.YearlyCollectionPath != "" {
		collection = cfg.YearlyCollectionPath
	}
	if collection == "" {
		return nil, fmt.Errorf("compute: no source collection configured for %s stats", b.frequency)
	}

	excluded := make(map[string]bool, len(cfg.ExcludeBasinCodes))
	for _, code := range cfg.ExcludeBasinCodes {
		excluded[strings.ToLower(code)] = true
	}

	var descriptors []Descriptor
	for _, code := range cfg.BasinCodes {
		basin := strings.ToLower(code)
		if excluded[basin] {
			continue
		}
		name := fmt.Sprintf("%s_%s_%s_stats", cfg.CommonTblPrePrefix, basin, b.frequency)
		descriptors = append(descriptors, Descriptor{
			Name:       name,
			Frequency:  b.frequency,
			Collection: collection,
			Target:     status.ExportTarget(cfg.ExportTarget),
			Bucket:     cfg.StorageBucket,
			Path:       path.Join(cfg.BaseExportPath, b.frequency, name+".csv"),
		})
	}
	return descriptors, nil
}
