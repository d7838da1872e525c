package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nivalis-io/ipa-orchestrator/internal/config"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

func statsCfg() config.StatsExportConfig {
	return config.StatsExportConfig{
		ExportTarget:          "storage",
		StorageBucket:         "ipa-stats",
		BaseExportPath:        "exports",
		MonthlyCollectionPath: "projects/ipa/assets/monthly",
		YearlyCollectionPath:  "projects/ipa/assets/yearly",
		BasinCodes:            []string{"MAULE", "aconcagua", "maipo"},
		ExcludeBasinCodes:     []string{"MAIPO"},
		CommonTblPrePrefix:    "ipa",
	}
}

func TestBuildersUnknownName(t *testing.T) {
	_, err := Builders([]string{"basin_monthly", "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown statistic "nope"`)
}

func TestBuildersPreserveOrder(t *testing.T) {
	builders, err := Builders([]string{"basin_yearly", "basin_monthly"})
	require.NoError(t, err)
	require.Len(t, builders, 2)
	assert.Equal(t, "yearly", builders[0].Frequency())
	assert.Equal(t, "monthly", builders[1].Frequency())
}

func TestBasinBuilderMonthly(t *testing.T) {
	builders, err := Builders([]string{"basin_monthly"})
	require.NoError(t, err)

	descriptors, err := builders[0].Produce(statsCfg())
	require.NoError(t, err)
	require.Len(t, descriptors, 2) // maipo excluded

	d := descriptors[0]
	assert.Equal(t, "ipa_maule_monthly_stats", d.Name)
	assert.Equal(t, "monthly", d.Frequency)
	assert.Equal(t, "projects/ipa/assets/monthly", d.Collection)
	assert.Equal(t, status.TargetObjectStore, d.Target)
	assert.Equal(t, "ipa-stats", d.Bucket)
	assert.Equal(t, "exports/monthly/ipa_maule_monthly_stats.csv", d.Path)

	assert.Equal(t, "ipa_aconcagua_monthly_stats", descriptors[1].Name)
}

func TestBasinBuilderYearlyFallsBackToMonthlyCollection(t *testing.T) {
	cfg := statsCfg()
	cfg.YearlyCollectionPath = ""

	builders, err := Builders([]string{"basin_yearly"})
	require.NoError(t, err)

	descriptors, err := builders[0].Produce(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, descriptors)
	assert.Equal(t, "projects/ipa/assets/monthly", descriptors[0].Collection)
}

func TestBasinBuilderNoCollection(t *testing.T) {
	cfg := statsCfg()
	cfg.MonthlyCollectionPath = ""

	builders, err := Builders([]string{"basin_monthly"})
	require.NoError(t, err)

	_, err = builders[0].Produce(cfg)
	require.Error(t, err)
}
