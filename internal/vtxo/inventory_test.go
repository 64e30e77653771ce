package vtxo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arkrelay/config"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/pkg/logger"
)

func init() {
	_ = logger.Init("development")
}

var selectBase = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// aged builds an available vtxo created the given duration before selectBase.
func aged(id string, amount int64, age time.Duration) *database.Vtxo {
	return &database.Vtxo{
		VtxoID:    id,
		AssetID:   "BTC",
		Amount:    amount,
		Status:    database.VtxoAvailable,
		CreatedAt: selectBase.Add(-age),
		ExpiresAt: selectBase.Add(24 * time.Hour),
	}
}

func pickedIDs(vtxos []*database.Vtxo) []string {
	ids := make([]string, 0, len(vtxos))
	for _, v := range vtxos {
		ids = append(ids, v.VtxoID)
	}
	return ids
}

func TestSelect(t *testing.T) {
	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := Select([]*database.Vtxo{aged("a", 1000, 0)}, 0)
		require.Error(t, err)
		assert.Equal(t, fault.InvalidIntent, fault.CodeOf(err))

		_, err = Select(nil, -5)
		require.Error(t, err)
		assert.Equal(t, fault.InvalidIntent, fault.CodeOf(err))
	})

	t.Run("exact match wins over everything", func(t *testing.T) {
		available := []*database.Vtxo{
			aged("big", 90000, time.Hour),
			aged("exact", 30000, time.Minute),
			aged("small", 20000, time.Hour),
		}

		picked, err := Select(available, 30000)
		require.NoError(t, err)
		assert.Equal(t, []string{"exact"}, pickedIDs(picked))
	})

	t.Run("oldest exact match among equals", func(t *testing.T) {
		available := []*database.Vtxo{
			aged("young", 30000, time.Minute),
			aged("old", 30000, 2*time.Hour),
		}

		picked, err := Select(available, 30000)
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, pickedIDs(picked))
	})

	t.Run("greedy largest-first covers with fewest outputs", func(t *testing.T) {
		available := []*database.Vtxo{
			aged("a", 5000, time.Hour),
			aged("b", 60000, time.Hour),
			aged("c", 20000, time.Hour),
			aged("d", 30000, time.Hour),
		}

		picked, err := Select(available, 80000)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d"}, pickedIDs(picked))
	})

	t.Run("oldest-first breaks amount ties", func(t *testing.T) {
		available := []*database.Vtxo{
			aged("young", 40000, time.Minute),
			aged("old", 40000, 3*time.Hour),
			aged("mid", 40000, time.Hour),
		}

		picked, err := Select(available, 70000)
		require.NoError(t, err)
		assert.Equal(t, []string{"old", "mid"}, pickedIDs(picked))
	})

	t.Run("insufficient inventory names the gap", func(t *testing.T) {
		available := []*database.Vtxo{
			aged("a", 10000, 0),
			aged("b", 15000, 0),
		}

		_, err := Select(available, 50000)
		require.Error(t, err)
		assert.Equal(t, fault.InsufficientInventory, fault.CodeOf(err))
		assert.Contains(t, err.Error(), "available 25000 of 50000 needed")
	})

	t.Run("empty candidates", func(t *testing.T) {
		_, err := Select(nil, 1000)
		require.Error(t, err)
		assert.Equal(t, fault.InsufficientInventory, fault.CodeOf(err))
	})

	t.Run("does not reorder the caller's slice", func(t *testing.T) {
		available := []*database.Vtxo{
			aged("a", 5000, time.Hour),
			aged("b", 60000, time.Hour),
			aged("c", 20000, time.Hour),
		}

		_, err := Select(available, 80000)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, pickedIDs(available))
	})
}

func poolConfig() config.VtxoConfig {
	return config.VtxoConfig{
		ExpirationHours:      24,
		MinAmount:            1000,
		MinPoolSize:          10,
		DefaultAmount:        100000,
		ReplenishBatchMax:    100,
		UtilizationThreshold: 0.3,
	}
}

func TestReplenishCount(t *testing.T) {
	tests := []struct {
		name string
		stat database.PoolStat
		want int
	}{
		{
			name: "healthy pool stays quiet",
			stat: database.PoolStat{AvailableCount: 40, ReservedCount: 10, TotalCount: 50},
			want: 0,
		},
		{
			name: "empty pool primes floor plus floor buffer",
			stat: database.PoolStat{},
			want: 20,
		},
		{
			name: "below floor covers deficit plus growth buffer",
			stat: database.PoolStat{AvailableCount: 3, ReservedCount: 17, TotalCount: 20},
			want: 11, // deficit 7 + 20% of 20
		},
		{
			name: "high utilization grows a full pool",
			stat: database.PoolStat{AvailableCount: 40, ReservedCount: 60, TotalCount: 100},
			want: 20, // no deficit, 20% of 100
		},
		{
			name: "utilization at threshold is not low",
			stat: database.PoolStat{AvailableCount: 70, ReservedCount: 30, TotalCount: 100},
			want: 0,
		},
		{
			name: "tiny pool below floor total",
			stat: database.PoolStat{AvailableCount: 4, ReservedCount: 0, TotalCount: 4},
			want: 6, // deficit 6 + 20% of 4 rounds down to 0
		},
		{
			name: "batch is capped",
			stat: database.PoolStat{AvailableCount: 0, ReservedCount: 900, TotalCount: 900},
			want: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, replenishCount(&tt.stat, poolConfig()))
		})
	}
}
