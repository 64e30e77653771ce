package lightning

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"arkrelay/config"
)

func TestEstimateFee(t *testing.T) {
	std := config.LightningConfig{FeePercentage: 0.1}

	tests := []struct {
		name    string
		cfg     config.LightningConfig
		amount  int64
		base    int64
		routing int64
	}{
		{"small amount hits both floors", std, 500, 1, 10},
		{"mid amount keeps routing floor", std, 30_000, 30, 10},
		{"round amount", std, 100_000, 100, 20},
		{"large amount", std, 5_000_000, 5_000, 1_000},
		{"unset percentage falls back", config.LightningConfig{}, 100_000, 100, 20},
		{"custom percentage", config.LightningConfig{FeePercentage: 0.5}, 100_000, 500, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee := EstimateFee(tt.cfg, tt.amount)
			assert.Equal(t, tt.base, fee.BaseFee)
			assert.Equal(t, tt.routing, fee.RoutingFee)
			assert.Equal(t, tt.base+tt.routing, fee.Total())
		})
	}
}
