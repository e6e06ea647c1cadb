package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/registration-engine/engine"
)

func TestSplitProportional(t *testing.T) {
	tests := []struct {
		name    string
		total   string
		weights []string
		want    []string
	}{
		{"proportional", "50", []string{"30", "70"}, []string{"15", "35"}},
		{"remainder on heaviest weight", "10", []string{"1", "1", "2"}, []string{"2.5", "2.5", "5"}},
		{"thirds, remainder on first of equals", "100", []string{"1", "1", "1"}, []string{"33.34", "33.33", "33.33"}},
		{"zero weight gets nothing", "20", []string{"0", "40"}, []string{"0", "20"}},
		{"all zero splits evenly", "9", []string{"0", "0", "0"}, []string{"3", "3", "3"}},
		{"rounding never drives a share below zero", "0.02", []string{"0.01", "0.01", "0.01", "0.01"}, []string{"0", "0", "0.01", "0.01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			weights := make([]decimal.Decimal, len(tt.weights))
			for i, w := range tt.weights {
				weights[i] = dec(w)
			}
			got := engine.SplitProportional(dec(tt.total), weights)

			sum := decimal.Zero
			for i, g := range got {
				assert.True(t, g.Equal(dec(tt.want[i])), "share %d: got %s want %s", i, g, tt.want[i])
				sum = sum.Add(g)
			}
			assert.True(t, sum.Equal(dec(tt.total)), "shares must sum to the total")
		})
	}
}
