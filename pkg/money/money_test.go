package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int64
	}{
		{"whole", "46.00", 4600},
		{"cents", "19.99", 1999},
		{"half rounds away from zero", "10.005", 1001},
		{"below half", "10.004", 1000},
		{"negative half", "-0.005", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToMinorUnits(decimal.RequireFromString(tt.in)))
		})
	}
}

func TestFromFloat_RoundsToCents(t *testing.T) {
	assert.Equal(t, "0.30", String(FromFloat(0.1+0.2)))
	assert.Equal(t, "20.00", String(FromFloat(20)))
}

func TestParse(t *testing.T) {
	d, err := Parse("40.00")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromInt(40)))

	_, err = Parse("forty")
	assert.Error(t, err)
}

func TestFromMinorUnits(t *testing.T) {
	assert.Equal(t, "46.00", String(FromMinorUnits(4600)))
	assert.InDelta(t, 46.0, Float(FromMinorUnits(4600)), 0.0001)
}
