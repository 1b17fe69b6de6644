package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chessgantry/pkg/types"
)

func TestValidatePosition(t *testing.T) {
	checker := NewChecker(types.DefaultSafetyLimits(), types.DefaultSpeedLimits())

	tests := []struct {
		name    string
		pos     types.Position
		wantErr bool
	}{
		{"origin", types.Position{X: 0, Y: 0, Z: 0}, false},
		{"interior", types.Position{X: 200, Y: 150, Z: 50}, false},
		{"on max boundary", types.Position{X: 400, Y: 400, Z: 100}, false},
		{"x below min", types.Position{X: -1, Y: 0, Z: 0}, true},
		{"x above max", types.Position{X: 400.01, Y: 0, Z: 0}, true},
		{"y above max", types.Position{X: 0, Y: 500, Z: 0}, true},
		{"z above max", types.Position{X: 0, Y: 0, Z: 101}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.ValidatePosition(tt.pos)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePositionErrorDetail(t *testing.T) {
	checker := NewChecker(types.DefaultSafetyLimits(), types.DefaultSpeedLimits())

	err := checker.ValidatePosition(types.Position{X: 450, Y: 0, Z: 0})
	assert.Error(t, err)

	var limitErr *LimitError
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "X", limitErr.Axis)
	assert.Equal(t, 450.0, limitErr.Value)
}

func TestClampSpeed(t *testing.T) {
	checker := NewChecker(types.DefaultSafetyLimits(), types.DefaultSpeedLimits())

	tests := []struct {
		name     string
		feedrate float64
		want     float64
		warns    bool
	}{
		{"in range", 1000, 1000, false},
		{"at min", 100, 100, false},
		{"at max", 5000, 5000, false},
		{"below min clamps", 50, 100, true},
		{"above max clamps", 6000, 5000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warning := checker.ClampSpeed(tt.feedrate)
			assert.Equal(t, tt.want, got)
			if tt.warns {
				assert.NotEmpty(t, warning)
			} else {
				assert.Empty(t, warning)
			}
		})
	}
}

func TestClampSpeedDisabled(t *testing.T) {
	speeds := types.DefaultSpeedLimits()
	speeds.Enabled = false
	checker := NewChecker(types.DefaultSafetyLimits(), speeds)

	got, warning := checker.ClampSpeed(99999)
	assert.Equal(t, 99999.0, got)
	assert.Empty(t, warning)
}
