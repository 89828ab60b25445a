package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kekkai/internal/errors"
)

func TestCheck(t *testing.T) {
	base := ResourceLimits{CPUPercent: 50, MemoryMB: 512, DiskMB: 1024}

	tests := []struct {
		name    string
		usage   Usage
		limits  ResourceLimits
		wantErr bool
		wantMsg string
	}{
		{
			name:   "within all limits",
			usage:  Usage{CPUPercent: 10, MemoryMB: 100, DiskMB: 200},
			limits: base,
		},
		{
			name:   "exactly at limit is allowed",
			usage:  Usage{CPUPercent: 50, MemoryMB: 512, DiskMB: 1024},
			limits: base,
		},
		{
			name:    "cpu exceeded",
			usage:   Usage{CPUPercent: 50.1, MemoryMB: 100, DiskMB: 100},
			limits:  base,
			wantErr: true,
			wantMsg: "cpu usage",
		},
		{
			name:    "memory exceeded",
			usage:   Usage{CPUPercent: 10, MemoryMB: 513, DiskMB: 100},
			limits:  base,
			wantErr: true,
			wantMsg: "memory usage",
		},
		{
			name:    "disk exceeded",
			usage:   Usage{CPUPercent: 10, MemoryMB: 100, DiskMB: 2048},
			limits:  base,
			wantErr: true,
			wantMsg: "disk usage",
		},
		{
			name:    "cpu named first when several dimensions exceeded",
			usage:   Usage{CPUPercent: 99, MemoryMB: 9999, DiskMB: 9999},
			limits:  base,
			wantErr: true,
			wantMsg: "cpu usage",
		},
		{
			name:   "zero limit disables the dimension",
			usage:  Usage{CPUPercent: 400, MemoryMB: 9999, DiskMB: 9999},
			limits: ResourceLimits{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.usage, tt.limits)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.ErrResourceLimit))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateAgainstHost(t *testing.T) {
	capacity := Capacity{CPUPercent: 800, MemoryMB: 16384, DiskMB: 102400}

	err := ValidateAgainstHost(ResourceLimits{CPUPercent: 100, MemoryMB: 512, DiskMB: 1024}, capacity)
	require.NoError(t, err)

	err = ValidateAgainstHost(ResourceLimits{CPUPercent: 900}, capacity)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrConfig))

	err = ValidateAgainstHost(ResourceLimits{MemoryMB: 32768}, capacity)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrConfig))

	err = ValidateAgainstHost(ResourceLimits{CPUPercent: -1}, capacity)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.ErrConfig))

	// Unlimited capacity dimensions accept any limit.
	err = ValidateAgainstHost(ResourceLimits{MemoryMB: 1 << 40}, Capacity{CPUPercent: 800})
	require.NoError(t, err)
}

func TestDetectCapacity(t *testing.T) {
	detected := DetectCapacity(Capacity{})
	assert.Greater(t, detected.CPUPercent, 0.0)
	assert.EqualValues(t, 0, detected.MemoryMB)

	configured := DetectCapacity(Capacity{CPUPercent: 250, MemoryMB: 1024})
	assert.Equal(t, 250.0, configured.CPUPercent)
	assert.EqualValues(t, 1024, configured.MemoryMB)
}

func TestPercentOf(t *testing.T) {
	l := ResourceLimits{CPUPercent: 200, MemoryMB: 1000, DiskMB: 0}
	p := PercentOf(Usage{CPUPercent: 50, MemoryMB: 900, DiskMB: 500}, l)

	assert.InDelta(t, 25.0, p.CPU, 0.001)
	assert.InDelta(t, 90.0, p.Memory, 0.001)
	assert.Zero(t, p.Disk)
}
