package limits

import (
	"fmt"
	"runtime"

	"github.com/harunnryd/kekkai/internal/errors"
)

// ResourceLimits are the per-sandbox ceilings enforced at admission
// time. A zero value disables enforcement for that dimension.
type ResourceLimits struct {
	CPUPercent float64       `cbor:"cpu_percent" json:"cpu_percent"`
	MemoryMB   int64         `cbor:"memory_mb" json:"memory_mb"`
	DiskMB     int64         `cbor:"disk_mb" json:"disk_mb"`
	Network    NetworkPolicy `cbor:"network" json:"network"`
}

type NetworkPolicy struct {
	AllowExternal bool `cbor:"allow_external" json:"allow_external"`
}

// Usage is a point-in-time resource sample for one sandbox.
type Usage struct {
	CPUPercent float64 `cbor:"cpu_percent" json:"cpu_percent"`
	MemoryMB   int64   `cbor:"memory_mb" json:"memory_mb"`
	DiskMB     int64   `cbor:"disk_mb" json:"disk_mb"`
}

// Capacity is what the host can hand out in total.
type Capacity struct {
	CPUPercent float64
	MemoryMB   int64
	DiskMB     int64
}

// Percentages expresses usage relative to each configured limit.
type Percentages struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// Check rejects an operation whose current usage already exceeds a
// configured ceiling. Pure function; the first exceeded dimension is
// named in the error.
func Check(usage Usage, l ResourceLimits) error {
	if l.CPUPercent > 0 && usage.CPUPercent > l.CPUPercent {
		return errors.ResourceLimit(fmt.Sprintf("cpu usage %.1f%% exceeds limit %.1f%%", usage.CPUPercent, l.CPUPercent))
	}
	if l.MemoryMB > 0 && usage.MemoryMB > l.MemoryMB {
		return errors.ResourceLimit(fmt.Sprintf("memory usage %dMB exceeds limit %dMB", usage.MemoryMB, l.MemoryMB))
	}
	if l.DiskMB > 0 && usage.DiskMB > l.DiskMB {
		return errors.ResourceLimit(fmt.Sprintf("disk usage %dMB exceeds limit %dMB", usage.DiskMB, l.DiskMB))
	}
	return nil
}

// DetectCapacity fills unset capacity dimensions. CPU derives from the
// host core count; memory and disk stay unlimited unless configured.
func DetectCapacity(configured Capacity) Capacity {
	out := configured
	if out.CPUPercent <= 0 {
		out.CPUPercent = float64(runtime.NumCPU()) * 100
	}
	return out
}

// ValidateAgainstHost rejects limits the host can never satisfy.
func ValidateAgainstHost(l ResourceLimits, capacity Capacity) error {
	if l.CPUPercent < 0 || l.MemoryMB < 0 || l.DiskMB < 0 {
		return errors.Config("resource limits must not be negative")
	}
	if capacity.CPUPercent > 0 && l.CPUPercent > capacity.CPUPercent {
		return errors.Config(fmt.Sprintf("cpu limit %.1f%% exceeds host capacity %.1f%%", l.CPUPercent, capacity.CPUPercent))
	}
	if capacity.MemoryMB > 0 && l.MemoryMB > capacity.MemoryMB {
		return errors.Config(fmt.Sprintf("memory limit %dMB exceeds host capacity %dMB", l.MemoryMB, capacity.MemoryMB))
	}
	if capacity.DiskMB > 0 && l.DiskMB > capacity.DiskMB {
		return errors.Config(fmt.Sprintf("disk limit %dMB exceeds host capacity %dMB", l.DiskMB, capacity.DiskMB))
	}
	return nil
}

// PercentOf expresses usage as a percentage of each configured limit.
// Unlimited dimensions report zero.
func PercentOf(usage Usage, l ResourceLimits) Percentages {
	var p Percentages
	if l.CPUPercent > 0 {
		p.CPU = usage.CPUPercent / l.CPUPercent * 100
	}
	if l.MemoryMB > 0 {
		p.Memory = float64(usage.MemoryMB) / float64(l.MemoryMB) * 100
	}
	if l.DiskMB > 0 {
		p.Disk = float64(usage.DiskMB) / float64(l.DiskMB) * 100
	}
	return p
}
