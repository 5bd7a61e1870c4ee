package sysfs

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
)

// UVTableRail stages nominal voltages between Disable and Enable and writes
// them to the UV_mV_table attribute of the kernel driver in one go, highest
// frequency first.
type UVTableRail struct {
	cpu     uint
	pending map[uint]uint
}

func NewUVTableRail(cpu uint) *UVTableRail {
	return &UVTableRail{cpu: cpu}
}

func (r *UVTableRail) Disable() {
	r.pending = map[uint]uint{}
}

func (r *UVTableRail) SetNominal(freq uint, microvolts uint) error {
	if r.pending == nil {
		return fmt.Errorf("voltage rail for CPU %d not disabled", r.cpu)
	}
	r.pending[freq] = microvolts
	return nil
}

func (r *UVTableRail) Enable() error {
	pending := r.pending
	r.pending = nil
	if len(pending) == 0 {
		return nil
	}

	freqs := make([]uint, 0, len(pending))
	for freq := range pending {
		freqs = append(freqs, freq)
	}
	slices.Sort(freqs)
	slices.Reverse(freqs)

	values := make([]string, 0, len(freqs))
	for _, freq := range freqs {
		values = append(values, strconv.FormatUint(uint64(pending[freq]/1000), 10))
	}

	uvTablePath := getCPUFreqPathFunction(r.cpu, "UV_mV_table")
	if err := os.WriteFile(uvTablePath, []byte(strings.Join(values, " ")+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write voltage table for CPU %d: %w", r.cpu, err)
	}
	return nil
}
