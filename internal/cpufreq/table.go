package cpufreq

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// OperatingPoint is a validated frequency (kHz) / voltage (µV) pair.
type OperatingPoint struct {
	Frequency uint
	Voltage   uint
	Enabled   bool
}

// FrequencyTable is an ascending, read-only list of operating points. It is
// safe for concurrent readers once built.
type FrequencyTable struct {
	points []OperatingPoint
}

// BuildTable copies and sorts points. At least one point must be enabled.
func BuildTable(points []OperatingPoint) (*FrequencyTable, error) {
	sorted := slices.Clone(points)
	slices.SortStableFunc(sorted, func(a, b OperatingPoint) int {
		switch {
		case a.Frequency < b.Frequency:
			return -1
		case a.Frequency > b.Frequency:
			return 1
		}
		return 0
	})

	if !slices.ContainsFunc(sorted, func(p OperatingPoint) bool { return p.Enabled && p.Frequency > 0 }) {
		return nil, ErrNoOperatingPoints
	}

	return &FrequencyTable{points: sorted}, nil
}

// Points returns a copy of all operating points, including disabled ones.
func (t *FrequencyTable) Points() []OperatingPoint {
	return slices.Clone(t.points)
}

// Frequencies returns the enabled frequencies in ascending order.
func (t *FrequencyTable) Frequencies() []uint {
	freqs := make([]uint, 0, len(t.points))
	for _, p := range t.points {
		if p.Enabled {
			freqs = append(freqs, p.Frequency)
		}
	}
	return freqs
}

// Max returns the highest enabled frequency.
func (t *FrequencyTable) Max() uint {
	for i := len(t.points) - 1; i >= 0; i-- {
		if t.points[i].Enabled {
			return t.points[i].Frequency
		}
	}
	return 0
}

// Min returns the lowest enabled frequency.
func (t *FrequencyTable) Min() uint {
	for _, p := range t.points {
		if p.Enabled {
			return p.Frequency
		}
	}
	return 0
}

// Lookup finds the enabled operating point nearest to freq in the direction
// given by relation.
func (t *FrequencyTable) Lookup(freq uint, relation Relation) (OperatingPoint, error) {
	switch relation {
	case AtOrAbove:
		for _, p := range t.points {
			if p.Enabled && p.Frequency >= freq {
				return p, nil
			}
		}
	case AtOrBelow:
		for i := len(t.points) - 1; i >= 0; i-- {
			if t.points[i].Enabled && t.points[i].Frequency <= freq {
				return t.points[i], nil
			}
		}
	default:
		return OperatingPoint{}, fmt.Errorf("invalid relation %d: %w", relation, ErrNoMatch)
	}

	return OperatingPoint{}, fmt.Errorf("%d kHz %s: %w", freq, relation, ErrNoMatch)
}

// NextBelow returns the highest enabled frequency strictly below freq, or freq
// itself when no such frequency exists.
func (t *FrequencyTable) NextBelow(freq uint) uint {
	for i := len(t.points) - 1; i >= 0; i-- {
		if t.points[i].Enabled && t.points[i].Frequency < freq {
			return t.points[i].Frequency
		}
	}
	return freq
}

// clamp bounds freq into the enabled range of the table.
func (t *FrequencyTable) clamp(freq uint) uint {
	return min(max(freq, t.Min()), t.Max())
}

// SharedTable owns the one FrequencyTable shared by every CPU of a cluster.
// The table is built by the first Acquire and dropped by the last Release.
type SharedTable struct {
	provider TableProvider
	device   string

	users atomic.Int32
	mutex sync.Mutex
	table *FrequencyTable
}

func NewSharedTable(provider TableProvider, device string) *SharedTable {
	return &SharedTable{
		provider: provider,
		device:   device,
	}
}

// Acquire takes a reference on the table, building it on first use.
func (s *SharedTable) Acquire() (*FrequencyTable, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.users.Add(1) == 1 {
		points, err := s.provider.OperatingPoints(s.device)
		if err == nil {
			s.table, err = BuildTable(points)
		}
		if err != nil {
			s.users.Add(-1)
			return nil, fmt.Errorf("failed to build frequency table for %s: %w", s.device, err)
		}
	}

	return s.table, nil
}

// Release drops a reference; the table is freed when the last user is gone.
func (s *SharedTable) Release() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.users.Load() == 0 {
		return
	}
	if s.users.Add(-1) == 0 {
		s.table = nil
	}
}

// Users returns the current reference count.
func (s *SharedTable) Users() int {
	return int(s.users.Load())
}

// Table returns the current table, or nil when nobody holds a reference.
func (s *SharedTable) Table() *FrequencyTable {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.table
}
