package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
)

// CPUTimes is a cumulative idle/total tick reading.
type CPUTimes struct {
	Idle  float64
	Total float64
}

// CPUSource returns the current cumulative CPU times.
type CPUSource func() (CPUTimes, error)

// ProcCPUSource reads aggregate CPU times from /proc/stat.
func ProcCPUSource() (CPUSource, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return func() (CPUTimes, error) {
		st, err := fs.Stat()
		if err != nil {
			return CPUTimes{}, fmt.Errorf("read /proc/stat: %w", err)
		}
		c := st.CPUTotal
		idle := c.Idle + c.Iowait
		total := idle + c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
		return CPUTimes{Idle: idle, Total: total}, nil
	}, nil
}

// cpuSampler turns successive readings into a utilization percentage.
type cpuSampler struct {
	mu     sync.Mutex
	source CPUSource
	prev   *CPUTimes
}

// sample returns utilization since the previous call. The first call has no
// baseline and reports 0.
func (s *cpuSampler) sample() (float64, error) {
	if s == nil || s.source == nil {
		return 0, nil
	}
	cur, err := s.source()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.prev
	s.prev = &cur
	if prev == nil {
		return 0, nil
	}
	dTotal := cur.Total - prev.Total
	dIdle := cur.Idle - prev.Idle
	if dTotal <= 0 {
		return 0, nil
	}
	pct := (1 - dIdle/dTotal) * 100
	switch {
	case pct < 0:
		return 0, nil
	case pct > 100:
		return 100, nil
	}
	return pct, nil
}
