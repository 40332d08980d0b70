// Package stats implements the external StatsSource port: a periodic
// snapshot of host CPU/memory/load/disk figures, grounded on
// troup/system.py's StatsTracker (psutil-based) and on kilroy's
// procutil.go's procfs-reading idiom, here applied to host-level rather
// than per-process introspection.
package stats

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/palefire/troupnode/clock"
	"github.com/palefire/troupnode/model"
)

// Source is the external port a RankingEngine/gossip.Manager reads a
// node's own load through (spec.md §6's StatsSource).
type Source interface {
	Snapshot() model.Snapshot
}

// ProcSource refreshes a cached SystemStats snapshot on a timer by
// reading /proc, mirroring StatsTracker's periodic_update pattern:
// refresh_values runs on its own schedule and get_stats always returns
// the last computed value rather than blocking a caller on a fresh
// read.
type ProcSource struct {
	hostname string
	platform string
	cpuCount int
	bogomips float64

	prevTotal *cpuTimes

	mu   sync.Mutex
	last model.Snapshot

	timer *clock.IntervalTimer
}

// NewProcSource builds a ProcSource with its static host facts (name,
// platform, processor count, bogomips) read once at construction, and
// an initial zero-usage snapshot. Call Start to begin periodic
// refreshes.
func NewProcSource() *ProcSource {
	hostname, _ := os.Hostname()
	count, bogomips := readCPUInfo()
	s := &ProcSource{
		hostname: hostname,
		platform: runtime.GOOS,
		cpuCount: count,
		bogomips: bogomips,
	}
	s.last = model.Snapshot{
		Stats: model.SystemStats{
			CPU:    model.CPUStats{Processors: count, Bogomips: bogomips},
			System: model.SystemInfo{Name: hostname, Platform: s.platform},
		},
		At: time.Now(),
	}
	return s
}

// Start begins refreshing the cached snapshot every period.
func (s *ProcSource) Start(c clock.Clock, period time.Duration) {
	if s.timer != nil {
		return
	}
	s.timer = clock.New(c, period, 0, s.refresh)
	s.timer.Start()
	s.refresh()
}

func (s *ProcSource) Stop() {
	if s.timer != nil {
		s.timer.Cancel()
	}
}

// Snapshot returns the most recently computed measurement.
func (s *ProcSource) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *ProcSource) refresh() {
	cpu := s.readCPUUsage()
	mem := readMemInfo()
	load := readLoadAvg()

	stats := model.SystemStats{
		CPU: model.CPUStats{
			Usage:      cpu.overall,
			PerCPU:     cpu.perCPU,
			Processors: s.cpuCount,
			Bogomips:   s.bogomips,
		},
		Memory: mem,
		System: model.SystemInfo{
			Load:     load,
			Name:     s.hostname,
			Platform: s.platform,
		},
		Disk: model.DiskStats{IOLoad: 0.0}, // reserved: no disk sampler grounded in the pack
	}

	s.mu.Lock()
	s.last = model.Snapshot{Stats: stats, At: time.Now()}
	s.mu.Unlock()
}

// Describe renders a snapshot as a short human-readable line, using
// go-humanize for byte/percentage-friendly formatting in CLI banners
// and logs.
func Describe(snap model.Snapshot) string {
	st := snap.Stats
	return fmt.Sprintf("cpu=%.0f%% mem=%s/%s load=%.2f (%s)",
		st.CPU.Usage*100,
		humanize.Bytes(st.Memory.Used),
		humanize.Bytes(st.Memory.Total),
		st.System.Load[0],
		humanize.Time(snap.At),
	)
}

type cpuUsage struct {
	overall float64
	perCPU  []float64
}

type cpuTimes struct {
	idle, total []uint64
}

// readCPUUsage computes usage as (1 - idle_delta/total_delta) against
// the previous reading, the jiffy-counter technique /proc/stat exposes
// (psutil computes the same ratio over a sampling interval under the
// hood, which is what StatsTracker.refresh_values calls into).
func (s *ProcSource) readCPUUsage() cpuUsage {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuUsage{}
	}
	defer f.Close()

	var idle, total []uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu") {
			break
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		var sum, idleVal uint64
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				continue
			}
			sum += v
			if i == 3 { // idle field
				idleVal = v
			}
		}
		idle = append(idle, idleVal)
		total = append(total, sum)
	}
	if len(idle) == 0 {
		return cpuUsage{}
	}

	prev := s.prevTotal
	s.prevTotal = &cpuTimes{idle: idle, total: total}
	if prev == nil || len(prev.idle) != len(idle) {
		return cpuUsage{}
	}

	perCPU := make([]float64, 0, len(idle)-1)
	var overall float64
	for i := range idle {
		idleDelta := float64(idle[i]) - float64(prev.idle[i])
		totalDelta := float64(total[i]) - float64(prev.total[i])
		usage := 0.0
		if totalDelta > 0 {
			usage = 1 - idleDelta/totalDelta
			if usage < 0 {
				usage = 0
			}
			if usage > 1 {
				usage = 1
			}
		}
		if i == 0 {
			overall = usage // first "cpu" line is the aggregate
		} else {
			perCPU = append(perCPU, usage)
		}
	}
	return cpuUsage{overall: overall, perCPU: perCPU}
}

func readMemInfo() model.MemoryStats {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return model.MemoryStats{}
	}
	defer f.Close()

	values := map[string]uint64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		values[key] = v * 1024 // /proc/meminfo reports kB
	}

	total := values["MemTotal"]
	available := values["MemAvailable"]
	used := uint64(0)
	if total > available {
		used = total - available
	}
	return model.MemoryStats{Total: total, Used: used, Available: available}
}

func readLoadAvg() [3]float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return [3]float64{}
	}
	fields := strings.Fields(string(raw))
	var load [3]float64
	for i := 0; i < 3 && i < len(fields); i++ {
		load[i], _ = strconv.ParseFloat(fields[i], 64)
	}
	return load
}

func readCPUInfo() (count int, bogomips float64) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return runtime.NumCPU(), 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var total float64
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "processor"):
			count++
		case strings.HasPrefix(line, "bogomips"):
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
					total += v
				}
			}
		}
	}
	if count == 0 {
		count = runtime.NumCPU()
	}
	return count, total
}

var _ Source = (*ProcSource)(nil)
