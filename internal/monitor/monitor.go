// Package monitor samples CPU, memory, and disk I/O for a running process
// by PID from /proc and publishes the results both as a Usage record and as
// Prometheus gauges. RecordExternal publishes a sample obtained elsewhere
// (such as the Docker stats API) through the same gauges; no execution
// backend in this module calls it.
package monitor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"sandboxd/internal/metrics"
)

// Usage is one point-in-time (or cumulative-peak) resource reading for an
// execution, matching the fields a resource monitor needs to report and a
// quota enforcer needs to check against.
type Usage struct {
	CPUPercent      float64
	MemoryBytes     uint64
	MemoryPercent   float64
	DiskReadBytes   uint64
	DiskWriteBytes  uint64
	PeakMemoryBytes uint64
	PeakCPUPercent  float64
	SampleCount     int
	Timestamp       time.Time
}

// Monitor samples one OS process on an interval.
type Monitor struct {
	pid         int
	interval    time.Duration
	label       string // execution/container id, used as the Prometheus label
	language    string
	totalMemKB  uint64

	mu            sync.Mutex
	usage         Usage
	lastCPUTicks  uint64
	lastSampleAt  time.Time
	clockTicksSec uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor for pid, reporting under label/language in
// Prometheus metrics.
func New(pid int, label, language string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		pid:           pid,
		interval:      interval,
		label:         label,
		language:      language,
		totalMemKB:    readTotalMemoryKB(),
		clockTicksSec: 100, // USER_HZ is 100 on essentially all Linux distributions
	}
}

// Start begins sampling in the background until the context is canceled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop halts sampling and blocks until the sampling goroutine exits.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

// Usage returns the most recent reading.
func (m *Monitor) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

func (m *Monitor) sample() {
	stat, err := readProcStat(m.pid)
	if err != nil {
		return
	}
	status, err := readProcStatus(m.pid)
	if err != nil {
		return
	}
	ioBytes, _ := readProcIO(m.pid)

	now := time.Now()
	totalTicks := stat.utime + stat.stime

	m.mu.Lock()
	var cpuPercent float64
	if !m.lastSampleAt.IsZero() && totalTicks >= m.lastCPUTicks {
		elapsed := now.Sub(m.lastSampleAt).Seconds()
		if elapsed > 0 {
			deltaTicks := float64(totalTicks - m.lastCPUTicks)
			cpuPercent = (deltaTicks / float64(m.clockTicksSec)) / elapsed * 100
		}
	}
	m.lastCPUTicks = totalTicks
	m.lastSampleAt = now

	memPercent := 0.0
	if m.totalMemKB > 0 {
		memPercent = float64(status.vmRSSKB) / float64(m.totalMemKB) * 100
	}

	m.usage.CPUPercent = cpuPercent
	m.usage.MemoryBytes = status.vmRSSKB * 1024
	m.usage.MemoryPercent = memPercent
	m.usage.DiskReadBytes = ioBytes.readBytes
	m.usage.DiskWriteBytes = ioBytes.writeBytes
	m.usage.SampleCount++
	m.usage.Timestamp = now
	if m.usage.MemoryBytes > m.usage.PeakMemoryBytes {
		m.usage.PeakMemoryBytes = m.usage.MemoryBytes
	}
	if cpuPercent > m.usage.PeakCPUPercent {
		m.usage.PeakCPUPercent = cpuPercent
	}
	m.mu.Unlock()

	mx := metrics.Get()
	mx.ContainerCPUUsage.WithLabelValues(m.label, m.language).Set(cpuPercent)
	mx.ContainerMemoryUsage.WithLabelValues(m.label, m.language).Set(float64(status.vmRSSKB * 1024))
}

// RecordExternal publishes a usage sample obtained out-of-band (e.g. from
// the Docker stats API for the container backend) through the same
// Prometheus gauges a direct-backend Monitor would use.
func RecordExternal(label, language string, u Usage) {
	mx := metrics.Get()
	mx.ContainerCPUUsage.WithLabelValues(label, language).Set(u.CPUPercent)
	mx.ContainerMemoryUsage.WithLabelValues(label, language).Set(float64(u.MemoryBytes))
}

type procStat struct {
	utime uint64
	stime uint64
}

func readProcStat(pid int) (procStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	// Fields after the parenthesized comm field are space-separated;
	// utime/stime are fields 14 and 15 (1-indexed) of the whole line.
	text := string(data)
	end := strings.LastIndex(text, ")")
	if end == -1 || end+2 >= len(text) {
		return procStat{}, fmt.Errorf("unexpected /proc/%d/stat format", pid)
	}
	fields := strings.Fields(text[end+2:])
	// fields[0] is field 3 (state); utime is field 14 => index 11 here.
	if len(fields) < 15 {
		return procStat{}, fmt.Errorf("short /proc/%d/stat", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	return procStat{utime: utime, stime: stime}, nil
}

type procStatus struct {
	vmRSSKB uint64
}

func readProcStatus(pid int) (procStatus, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return procStatus{}, err
	}
	defer f.Close()

	var st procStatus
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				st.vmRSSKB, _ = strconv.ParseUint(fields[1], 10, 64)
			}
		}
	}
	return st, nil
}

type procIO struct {
	readBytes  uint64
	writeBytes uint64
}

func readProcIO(pid int) (procIO, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/io", pid))
	if err != nil {
		return procIO{}, err
	}
	defer f.Close()

	var io procIO
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "read_bytes:"):
			io.readBytes, _ = strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "read_bytes:")), 10, 64)
		case strings.HasPrefix(line, "write_bytes:"):
			io.writeBytes, _ = strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "write_bytes:")), 10, 64)
		}
	}
	return io, nil
}

func readTotalMemoryKB() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, _ := strconv.ParseUint(fields[1], 10, 64)
				return kb
			}
		}
	}
	return 0
}
