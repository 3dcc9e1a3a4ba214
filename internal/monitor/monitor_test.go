package monitor

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestNewDefaultsInterval(t *testing.T) {
	m := New(os.Getpid(), "exec-1", "python", 0)
	if m.interval != time.Second {
		t.Errorf("interval = %v, want default 1s when given 0", m.interval)
	}
}

func TestMonitorSamplesOwnProcess(t *testing.T) {
	m := New(os.Getpid(), "exec-self", "go", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Usage().SampleCount > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	m.Stop()

	u := m.Usage()
	if u.SampleCount == 0 {
		t.Fatal("expected at least one sample of the test process")
	}
	if u.MemoryBytes == 0 {
		t.Error("expected non-zero MemoryBytes for a live process")
	}
}

func TestRecordExternalDoesNotPanic(t *testing.T) {
	RecordExternal("container-1", "python", Usage{CPUPercent: 12.5, MemoryBytes: 1024})
}

func TestReadTotalMemoryKBNonZeroOnLinux(t *testing.T) {
	kb := readTotalMemoryKB()
	if kb == 0 {
		t.Skip("no /proc/meminfo available in this environment")
	}
}
