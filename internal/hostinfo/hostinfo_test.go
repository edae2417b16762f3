package hostinfo

import (
	"runtime"
	"testing"
)

func TestCollect(t *testing.T) {
	snap := Collect()

	if snap.OS != runtime.GOOS {
		t.Errorf("expected OS %s, got %s", runtime.GOOS, snap.OS)
	}
	if snap.CPUCores <= 0 {
		t.Errorf("expected at least one CPU core, got %d", snap.CPUCores)
	}
	// Memory should be collectable on any platform tests run on.
	if snap.MemoryTotalMB == 0 {
		t.Error("expected total memory to be reported")
	}
	if snap.MemoryUsedMB > snap.MemoryTotalMB {
		t.Errorf("used memory %d exceeds total %d", snap.MemoryUsedMB, snap.MemoryTotalMB)
	}
}
