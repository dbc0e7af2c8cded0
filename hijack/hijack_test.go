package hijack

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAlignRegs_RedZoneAndAlignment(t *testing.T) {
	s := &Session{
		mainRegs: unix.PtraceRegs{
			Rsp: 0x7ffee0001037,
		},
	}

	got := s.alignRegs(0x401000)

	wantRip := uint64(0x401000 + restartSyscallSize)
	if got.Rip != wantRip {
		t.Errorf("Rip = %#x, want %#x", got.Rip, wantRip)
	}

	if got.Rsp%stackAlignment != 0 {
		t.Errorf("Rsp %#x is not %d-byte aligned", got.Rsp, stackAlignment)
	}

	// The adjusted stack pointer must still leave room below the original
	// minus the red zone: it can only move down from there to reach
	// alignment, never up past it.
	maxExpected := s.mainRegs.Rsp - redZoneLen
	if got.Rsp > maxExpected {
		t.Errorf("Rsp %#x should not exceed original minus red zone %#x", got.Rsp, maxExpected)
	}
}

func TestAlignRegs_AlreadyAligned(t *testing.T) {
	s := &Session{
		mainRegs: unix.PtraceRegs{
			Rsp: 0x7ffee0001000, // already 64-byte aligned
		},
	}

	got := s.alignRegs(0x401000)
	want := s.mainRegs.Rsp - redZoneLen
	if got.Rsp != want {
		t.Errorf("Rsp = %#x, want %#x (no extra masking needed)", got.Rsp, want)
	}
}

func TestAlignRegs_PreservesOtherRegisters(t *testing.T) {
	s := &Session{
		mainRegs: unix.PtraceRegs{
			Rsp: 0x7ffee0001037,
			Rbx: 0xdeadbeef,
			Rcx: 0xcafef00d,
		},
	}

	got := s.alignRegs(0x401000)
	if got.Rbx != s.mainRegs.Rbx || got.Rcx != s.mainRegs.Rcx {
		t.Error("alignRegs must not disturb registers it doesn't own")
	}
}

func TestListTasks_CurrentProcess(t *testing.T) {
	tids, err := listTasks(os.Getpid())
	if err != nil {
		t.Fatalf("listTasks() error: %v", err)
	}
	if len(tids) == 0 {
		t.Error("expected at least one task for the current process")
	}
	found := false
	for _, tid := range tids {
		if tid == os.Getpid() {
			found = true
		}
	}
	if !found {
		t.Error("expected the main thread's tid to equal the pid")
	}
}

func TestRollback_EmptyListNoError(t *testing.T) {
	if err := rollback(nil); err != nil {
		t.Errorf("rollback(nil) = %v, want nil", err)
	}
}

func TestTestlocksRetryMatchesEAGAIN(t *testing.T) {
	if testlocksRetry != testlocksResult(unix.EAGAIN) {
		t.Errorf("testlocksRetry = %d, want %d", testlocksRetry, unix.EAGAIN)
	}
}
