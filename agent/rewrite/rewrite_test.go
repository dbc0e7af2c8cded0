package rewrite

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	ulperrors "ulpgo/errors"
)

// mmapExecPage allocates one page of read/write/exec anonymous memory, the
// same protection class a live-patchable function's NOP pad would sit in
// before rewriting.
func mmapExecPage(t *testing.T) []byte {
	t.Helper()
	page, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap failed: %v", err)
	}
	t.Cleanup(func() { _ = unix.Munmap(page) })
	return page
}

func TestPatchCallSite_InstallsTemplate(t *testing.T) {
	page := mmapExecPage(t)
	nopPadLen := 24

	// Place the NOP pad at the start of the page; patchedAddr is its end.
	for i := 0; i < nopPadLen; i++ {
		page[i] = 0x90 // NOP
	}
	original := make([]byte, 14)
	copy(original, page[:14])

	base := uintptr(unsafe.Pointer(&page[0]))
	patchedAddr := base + uintptr(nopPadLen)

	overwritten, err := PatchCallSite(patchedAddr, nopPadLen, 7, 0xdeadbeefcafe0000)
	if err != nil {
		t.Fatalf("PatchCallSite() error: %v", err)
	}
	if string(overwritten[:]) != string(original) {
		t.Errorf("overwritten bytes = %x, want %x", overwritten, original)
	}

	if page[0] != 0x57 {
		t.Errorf("expected push %%rdi (0x57) at offset 0, got %#x", page[0])
	}
	gotIndex := binary.LittleEndian.Uint32(page[indexOffset : indexOffset+4])
	if gotIndex != 7 {
		t.Errorf("encoded index = %d, want 7", gotIndex)
	}
	gotAddr := binary.LittleEndian.Uint64(page[addrOffset : addrOffset+8])
	if gotAddr != 0xdeadbeefcafe0000 {
		t.Errorf("encoded dispatcher address = %#x, want %#x", gotAddr, uint64(0xdeadbeefcafe0000))
	}
}

func TestPatchCallSite_PageCrossingPad(t *testing.T) {
	// Two adjacent mmap regions are not guaranteed contiguous, so instead
	// verify the boundary arithmetic directly: a pad that starts a few
	// bytes before a page boundary spans two pages and must still produce
	// a valid mprotect range.
	addr := uintptr(pageSize - 4)
	start, n := pageAlignedRange(addr, PreNopsLen)
	if start != 0 {
		t.Errorf("pageAlignedRange() start = %d, want 0", start)
	}
	if n < pageSize {
		t.Errorf("pageAlignedRange() length %d should cover into the next page", n)
	}
}

func TestPatchCallSite_PadTooShort(t *testing.T) {
	page := mmapExecPage(t)
	base := uintptr(unsafe.Pointer(&page[0]))
	patchedAddr := base + 10

	_, err := PatchCallSite(patchedAddr, 10, 0, 0)
	if !ulperrors.Is(err, ulperrors.ErrNopPadTooShort) {
		t.Errorf("PatchCallSite() with short pad should return ErrNopPadTooShort, got %v", err)
	}
}
