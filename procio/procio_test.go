package procio

import (
	"strings"
	"testing"

	ulperrors "ulpgo/errors"
)

// A too-long string must be rejected by the length check before WriteString
// ever reaches the ptrace syscall, which would otherwise hang this test
// waiting on a nonexistent tracee (pid 0).
func TestWriteString_TooLong(t *testing.T) {
	long := strings.Repeat("a", 255)
	err := WriteString(0, 0, long)
	if !ulperrors.IsKind(err, ulperrors.ErrReadWriteFailed) {
		t.Errorf("WriteString() with over-length string should return ErrReadWriteFailed, got %v", err)
	}
}
