package elfinfo

import (
	"encoding/binary"
	"testing"
)

func buildNote(name string, noteType uint32, desc []byte) []byte {
	nameBytes := append([]byte(name), 0)
	nameLen := uint32(len(nameBytes))
	descLen := uint32(len(desc))

	buf := make([]byte, 0, 12+roundUp4(nameLen)+roundUp4(descLen))
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], nameLen)
	binary.LittleEndian.PutUint32(hdr[4:8], descLen)
	binary.LittleEndian.PutUint32(hdr[8:12], noteType)
	buf = append(buf, hdr[:]...)

	namePadded := make([]byte, roundUp4(nameLen))
	copy(namePadded, nameBytes)
	buf = append(buf, namePadded...)

	descPadded := make([]byte, roundUp4(descLen))
	copy(descPadded, desc)
	buf = append(buf, descPadded...)

	return buf
}

func TestRoundUp4(t *testing.T) {
	tests := []struct {
		in   uint32
		want uint32
	}{
		{0, 0},
		{1, 4},
		{3, 4},
		{4, 4},
		{5, 8},
		{20, 20},
	}
	for _, tt := range tests {
		if got := roundUp4(tt.in); got != tt.want {
			t.Errorf("roundUp4(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestScanNotes_Found(t *testing.T) {
	buildID := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a}
	data := buildNote("GNU", noteGNUBuildID, buildID)

	got, ok := scanNotes(data)
	if !ok {
		t.Fatal("scanNotes() did not find build-id note")
	}
	if string(got) != string(buildID) {
		t.Errorf("scanNotes() = %x, want %x", got, buildID)
	}
}

func TestScanNotes_SkipsOtherNotes(t *testing.T) {
	buildID := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	var data []byte
	data = append(data, buildNote("GNU", 1, []byte{0x00, 0x01, 0x02, 0x03})...) // NT_GNU_ABI_TAG
	data = append(data, buildNote("GNU", noteGNUBuildID, buildID)...)

	got, ok := scanNotes(data)
	if !ok {
		t.Fatal("scanNotes() did not find build-id note among multiple notes")
	}
	if string(got) != string(buildID) {
		t.Errorf("scanNotes() = %x, want %x", got, buildID)
	}
}

func TestScanNotes_NotFound(t *testing.T) {
	data := buildNote("GNU", 1, []byte{0x00})
	_, ok := scanNotes(data)
	if ok {
		t.Error("scanNotes() should not find build-id note when absent")
	}
}

func TestScanNotes_Truncated(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	_, ok := scanNotes(data)
	if ok {
		t.Error("scanNotes() should report not-found on truncated input")
	}
}

func TestUlpLeaDecoding(t *testing.T) {
	// lea instruction bytes: 3 bytes opcode/modrm + 4 byte signed displacement.
	leaAddr := uint64(0x2000)
	disp := int32(0x100)
	buf := make([]byte, 7)
	buf[0], buf[1], buf[2] = 0x48, 0x8d, 0x05 // lea rax, [rip+disp32]
	binary.LittleEndian.PutUint32(buf[3:7], uint32(disp))

	gotDisp := int32(binary.LittleEndian.Uint32(buf[3:7]))
	f := leaAddr + uint64(gotDisp) + ulpLeaLen
	want := leaAddr + uint64(disp) + 7
	if f != want {
		t.Errorf("decoded F = %x, want %x", f, want)
	}
}
