package metadata

import (
	"bytes"
	"reflect"
	"testing"

	ulperrors "ulpgo/errors"
)

func sampleApply() *PatchMetadata {
	md := &PatchMetadata{
		Type: TypeApply,
	}
	md.PatchID[0] = 0x01
	md.Target = PatchedObject{
		SoFilename: "/var/lib/ulp/patch-a.so",
		BuildId:    []byte{0xAA, 0xBB, 0xCC, 0xDD},
		Name:       "/usr/lib/libtarget.so.1",
		Units: []PatchUnit{
			{OldFname: "f", NewFname: "f_new", OldFaddr: 0x1000},
			{OldFname: "g", NewFname: "g_new", OldFaddr: 0x2000},
		},
	}
	md.Deps = []PatchId{{0x02}, {0x03}}
	return md
}

func sampleRevert() *PatchMetadata {
	md := &PatchMetadata{Type: TypeRevert}
	md.PatchID[0] = 0x01
	md.Target = PatchedObject{
		SoFilename: "",
		BuildId:    []byte{0xAA, 0xBB},
		Name:       "/usr/lib/libtarget.so.1",
	}
	return md
}

func TestEncodeDecodeRoundTrip_Apply(t *testing.T) {
	want := sampleApply()

	var buf bytes.Buffer
	if err := Encode(&buf, want); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got  = %+v\n want = %+v", got, want)
	}
}

func TestEncodeDecodeRoundTrip_Revert(t *testing.T) {
	want := sampleRevert()

	var buf bytes.Buffer
	if err := Encode(&buf, want); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if got.Target.Units != nil {
		t.Errorf("revert metadata should not decode units, got %v", got.Target.Units)
	}
	got.Target.Units = want.Target.Units
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got  = %+v\n want = %+v", got, want)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x09})
	_, err := Decode(buf)
	if !ulperrors.Is(err, ulperrors.ErrUnknownMetadataType) {
		t.Errorf("Decode() with unknown type should return ErrUnknownMetadataType, got %v", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	var full bytes.Buffer
	if err := Encode(&full, sampleApply()); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	truncated := full.Bytes()[:10]
	_, err := Decode(bytes.NewReader(truncated))
	if err == nil {
		t.Error("Decode() on truncated input should fail")
	}
	if !ulperrors.IsKind(err, ulperrors.ErrInvalidMetadata) {
		t.Errorf("Decode() truncation error should be ErrInvalidMetadata, got %v", err)
	}
}

func TestDecode_NoUnits(t *testing.T) {
	md := sampleApply()
	md.Target.Units = nil

	var buf bytes.Buffer
	if err := Encode(&buf, md); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	_, err := Decode(&buf)
	if !ulperrors.Is(err, ulperrors.ErrNoPatchUnits) {
		t.Errorf("Decode() with zero units should return ErrNoPatchUnits, got %v", err)
	}
}

func TestDecode_NoDeps(t *testing.T) {
	md := sampleApply()
	md.Deps = nil

	var buf bytes.Buffer
	if err := Encode(&buf, md); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(got.Deps) != 0 {
		t.Errorf("Deps = %v, want empty", got.Deps)
	}
}
