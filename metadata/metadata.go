// Package metadata decodes and encodes the binary patch metadata format
// shared by the driver and the in-process agent.
package metadata

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	ulperrors "ulpgo/errors"
)

// PatchType distinguishes an apply metadata file from a revert one.
type PatchType uint8

const (
	// TypeApply requests that a patch's units be installed.
	TypeApply PatchType = 1
	// TypeRevert requests that a previously applied patch be undone.
	TypeRevert PatchType = 2
)

// PatchId uniquely identifies a patch.
type PatchId [32]byte

// PatchUnit describes one function replacement within a PatchedObject.
type PatchUnit struct {
	// OldFname is the symbol name of the .ulp jump-slot entry in the target library.
	OldFname string
	// NewFname is the symbol name in the livepatch shared object.
	NewFname string
	// OldFaddr is the authored address hint; not trusted, resolved again at apply time.
	OldFaddr uint64
}

// PatchedObject identifies the library whose functions are being replaced.
type PatchedObject struct {
	// SoFilename is the absolute path to the livepatch shared object (apply only).
	SoFilename string
	// BuildId is the raw bytes from the target library's GNU build-id note.
	BuildId []byte
	// Name is the absolute path used when the loader mapped the target library.
	Name string
	// Units is the ordered sequence of function replacements.
	Units []PatchUnit
}

// PatchMetadata is the parsed form of an on-disk patch metadata file.
type PatchMetadata struct {
	// Type is apply or revert.
	Type PatchType
	// PatchID identifies the patch.
	PatchID PatchId
	// Target names the library being patched; empty for a bare revert.
	Target PatchedObject
	// Deps lists patches that must already be applied before this one.
	Deps []PatchId
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "read u32")
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "read u64")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readBytes(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "read bytes")
	}
	return buf, nil
}

func readLenPrefixedString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b, err := readBytes(r, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode reads a patch metadata record from r in the §6.1 wire format.
// Both the agent's and the driver's readers must produce an identical
// PatchMetadata for the same bytes.
func Decode(r io.Reader) (*PatchMetadata, error) {
	var typeByte [1]byte
	if _, err := io.ReadFull(r, typeByte[:]); err != nil {
		return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing type byte")
	}
	typ := PatchType(typeByte[0])
	if typ != TypeApply && typ != TypeRevert {
		return nil, ulperrors.ErrUnknownMetadataType
	}

	md := &PatchMetadata{Type: typ}

	id, err := readBytes(r, 32)
	if err != nil {
		return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing patch id")
	}
	copy(md.PatchID[:], id)

	soFilename, err := readLenPrefixedString(r)
	if err != nil {
		return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing so_filename")
	}
	buildId, err := readLenPrefixedString(r)
	if err != nil {
		return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing build_id")
	}
	objName, err := readLenPrefixedString(r)
	if err != nil {
		return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing obj_name")
	}
	md.Target = PatchedObject{
		SoFilename: soFilename,
		BuildId:    []byte(buildId),
		Name:       objName,
	}

	if typ == TypeRevert {
		return md, nil
	}

	nunits, err := readU32(r)
	if err != nil {
		return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing nunits")
	}
	if nunits == 0 {
		return nil, ulperrors.ErrNoPatchUnits
	}
	md.Target.Units = make([]PatchUnit, nunits)
	for i := range md.Target.Units {
		oldFname, err := readLenPrefixedString(r)
		if err != nil {
			return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing old_fname")
		}
		newFname, err := readLenPrefixedString(r)
		if err != nil {
			return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing new_fname")
		}
		oldFaddr, err := readU64(r)
		if err != nil {
			return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing old_faddr")
		}
		md.Target.Units[i] = PatchUnit{
			OldFname: oldFname,
			NewFname: newFname,
			OldFaddr: oldFaddr,
		}
	}

	ndeps, err := readU32(r)
	if err != nil {
		return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing ndeps")
	}
	md.Deps = make([]PatchId, ndeps)
	for i := range md.Deps {
		dep, err := readBytes(r, 32)
		if err != nil {
			return nil, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "decode", "missing dep id")
		}
		copy(md.Deps[i][:], dep)
	}

	return md, nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeLenPrefixedString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// Encode writes md to w in the §6.1 wire format.
func Encode(w io.Writer, md *PatchMetadata) error {
	if _, err := w.Write([]byte{byte(md.Type)}); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
	}
	if _, err := w.Write(md.PatchID[:]); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
	}
	if err := writeLenPrefixedString(w, md.Target.SoFilename); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
	}
	if err := writeLenPrefixedString(w, string(md.Target.BuildId)); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
	}
	if err := writeLenPrefixedString(w, md.Target.Name); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
	}

	if md.Type == TypeRevert {
		return nil
	}

	if err := writeU32(w, uint32(len(md.Target.Units))); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
	}
	for _, u := range md.Target.Units {
		if err := writeLenPrefixedString(w, u.OldFname); err != nil {
			return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
		}
		if err := writeLenPrefixedString(w, u.NewFname); err != nil {
			return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
		}
		if err := writeU64(w, u.OldFaddr); err != nil {
			return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
		}
	}

	if err := writeU32(w, uint32(len(md.Deps))); err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
	}
	for _, d := range md.Deps {
		if _, err := w.Write(d[:]); err != nil {
			return ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "encode")
		}
	}
	return nil
}

// LoadFile reads and decodes a patch metadata file from path.
func LoadFile(path string) (*PatchMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "load metadata")
	}
	return Decode(bytes.NewReader(data))
}
