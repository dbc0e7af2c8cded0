// Package elfinfo resolves the ELF-level facts the patch engine needs from
// a library on disk: its GNU build-id, its .ulp jump-slot table, and its
// symbol addresses. Parsing itself is treated as an opaque capability and
// is delegated entirely to the standard library's debug/elf.
package elfinfo

import (
	"debug/elf"
	"encoding/binary"

	ulperrors "ulpgo/errors"
)

const noteGNUBuildID = 3 // NT_GNU_BUILD_ID

// roundUp4 rounds n up to the next multiple of 4, matching the note
// section's padding rule.
func roundUp4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// BuildID extracts the GNU build-id note from f's PT_NOTE / .note.gnu.build-id
// section. Section names vary across producers, so every SHT_NOTE section is
// scanned until a NT_GNU_BUILD_ID entry is found.
func BuildID(f *elf.File) ([]byte, error) {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		id, ok := scanNotes(data)
		if ok {
			return id, nil
		}
	}
	return nil, ulperrors.ErrBuildIdNoteAbsent
}

// scanNotes walks a raw ELF note section looking for NT_GNU_BUILD_ID.
func scanNotes(data []byte) ([]byte, bool) {
	for len(data) >= 12 {
		nameLen := binary.LittleEndian.Uint32(data[0:4])
		descLen := binary.LittleEndian.Uint32(data[4:8])
		noteType := binary.LittleEndian.Uint32(data[8:12])

		nameLenPadded := roundUp4(nameLen)
		descLenPadded := roundUp4(descLen)
		headerLen := uint32(12)

		if uint64(headerLen)+uint64(nameLenPadded)+uint64(descLenPadded) > uint64(len(data)) {
			return nil, false
		}

		descStart := headerLen + nameLenPadded
		descEnd := descStart + descLen

		if noteType == noteGNUBuildID {
			return data[descStart:descEnd], true
		}

		data = data[headerLen+nameLenPadded+descLenPadded:]
	}
	return nil, false
}

// Symbol returns the address of the named symbol in f.
func Symbol(f *elf.File, name string) (uint64, error) {
	syms, err := f.DynamicSymbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.Symbols()
	}
	if err != nil {
		return 0, ulperrors.Wrap(err, ulperrors.ErrSymbolMissing, "read symbol table")
	}
	for _, s := range syms {
		if s.Name == name {
			return s.Value, nil
		}
	}
	return 0, ulperrors.WrapWithDetail(ulperrors.ErrSymbolNotFound, ulperrors.ErrSymbolMissing, "lookup", name)
}

// ulpLeaLen is the length of the lea rip-relative instruction the library
// emits in its .ulp section for every patchable symbol.
const ulpLeaLen = 7

// UlpEntry resolves a patchable function's true address by finding the
// .ulp section's lea instruction for oldFname and decoding its 32-bit
// signed rip-relative displacement: F = lea_addr + disp + 7.
func UlpEntry(f *elf.File, oldFname string) (uint64, error) {
	sec := f.Section(".ulp")
	if sec == nil {
		return 0, ulperrors.ErrUlpSectionMissing
	}

	leaAddr, err := Symbol(f, oldFname)
	if err != nil {
		return 0, err
	}

	data, err := sec.Data()
	if err != nil {
		return 0, ulperrors.Wrap(err, ulperrors.ErrSymbolMissing, "read .ulp section")
	}

	off := leaAddr - sec.Addr
	if off+ulpLeaLen > uint64(len(data)) {
		return 0, ulperrors.New(ulperrors.ErrSymbolMissing, "decode .ulp entry", "lea instruction out of section bounds for "+oldFname)
	}

	disp := int32(binary.LittleEndian.Uint32(data[off+3 : off+7]))
	return leaAddr + uint64(disp) + ulpLeaLen, nil
}
