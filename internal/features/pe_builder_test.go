package features

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type testImport struct {
	dll   string
	funcs []string
}

type testPE struct {
	dll       bool
	subsystem uint16
	imports   []testImport
	exports   []string
	extra     []string // extra empty section names
	entry     uint32
	clr       bool
	security  []byte // raw PKCS#7 blob
	trailer   []byte
}

const (
	peHeaderOffset = 0x40
	fileAlign      = 0x200
	rdataRVA       = 0x2000
	rdataSize      = 0x1000
)

// build assembles a minimal PE32 image that debug/pe accepts.
func (p testPE) build(t *testing.T) []byte {
	t.Helper()

	rdata := make([]byte, rdataSize)
	var dirs [16]pe.DataDirectory

	// Import directory at the start of .rdata, everything else allocated after it.
	cursor := uint32(20 * (len(p.imports) + 1))
	alloc := func(n uint32) uint32 {
		off := cursor
		cursor += (n + 3) &^ 3
		require.LessOrEqual(t, cursor, uint32(rdataSize), "test image overflow")
		return off
	}
	putString := func(s string) uint32 {
		off := alloc(uint32(len(s) + 1))
		copy(rdata[off:], s)
		return off
	}
	if len(p.imports) > 0 {
		for i, imp := range p.imports {
			thunks := alloc(uint32(4 * (len(imp.funcs) + 1)))
			for j, fn := range imp.funcs {
				hint := alloc(uint32(2 + len(fn) + 1))
				copy(rdata[hint+2:], fn)
				binary.LittleEndian.PutUint32(rdata[thunks+uint32(4*j):], rdataRVA+hint)
			}
			name := putString(imp.dll)
			desc := uint32(20 * i)
			binary.LittleEndian.PutUint32(rdata[desc:], rdataRVA+thunks)
			binary.LittleEndian.PutUint32(rdata[desc+12:], rdataRVA+name)
			binary.LittleEndian.PutUint32(rdata[desc+16:], rdataRVA+thunks)
		}
		dirs[1] = pe.DataDirectory{VirtualAddress: rdataRVA, Size: uint32(20 * (len(p.imports) + 1))}
	}
	if len(p.exports) > 0 {
		exp := alloc(40)
		table := alloc(uint32(4 * len(p.exports)))
		for i, name := range p.exports {
			binary.LittleEndian.PutUint32(rdata[table+uint32(4*i):], rdataRVA+putString(name))
		}
		binary.LittleEndian.PutUint32(rdata[exp+24:], uint32(len(p.exports)))
		binary.LittleEndian.PutUint32(rdata[exp+32:], rdataRVA+table)
		dirs[0] = pe.DataDirectory{VirtualAddress: rdataRVA + exp, Size: 40}
	}
	if p.clr {
		dirs[14] = pe.DataDirectory{VirtualAddress: rdataRVA + alloc(72), Size: 72}
	}

	type sec struct {
		name string
		data []byte
	}
	sections := []sec{{".text", make([]byte, fileAlign)}, {".rdata", rdata}}
	for _, n := range p.extra {
		sections = append(sections, sec{n, make([]byte, fileAlign)})
	}

	headersEnd := uint32(peHeaderOffset + 4 + 20 + 224 + 40*len(sections))
	rawOffset := (headersEnd + fileAlign - 1) &^ (fileAlign - 1)

	var headers []pe.SectionHeader32
	rva := uint32(0x1000)
	for _, s := range sections {
		var h pe.SectionHeader32
		copy(h.Name[:], s.name)
		if s.name == ".rdata" {
			rva = rdataRVA
		}
		h.VirtualAddress = rva
		h.VirtualSize = uint32(len(s.data))
		h.SizeOfRawData = uint32(len(s.data))
		h.PointerToRawData = rawOffset
		h.Characteristics = 0x40000040
		headers = append(headers, h)
		rva += (uint32(len(s.data)) + 0xFFF) &^ 0xFFF
		rawOffset += uint32(len(s.data))
	}
	imageEnd := rawOffset

	if len(p.security) > 0 {
		dirs[4] = pe.DataDirectory{VirtualAddress: imageEnd, Size: uint32(8 + len(p.security))}
	}

	chars := uint16(pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE)
	if p.dll {
		chars |= pe.IMAGE_FILE_DLL
	}
	subsystem := p.subsystem
	if subsystem == 0 {
		subsystem = pe.IMAGE_SUBSYSTEM_WINDOWS_GUI
	}
	entry := p.entry
	if entry == 0 {
		entry = 0x1000
	}

	var buf bytes.Buffer
	dos := make([]byte, peHeaderOffset)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], peHeaderOffset)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")
	write := func(v any) { require.NoError(t, binary.Write(&buf, binary.LittleEndian, v)) }
	write(pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: 224,
		Characteristics:      chars,
	})
	write(pe.OptionalHeader32{
		Magic:               0x10b,
		AddressOfEntryPoint: entry,
		ImageBase:           0x400000,
		SectionAlignment:    0x1000,
		FileAlignment:       fileAlign,
		SizeOfImage:         rva,
		SizeOfHeaders:       headers[0].PointerToRawData,
		Subsystem:           subsystem,
		NumberOfRvaAndSizes: 16,
		DataDirectory:       dirs,
	})
	for _, h := range headers {
		write(h)
	}
	for i, s := range sections {
		buf.Write(make([]byte, int(headers[i].PointerToRawData)-buf.Len()))
		buf.Write(s.data)
	}
	if len(p.security) > 0 {
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(8+len(p.security)))
		binary.LittleEndian.PutUint16(hdr[4:], 0x0200)
		binary.LittleEndian.PutUint16(hdr[6:], 0x0002)
		buf.Write(hdr[:])
		buf.Write(p.security)
	}
	buf.Write(p.trailer)
	return buf.Bytes()
}
