// internal/features/pe.go
package features

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	dirExport   = 0
	dirSecurity = 4
	dirCLR      = 14

	maxExportNames = 1 << 16
)

// parseBinary fills the PE-derived fields. A malformed image leaves fs empty.
func (e *Extractor) parseBinary(fs *FeatureSet, r io.ReaderAt) {
	// debug/pe has historically panicked on hostile headers.
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Debug("PE parser panicked, treating file as empty", zap.String("path", fs.Path), zap.Any("panic", rec))
			resetBinary(fs)
		}
	}()

	f, err := pe.NewFile(r)
	if err != nil {
		e.logger.Debug("Unparseable PE header", zap.String("path", fs.Path), zap.Error(err))
		resetBinary(fs)
		return
	}
	defer f.Close()

	var (
		entry     uint32
		subsystem uint16
		dirs      []pe.DataDirectory
	)
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		entry, subsystem = oh.AddressOfEntryPoint, oh.Subsystem
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		entry, subsystem = oh.AddressOfEntryPoint, oh.Subsystem
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	default:
		resetBinary(fs)
		return
	}

	chars := f.FileHeader.Characteristics
	fs.IsExecutable = chars&pe.IMAGE_FILE_EXECUTABLE_IMAGE != 0
	fs.IsLibrary = chars&pe.IMAGE_FILE_DLL != 0
	fs.IsDriver = subsystem == pe.IMAGE_SUBSYSTEM_NATIVE || strings.EqualFold(filepath.Ext(fs.Path), ".sys")
	fs.IsManaged = len(dirs) > dirCLR && dirs[dirCLR].VirtualAddress != 0 && dirs[dirCLR].Size != 0

	for _, s := range f.Sections {
		fs.Sections = append(fs.Sections, Section{
			Name:            s.Name,
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			RawSize:         s.Size,
			RawOffset:       s.Offset,
			Characteristics: s.Characteristics,
		})
	}

	fs.EntryPoint = entry
	fs.EntryPointFileOffset = rvaToOffset(fs.Sections, entry)

	syms, err := f.ImportedSymbols()
	if err != nil {
		e.logger.Debug("Import table unreadable", zap.String("path", fs.Path), zap.Error(err))
	}
	fs.ImportedSymbols, fs.ImportedLibraries = splitImports(syms)

	if fs.IsLibrary {
		fs.ExportedSymbols = []string{}
		if len(dirs) > dirExport && dirs[dirExport].VirtualAddress != 0 {
			names, err := readExports(f, dirs[dirExport])
			if err != nil {
				e.logger.Debug("Export table unreadable", zap.String("path", fs.Path), zap.Error(err))
			}
			fs.ExportedSymbols = append(fs.ExportedSymbols, names...)
		}
	}

	if len(dirs) > dirSecurity && dirs[dirSecurity].VirtualAddress != 0 && dirs[dirSecurity].Size != 0 {
		fs.Signing = e.readSigning(r, dirs[dirSecurity], fs.Path)
	}
}

func resetBinary(fs *FeatureSet) {
	*fs = FeatureSet{
		Path:                 fs.Path,
		Extension:            fs.Extension,
		Kind:                 KindBinary,
		FileSize:             fs.FileSize,
		EntryPointFileOffset: -1,
	}
}

// splitImports turns "Symbol:library.dll" pairs into symbol and library lists.
func splitImports(pairs []string) (symbols, libraries []string) {
	seen := make(map[string]bool)
	for _, p := range pairs {
		sym, lib, ok := strings.Cut(p, ":")
		if sym != "" {
			symbols = append(symbols, sym)
		}
		if !ok || lib == "" {
			continue
		}
		if key := strings.ToLower(lib); !seen[key] {
			seen[key] = true
			libraries = append(libraries, lib)
		}
	}
	return symbols, libraries
}

func rvaToOffset(sections []Section, rva uint32) int64 {
	for _, s := range sections {
		span := max(s.VirtualSize, s.RawSize)
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+span {
			return int64(rva-s.VirtualAddress) + int64(s.RawOffset)
		}
	}
	return -1
}

// rvaImage resolves RVAs against section contents.
type rvaImage struct {
	sections []*pe.Section
	cache    map[*pe.Section][]byte
}

func (img *rvaImage) bytesAt(rva uint32) ([]byte, error) {
	for _, s := range img.sections {
		span := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+span {
			continue
		}
		data, ok := img.cache[s]
		if !ok {
			var err error
			if data, err = s.Data(); err != nil {
				return nil, err
			}
			img.cache[s] = data
		}
		off := rva - s.VirtualAddress
		if int(off) >= len(data) {
			return nil, fmt.Errorf("rva %#x beyond raw data of %s", rva, s.Name)
		}
		return data[off:], nil
	}
	return nil, fmt.Errorf("rva %#x maps to no section", rva)
}

func (img *rvaImage) cString(rva uint32) (string, error) {
	b, err := img.bytesAt(rva)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// readExports walks IMAGE_EXPORT_DIRECTORY and returns the named exports.
func readExports(f *pe.File, dir pe.DataDirectory) ([]string, error) {
	img := &rvaImage{sections: f.Sections, cache: make(map[*pe.Section][]byte)}
	hdr, err := img.bytesAt(dir.VirtualAddress)
	if err != nil {
		return nil, err
	}
	if len(hdr) < 40 {
		return nil, fmt.Errorf("truncated export directory")
	}
	count := binary.LittleEndian.Uint32(hdr[24:28])
	namesRVA := binary.LittleEndian.Uint32(hdr[32:36])
	if count == 0 {
		return nil, nil
	}
	if count > maxExportNames {
		return nil, fmt.Errorf("implausible export count %d", count)
	}
	table, err := img.bytesAt(namesRVA)
	if err != nil {
		return nil, err
	}
	if uint64(len(table)) < uint64(count)*4 {
		return nil, fmt.Errorf("truncated export name table")
	}
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := img.cString(binary.LittleEndian.Uint32(table[i*4:]))
		if err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}
