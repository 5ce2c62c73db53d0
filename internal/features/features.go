// internal/features/features.go
package features

import (
	"path/filepath"
	"strings"
)

// Kind classifies a file for scoring.
type Kind int

const (
	KindOther Kind = iota
	KindBinary
	KindScript
	KindShortcut
	KindDocument
	KindMedia
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindScript:
		return "script"
	case KindShortcut:
		return "shortcut"
	case KindDocument:
		return "document"
	case KindMedia:
		return "media"
	default:
		return "other"
	}
}

// ScriptFamily names the interpreter a script targets.
type ScriptFamily string

const (
	FamilyNone       ScriptFamily = ""
	FamilyPowerShell ScriptFamily = "powershell"
	FamilyVBScript   ScriptFamily = "vbscript"
	FamilyJavaScript ScriptFamily = "javascript"
	FamilyBatch      ScriptFamily = "batch"
	FamilyPython     ScriptFamily = "python"
	FamilyShell      ScriptFamily = "shell"
	FamilyHost       ScriptFamily = "scripthost"
)

var scriptExtensions = map[string]ScriptFamily{
	".ps1":  FamilyPowerShell,
	".psm1": FamilyPowerShell,
	".psd1": FamilyPowerShell,
	".vbs":  FamilyVBScript,
	".vbe":  FamilyVBScript,
	".js":   FamilyJavaScript,
	".jse":  FamilyJavaScript,
	".bat":  FamilyBatch,
	".cmd":  FamilyBatch,
	".py":   FamilyPython,
	".pyw":  FamilyPython,
	".sh":   FamilyShell,
	".bash": FamilyShell,
	".wsf":  FamilyHost,
	".hta":  FamilyHost,
}

var shortcutExtensions = map[string]bool{".lnk": true, ".url": true}

// DocumentExtensions are office, text and reader formats.
var DocumentExtensions = []string{
	".doc", ".docx", ".docm", ".xls", ".xlsx", ".xlsm", ".ppt", ".pptx", ".pptm",
	".rtf", ".pdf", ".txt", ".odt", ".ods", ".csv",
}

// MediaExtensions are image, audio, video and archive formats.
var MediaExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".ico", ".mp3", ".wav", ".mp4", ".avi",
	".mkv", ".mov", ".zip", ".rar", ".7z", ".tar", ".gz",
}

// Section describes one PE section header.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	RawSize         uint32
	RawOffset       uint32
	Characteristics uint32
}

// SigningInfo is the Authenticode state of a binary, resolved at extraction.
type SigningInfo struct {
	Present bool
	// Thumbprints are upper-case SHA-1 hex digests, leaf first.
	Thumbprints []string
	LeafExpired bool
	Revoked     bool
	ChainBuilt  bool
}

// FeatureSet is everything the scorer needs to know about one file.
// It is never modified after Extract returns.
type FeatureSet struct {
	Path      string
	Extension string
	Kind      Kind
	Script    ScriptFamily
	Hidden    bool

	ImportedLibraries []string
	ImportedSymbols   []string
	// ExportedSymbols is nil unless the binary is a library.
	ExportedSymbols []string

	IsExecutable bool
	IsLibrary    bool
	IsDriver     bool
	IsManaged    bool

	Signing  SigningInfo
	Sections []Section

	EntryPoint uint32
	// EntryPointFileOffset is -1 when the entry point maps to no section.
	EntryPointFileOffset int64

	FileSize int64
	Raw      []byte
}

// Empty reports whether the set carries no binary structure and no content.
func (fs *FeatureSet) Empty() bool {
	return fs == nil || (len(fs.Raw) == 0 && len(fs.Sections) == 0 && len(fs.ImportedSymbols) == 0)
}

// HasSection reports whether a section with the given name exists, ignoring case.
func (fs *FeatureSet) HasSection(name string) bool {
	for _, s := range fs.Sections {
		if strings.EqualFold(s.Name, name) {
			return true
		}
	}
	return false
}

// Section returns the named section, ignoring case.
func (fs *FeatureSet) Section(name string) (Section, bool) {
	for _, s := range fs.Sections {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Section{}, false
}

// Classify maps a path to its non-binary kind and script family by extension.
func Classify(path string) (Kind, ScriptFamily) {
	ext := strings.ToLower(filepath.Ext(path))
	if fam, ok := scriptExtensions[ext]; ok {
		return KindScript, fam
	}
	if shortcutExtensions[ext] {
		return KindShortcut, FamilyNone
	}
	for _, e := range DocumentExtensions {
		if e == ext {
			return KindDocument, FamilyNone
		}
	}
	for _, e := range MediaExtensions {
		if e == ext {
			return KindMedia, FamilyNone
		}
	}
	return KindOther, FamilyNone
}

// IsBinary reports whether data begins with the DOS "MZ" magic.
func IsBinary(data []byte) bool {
	return len(data) >= 2 && data[0] == 'M' && data[1] == 'Z'
}
