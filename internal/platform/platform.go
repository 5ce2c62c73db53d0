// Package platform adapts the operating system facilities the monitors rely on:
// registry access, process enumeration and termination, privilege checks and
// logical drive discovery. Windows gets the full implementation; other systems
// get what they can support and ErrUnsupported for the rest.
package platform

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnsupported is returned by facilities that do not exist on the current OS.
var ErrUnsupported = errors.New("platform: not supported on this operating system")

// Hive identifies a registry root.
type Hive int

const (
	LocalMachine Hive = iota
	CurrentUser
)

func (h Hive) String() string {
	switch h {
	case LocalMachine:
		return "HKEY_LOCAL_MACHINE"
	case CurrentUser:
		return "HKEY_CURRENT_USER"
	default:
		return fmt.Sprintf("Hive(%d)", int(h))
	}
}

// View selects the 64-bit or 32-bit (WOW64 redirected) registry view.
type View int

const (
	View64 View = iota
	View32
)

func (v View) String() string {
	if v == View32 {
		return "32"
	}
	return "64"
}

// KeyRef addresses one registry key in one view.
type KeyRef struct {
	Hive Hive
	View View
	Path string
}

func (k KeyRef) String() string {
	return fmt.Sprintf("%s\\%s [%s-bit]", k.Hive, k.Path, k.View)
}

// ValueKind mirrors the registry value types the monitor distinguishes.
type ValueKind uint32

const (
	KindString ValueKind = iota + 1
	KindExpandString
	KindMultiString
	KindDWord
	KindQWord
	KindBinary
)

// Value is a typed registry value.
type Value struct {
	Kind    ValueKind
	Str     string
	Strs    []string
	Integer uint64
	Binary  []byte
}

// StringValue builds a REG_SZ value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// Text renders the value's content for pattern matching.
func (v Value) Text() string {
	switch v.Kind {
	case KindString, KindExpandString:
		return v.Str
	case KindMultiString:
		return strings.Join(v.Strs, " ")
	case KindDWord, KindQWord:
		return fmt.Sprintf("%d", v.Integer)
	default:
		return string(v.Binary)
	}
}

// Equal reports whether two values have the same type and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString, KindExpandString:
		return v.Str == o.Str
	case KindMultiString:
		return slices.Equal(v.Strs, o.Strs)
	case KindDWord, KindQWord:
		return v.Integer == o.Integer
	default:
		return string(v.Binary) == string(o.Binary)
	}
}

// Snapshot maps each readable key to its values. Keys that do not exist are absent.
type Snapshot map[KeyRef]map[string]Value

// Registry reads and writes registry values.
type Registry interface {
	Snapshot(keys []KeyRef) (Snapshot, error)
	SetValue(key KeyRef, name string, v Value) error
	DeleteValue(key KeyRef, name string) error
}

// ProcessInfo identifies a running process.
type ProcessInfo struct {
	PID  int
	Name string
}

// Processes enumerates and terminates processes.
type Processes interface {
	List() ([]int, error)
	ExecutablePath(pid int) (string, error)
	Terminate(pid int) error
	// Newest returns the most recently started process. It is used to attribute
	// registry changes, which the registry itself does not record.
	Newest() (ProcessInfo, error)
}
