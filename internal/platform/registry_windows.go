//go:build windows

package platform

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

// WindowsRegistry reads and writes through the native registry API.
type WindowsRegistry struct{}

// NewRegistry returns the native registry backend.
func NewRegistry() Registry {
	return WindowsRegistry{}
}

func rootKey(h Hive) (registry.Key, error) {
	switch h {
	case LocalMachine:
		return registry.LOCAL_MACHINE, nil
	case CurrentUser:
		return registry.CURRENT_USER, nil
	default:
		return 0, fmt.Errorf("unknown hive %v", h)
	}
}

func viewAccess(v View) uint32 {
	if v == View32 {
		return registry.WOW64_32KEY
	}
	return registry.WOW64_64KEY
}

// Snapshot reads every value under each key. Missing keys are left out of the result.
func (WindowsRegistry) Snapshot(keys []KeyRef) (Snapshot, error) {
	snap := make(Snapshot, len(keys))
	for _, ref := range keys {
		values, err := readKey(ref)
		if errors.Is(err, registry.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", ref, err)
		}
		snap[ref] = values
	}
	return snap, nil
}

func readKey(ref KeyRef) (map[string]Value, error) {
	root, err := rootKey(ref.Hive)
	if err != nil {
		return nil, err
	}
	k, err := registry.OpenKey(root, ref.Path, registry.QUERY_VALUE|viewAccess(ref.View))
	if err != nil {
		return nil, err
	}
	defer k.Close()

	names, err := k.ReadValueNames(0)
	if err != nil {
		return nil, err
	}
	values := make(map[string]Value, len(names))
	for _, name := range names {
		v, err := readValue(k, name)
		if err != nil {
			// A value removed between listing and reading is simply absent.
			continue
		}
		values[name] = v
	}
	return values, nil
}

func readValue(k registry.Key, name string) (Value, error) {
	_, typ, err := k.GetValue(name, nil)
	if err != nil {
		return Value{}, err
	}
	switch typ {
	case registry.SZ:
		s, _, err := k.GetStringValue(name)
		return Value{Kind: KindString, Str: s}, err
	case registry.EXPAND_SZ:
		s, _, err := k.GetStringValue(name)
		return Value{Kind: KindExpandString, Str: s}, err
	case registry.MULTI_SZ:
		ss, _, err := k.GetStringsValue(name)
		return Value{Kind: KindMultiString, Strs: ss}, err
	case registry.DWORD:
		n, _, err := k.GetIntegerValue(name)
		return Value{Kind: KindDWord, Integer: n}, err
	case registry.QWORD:
		n, _, err := k.GetIntegerValue(name)
		return Value{Kind: KindQWord, Integer: n}, err
	default:
		b, _, err := k.GetBinaryValue(name)
		return Value{Kind: KindBinary, Binary: b}, err
	}
}

// SetValue creates the key if needed and writes the value with its original type.
func (WindowsRegistry) SetValue(ref KeyRef, name string, v Value) error {
	root, err := rootKey(ref.Hive)
	if err != nil {
		return err
	}
	k, _, err := registry.CreateKey(root, ref.Path, registry.SET_VALUE|viewAccess(ref.View))
	if err != nil {
		return fmt.Errorf("opening %s for write: %w", ref, err)
	}
	defer k.Close()

	switch v.Kind {
	case KindString:
		err = k.SetStringValue(name, v.Str)
	case KindExpandString:
		err = k.SetExpandStringValue(name, v.Str)
	case KindMultiString:
		err = k.SetStringsValue(name, v.Strs)
	case KindDWord:
		err = k.SetDWordValue(name, uint32(v.Integer))
	case KindQWord:
		err = k.SetQWordValue(name, v.Integer)
	default:
		err = k.SetBinaryValue(name, v.Binary)
	}
	if err != nil {
		return fmt.Errorf("writing %s\\%s: %w", ref, name, err)
	}
	return nil
}

// DeleteValue removes one value. Deleting an absent value is not an error.
func (WindowsRegistry) DeleteValue(ref KeyRef, name string) error {
	root, err := rootKey(ref.Hive)
	if err != nil {
		return err
	}
	k, err := registry.OpenKey(root, ref.Path, registry.SET_VALUE|viewAccess(ref.View))
	if errors.Is(err, registry.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s for delete: %w", ref, err)
	}
	defer k.Close()

	if err := k.DeleteValue(name); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("deleting %s\\%s: %w", ref, name, err)
	}
	return nil
}
