//go:build !windows

package platform

type unsupportedRegistry struct{}

// NewRegistry returns a backend whose every call fails with ErrUnsupported.
func NewRegistry() Registry {
	return unsupportedRegistry{}
}

func (unsupportedRegistry) Snapshot([]KeyRef) (Snapshot, error) { return nil, ErrUnsupported }
func (unsupportedRegistry) SetValue(KeyRef, string, Value) error { return ErrUnsupported }
func (unsupportedRegistry) DeleteValue(KeyRef, string) error { return ErrUnsupported }
