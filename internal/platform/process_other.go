//go:build !windows && !linux

package platform

// NewProcesses reports that process monitoring is unavailable here.
func NewProcesses() (Processes, error) {
	return nil, ErrUnsupported
}
