//go:build !windows

package platform

import "os"

// IsElevated reports whether the process runs as root.
func IsElevated() bool {
	return os.Geteuid() == 0
}

// Is64BitOS is only meaningful for registry views, which exist on Windows alone.
func Is64BitOS() bool {
	return false
}

// LogicalDrives returns the file system root.
func LogicalDrives() ([]string, error) {
	return []string{"/"}, nil
}

// PseudoFilesystems are kernel and runtime trees that hold no files worth
// scanning.
func PseudoFilesystems() []string {
	return []string{"/proc", "/sys", "/dev", "/run", "/var/run"}
}
