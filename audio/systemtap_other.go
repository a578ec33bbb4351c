//go:build !darwin

package audio

import "fmt"

// SystemTapAvailable возвращает false вне macOS: там системный звук
// захватывается через loopback-устройство.
func SystemTapAvailable() bool {
	return false
}

// StartSystemTap недоступен вне macOS.
func (c *Capture) StartSystemTap() error {
	return fmt.Errorf("system audio tap is only available on macOS 14.2+")
}

// StopSystemTap — no-op вне macOS.
func (c *Capture) StopSystemTap() {
}
