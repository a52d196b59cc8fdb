//go:build !windows

package page

// Native is the default OS-backed [Hooks] for the current platform.
var Native = Unix
