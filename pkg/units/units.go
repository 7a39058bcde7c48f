// Package units names byte sizes used for frame and message limits.
package units

const (
	Kilobyte = 1000
	Kb       = Kilobyte
	Megabyte = Kilobyte * Kilobyte
	Mb       = Megabyte

	// Kibibyte is the binary kilobyte that frame limits are usually given in.
	Kibibyte = 1 << 10
	KiB      = Kibibyte
)
