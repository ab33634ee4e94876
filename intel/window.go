package intel

// Window is the enumerated lookback vocabulary used in cache keys and
// snapshots. Arbitrary caller lookbacks are mapped onto these labels so the
// key space stays bounded; timestamps never appear in keys.
type Window string

const (
	Window1h  Window = "1h"
	Window6h  Window = "6h"
	Window24h Window = "24h"
)

// WindowFromMinutes maps a lookback in minutes onto the nearest-smaller
// window label. Lookbacks below one hour still map to 1h, the smallest
// label available.
func WindowFromMinutes(minutes int) Window {
	switch {
	case minutes <= 60:
		return Window1h
	case minutes <= 360:
		return Window6h
	default:
		return Window24h
	}
}

// WindowFromHours maps a lookback in hours onto the nearest-smaller label.
func WindowFromHours(hours int) Window {
	switch {
	case hours <= 1:
		return Window1h
	case hours <= 6:
		return Window6h
	default:
		return Window24h
	}
}

// Duration returns the wall duration a window label spans.
func (w Window) Duration() int64 {
	switch w {
	case Window1h:
		return 3600
	case Window6h:
		return 6 * 3600
	default:
		return 24 * 3600
	}
}
