package capture

import "codeberg.org/mutker/acmeprobe/internal/stats"

// State is the scheduler lifecycle state. Idle is initial; Stopped is
// terminal for a capture run (a new run re-enters Configuring via Start).
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ChannelStats is the per-channel statistics snapshot. Primary tracks power
// in power mode and scaled Vshunt in Ishunt-only mode; Vbat is empty in
// Ishunt-only mode.
type ChannelStats struct {
	Primary stats.Snapshot
	Vbat    stats.Snapshot
}
