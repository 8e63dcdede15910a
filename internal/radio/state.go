package radio

// State is the radio lifecycle state.
type State int32

const (
	Disabled State = iota
	Enabling
	Enabled
	Disabling
	Resetting
	// Reset is only ever notified, between Resetting and Enabled, after a
	// successful recovery. Status never reports it.
	Reset
	// Unknown is never a stable state.
	Unknown
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "DISABLED"
	case Enabling:
		return "ENABLING"
	case Enabled:
		return "ENABLED"
	case Disabling:
		return "DISABLING"
	case Resetting:
		return "RESETTING"
	case Reset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// ParseState is the inverse of String. Unrecognised names give Unknown.
func ParseState(name string) State {
	for s := Disabled; s < Unknown; s++ {
		if s.String() == name {
			return s
		}
	}
	return Unknown
}
