package statemachine

// State is a node of the update state machine.
type State int

const (
	StatePark State = iota
	StateEntryPoint
	StatePoll
	StateProbe
	StateDownload
	StateInstall
	StateReboot
	// stateExit ends Run after a reboot was requested.
	stateExit
)

var stateNames = map[State]string{
	StatePark:       "park",
	StateEntryPoint: "entry_point",
	StatePoll:       "poll",
	StateProbe:      "probe",
	StateDownload:   "download",
	StateInstall:    "install",
	StateReboot:     "reboot",
	stateExit:       "exit",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Busy states refuse probes and installs until they finish.
func (s State) Busy() bool {
	switch s {
	case StateDownload, StateInstall, StateReboot:
		return true
	}
	return false
}

// StateNames lists the externally visible states.
func StateNames() []string {
	out := make([]string, 0, int(stateExit))
	for s := StatePark; s < stateExit; s++ {
		out = append(out, s.String())
	}
	return out
}
