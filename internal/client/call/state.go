package call

type State int

const (
	Idle State = iota
	Outgoing
	IncomingPending
	Connecting
	Active
	Ended
)

var stateNames = [...]string{"idle", "outgoing", "incoming", "connecting", "active", "ended"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// InCall reports whether the state owns (or is acquiring) media.
func (s State) InCall() bool {
	return s == Outgoing || s == Connecting || s == Active
}

type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "none"
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
