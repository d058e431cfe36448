package pool

// Status is the lifecycle state of one session.
//
// The machine is:
//
//	Initializing -> {QRPending | Authenticated} -> Ready
//	Ready -> Disconnected -> {Reinitializing -> Initializing | Retired}
//
// Retired is terminal: the session crossed its reconnect ceiling and waits
// for operator intervention.
type Status int

const (
	StatusInitializing Status = iota
	StatusQRPending
	StatusAuthenticated
	StatusReady
	StatusDisconnected
	StatusReinitializing
	StatusRetired
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusQRPending:
		return "qr-pending"
	case StatusAuthenticated:
		return "authenticated"
	case StatusReady:
		return "ready"
	case StatusDisconnected:
		return "disconnected"
	case StatusReinitializing:
		return "reinitializing"
	case StatusRetired:
		return "retired"
	default:
		return "unknown"
	}
}
