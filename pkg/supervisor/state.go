package supervisor

// State is the tunnel lifecycle state. Transitions:
// Idle → Preflight → Connecting → Established → (Degraded|Failed) →
// Restarting → Preflight … with Stopped terminal on operator stop.
type State string

const (
	StateIdle        State = "idle"
	StatePreflight   State = "preflight"
	StateConnecting  State = "connecting"
	StateEstablished State = "established"
	StateDegraded    State = "degraded"
	StateFailed      State = "failed"
	StateRestarting  State = "restarting"
	StateStopped     State = "stopped"
)
