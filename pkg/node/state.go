package node

// State is the lifecycle state of a Node.
type State int

const (
	// StateInitialized means the node is created but not started.
	StateInitialized State = iota

	// StateUnprovisioned means the node is running and beaconing, waiting
	// for a provisioner to open a link.
	StateUnprovisioned

	// StateProvisioning means a PB-ADV link is open and the provisioning
	// protocol is in progress.
	StateProvisioning

	// StateProvisioned means the node holds a network key and takes part in
	// the mesh.
	StateProvisioned

	// StateStopped means the node has been shut down.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateUnprovisioned:
		return "Unprovisioned"
	case StateProvisioning:
		return "Provisioning"
	case StateProvisioned:
		return "Provisioned"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// IsRunning returns true if the node is in an operational state.
func (s State) IsRunning() bool {
	switch s {
	case StateUnprovisioned, StateProvisioning, StateProvisioned:
		return true
	default:
		return false
	}
}

// CanStart returns true if Start() can be called in this state.
func (s State) CanStart() bool {
	return s == StateInitialized
}
