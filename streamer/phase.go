package streamer

import "fmt"

// Phase is the step a scheduling cycle is in
type Phase int

// Cycle phases in execution order. Expansion, loading and waiting repeat per
// BFS layer.
const (
	PhaseIdle Phase = iota
	PhaseLoadingCurrent
	PhaseWaitingForCurrent
	PhaseExpandingNeighbors
	PhaseLoadingNeighbors
	PhaseWaitingForNeighbors
	PhaseUnloading
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoadingCurrent:
		return "loading_current"
	case PhaseWaitingForCurrent:
		return "waiting_for_current"
	case PhaseExpandingNeighbors:
		return "expanding_neighbors"
	case PhaseLoadingNeighbors:
		return "loading_neighbors"
	case PhaseWaitingForNeighbors:
		return "waiting_for_neighbors"
	case PhaseUnloading:
		return "unloading"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
