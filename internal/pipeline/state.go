package pipeline

// State is the orchestrator's position in a single run.
type State int

const (
	StateIdle State = iota
	StateOpened
	StateLooping
	StateDrained
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpened:
		return "opened"
	case StateLooping:
		return "looping"
	case StateDrained:
		return "drained"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type DecodePolicy string

const (
	// DecodeLenient ends the stream at the first decode error and keeps the
	// frames already written.
	DecodeLenient DecodePolicy = "lenient"
	DecodeStrict  DecodePolicy = "strict"
)
