package imageresolver

// State is the resolution state of a slot
type State int

const (
	StateInitial State = iota
	StateLoaded
	StateRetrying
	StateFallbackToPrimary
	StateFallbackToStatic
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateLoaded:
		return "loaded"
	case StateRetrying:
		return "retrying"
	case StateFallbackToPrimary:
		return "fallback_to_primary"
	case StateFallbackToStatic:
		return "fallback_to_static"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// rank orders recovery stages. Loaded is not a stage and has no rank.
func (s State) rank() int {
	switch s {
	case StateFallbackToPrimary:
		return 1
	case StateFallbackToStatic:
		return 2
	case StateRetrying:
		return 3
	case StateBroken:
		return 4
	default:
		return 0
	}
}

// RenderPhase is the state the UI layer reacts to
type RenderPhase string

const (
	RenderLoading RenderPhase = "loading"
	RenderLoaded  RenderPhase = "loaded"
	RenderBroken  RenderPhase = "broken"
)

// Reset reasons
const (
	ResetIdentity     = "identity"
	ResetVariant      = "variant"
	ResetRegeneration = "regeneration"
	ResetInvalidate   = "invalidate"
)
