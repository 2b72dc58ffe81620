package runtime

// Phase labels the step a cycle is in. It is for observers only; nothing
// branches on it.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseFetchingMarket  Phase = "fetching_market"
	PhaseBuildingPrompt  Phase = "building_prompt"
	PhaseCallingAI       Phase = "calling_ai"
	PhaseParsingDecision Phase = "parsing_decision"
	PhaseExecutingAction Phase = "executing_action"
	PhaseRecordingResult Phase = "recording_result"
	PhaseWaiting         Phase = "waiting"
	PhasePaused          Phase = "paused"
	PhaseError           Phase = "error"
	PhaseStopped         Phase = "stopped"
)
