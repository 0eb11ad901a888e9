package iir

// StageState is the mutable state of one cascaded section: its delay line
// and the registered output presented to the next section.
type StageState struct {
	History
	Out float32
}

// Latency returns the chain delay in samples for the given number of stages.
// Every stage registers its output, so a sample entering the chain reaches
// the output one sample later per stage.
func Latency(stages int) int {
	return stages
}

// Cascade pushes x through the stages in order and returns the chain output.
// state must have the same length as stages; it is updated in place.
// Cascade does not allocate.
func Cascade(stages []IIR, state []StageState, x float32, hold bool) float32 {
	for i := range stages {
		y, h := stages[i].Apply(state[i].History, x, hold)
		state[i].History = h
		x, state[i].Out = state[i].Out, y
	}
	return x
}

// Reset clears the chain state.
func Reset(state []StageState) {
	for i := range state {
		state[i] = StageState{}
	}
}
