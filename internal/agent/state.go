package agent

import (
	"fmt"
	"strings"
)

// Mode selects the iteration budget of an invocation.
type Mode int

const (
	// ModeChat is conversational: a small budget keeps latency low.
	ModeChat Mode = iota
	// ModeWorkspace is task work in a workspace: multi-step file and
	// command work is expected, and the loop is always entered.
	ModeWorkspace
)

func (m Mode) String() string {
	switch m {
	case ModeChat:
		return "chat"
	case ModeWorkspace:
		return "workspace"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "chat" and "workspace" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chat", "":
		return ModeChat, nil
	case "workspace", "task":
		return ModeWorkspace, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// State is a reasoning loop state.
type State int

const (
	StateReasoning State = iota
	StateActing
	StateObserving
	StateDone
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateReasoning:
		return "reasoning"
	case StateActing:
		return "acting"
	case StateObserving:
		return "observing"
	case StateDone:
		return "done"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal next states. Any state may end the run
// (Terminal) when the iteration budget runs out or a failure is
// surfaced.
var transitions = map[State][]State{
	StateReasoning: {StateActing, StateObserving, StateDone, StateTerminal},
	StateActing:    {StateObserving, StateTerminal},
	StateObserving: {StateReasoning, StateDone, StateTerminal},
	StateDone:      {StateTerminal},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Action is a tool call proposed by the model.
type Action struct {
	Tool   string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
	Native bool           `json:"-"` // came from the provider's tool-call field
}

// Observation is what the loop saw after a step.
type Observation struct {
	Text   string `json:"text"`
	Failed bool   `json:"failed,omitempty"`
	// Kind is the failure kind, e.g. "tool_timeout", when Failed.
	Kind string `json:"kind,omitempty"`
}

// Step is one Reason-Act-Observe round.
type Step struct {
	Thought     string       `json:"thought,omitempty"`
	Action      *Action      `json:"action,omitempty"`
	Observation *Observation `json:"observation,omitempty"`
}

// LoopState is owned by exactly one invocation and never shared.
// WorkingDirectory is fixed when the state is created.
type LoopState struct {
	RunID            string
	AgentID          string
	SessionID        string
	Mode             Mode
	Iteration        int
	MaxIterations    int
	History          []Step
	WorkingDirectory string
	State            State
	Terminal         bool
	ToolsUsed        []string

	written int // memory records accepted during the run
}

func newLoopState(runID, agentID, sessionID string, mode Mode, maxIter int, workingDir string) *LoopState {
	return &LoopState{
		RunID:            runID,
		AgentID:          agentID,
		SessionID:        sessionID,
		Mode:             mode,
		MaxIterations:    maxIter,
		WorkingDirectory: workingDir,
		State:            StateReasoning,
		ToolsUsed:        []string{},
	}
}

// transition moves to next, returning an error for an illegal move.
func (s *LoopState) transition(next State) error {
	if !canTransition(s.State, next) {
		return fmt.Errorf("illegal loop transition %s -> %s", s.State, next)
	}
	s.State = next
	if next == StateTerminal {
		s.Terminal = true
	}
	return nil
}

// lastObservation returns the most recent observation, or nil.
func (s *LoopState) lastObservation() *Observation {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Observation != nil {
			return s.History[i].Observation
		}
	}
	return nil
}

// unresolvedError reports whether the latest observation is a failure.
func (s *LoopState) unresolvedError() bool {
	obs := s.lastObservation()
	return obs != nil && obs.Failed
}

// finalIteration reports whether the current iteration is the last one
// the budget allows.
func (s *LoopState) finalIteration() bool {
	return s.Iteration >= s.MaxIterations
}
