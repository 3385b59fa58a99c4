package prompts

import "fmt"

const synthesisTemplate = `You have used all of your steps for this task. Do not call any more tools.
Based on what you observed so far, give the user your best answer now.
Say clearly what is finished and what is not.

Last observation:
%s

Reply with:
%s <your answer>`

// SynthesisPrompt asks the model for a best-effort answer after the
// iteration budget is exhausted.
func SynthesisPrompt(lastObservation string) string {
	if lastObservation == "" {
		lastObservation = "(none)"
	}
	return fmt.Sprintf(synthesisTemplate, lastObservation, FinalAnswerMarker)
}

// ToolErrorObservation formats a failed tool call as an observation.
func ToolErrorObservation(reason string) string {
	return "error: " + reason
}

// ProtocolReminder is sent when the model's reply is empty.
const ProtocolReminder = "Your last reply was empty. Either call a tool with the JSON form or reply with \"" +
	FinalAnswerMarker + "\" followed by your answer."

// PartialFallback is the user-facing answer when the model could not
// produce one and nothing was observed.
const PartialFallback = "I wasn't able to finish this task within the allowed steps."
