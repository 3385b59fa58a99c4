// Package prompts contains the prompt templates thane-core sends to
// models.
//
// Prompt text is Go code rather than config because it is program
// logic: the loop's response parser depends on the protocol described
// in the system prompt, and tests check both sides agree.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the interpolated
// prompt string.
package prompts
