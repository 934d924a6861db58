// Package prompts contains the instruction text nudge sends to the model.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. The operator-facing persona lives in config.yaml as
// system_prompt; this package holds everything wrapped around it
// (time-zone guidance, tool conventions, self-call marker format, and
// the per-turn date/time context).
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
