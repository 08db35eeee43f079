// Package prompts maps assistant modes to system prompt templates.
//
// Every mode shares one relay pipeline; the template is the only thing that
// varies. Modes are data, not parallel handlers.
package prompts

const persona = "You are FORGE, the AI assistant built into the NeonForge " +
	"coding studio. You are precise, direct and fluent in modern web and " +
	"systems development. Answer with working code first and short " +
	"explanations second. Use fenced code blocks with language tags."

// ModeChat is the default mode when a request names none or an unknown one.
const ModeChat = "chat"

var modeInstructions = map[string]string{
	ModeChat: "Help the user with whatever they ask about their project. " +
		"Keep answers focused and practical.",
	"generate": "Generate complete, runnable code for the user's request. " +
		"Include every import and definition needed; no placeholders or " +
		"elided sections.",
	"refactor": "Refactor the provided code. Preserve behavior exactly. " +
		"Explain each structural change in one line after the code.",
	"debug": "Find the bug in the provided code. State the root cause " +
		"first, then show the minimal fix.",
	"explain": "Explain the provided code step by step for a developer new " +
		"to this codebase. Do not rewrite it unless asked.",
	"test": "Write thorough unit tests for the provided code, covering the " +
		"happy path, edge cases and failure modes. Use the idiomatic test " +
		"framework for the language.",
}

// System returns the full system prompt for a mode. Unknown modes fall back
// to chat; the original studio treated mode as a UI hint, never an error.
func System(mode string) string {
	instr, ok := modeInstructions[mode]
	if !ok {
		instr = modeInstructions[ModeChat]
	}
	return persona + "\n\n" + instr
}

// Known reports whether mode has its own template.
func Known(mode string) bool {
	_, ok := modeInstructions[mode]
	return ok
}

// Modes lists every mode with a template.
func Modes() []string {
	out := make([]string, 0, len(modeInstructions))
	for m := range modeInstructions {
		out = append(out, m)
	}
	return out
}
