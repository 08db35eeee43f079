package prompts

import (
	"strings"
	"testing"
)

func TestEveryModeHasDistinctInstructions(t *testing.T) {
	seen := map[string]string{}
	for _, mode := range []string{"chat", "generate", "refactor", "debug", "explain", "test"} {
		if !Known(mode) {
			t.Fatalf("mode %q missing", mode)
		}
		p := System(mode)
		if !strings.Contains(p, "FORGE") {
			t.Errorf("mode %q: persona missing from prompt", mode)
		}
		if prev, dup := seen[p]; dup {
			t.Errorf("modes %q and %q share a template", mode, prev)
		}
		seen[p] = mode
	}
}

func TestUnknownModeFallsBackToChat(t *testing.T) {
	if System("hack-the-planet") != System(ModeChat) {
		t.Error("unknown mode should use the chat template")
	}
	if Known("hack-the-planet") {
		t.Error("unknown mode must not report as known")
	}
}

func TestModesListsAllTemplates(t *testing.T) {
	if got := len(Modes()); got != 6 {
		t.Errorf("expected 6 modes, got %d", got)
	}
}
