package prompt

import (
	"errors"
	"strings"
	"testing"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

func TestLoadPromptSetCoversEveryWorker(t *testing.T) {
	t.Parallel()

	set := LoadPromptSet()
	for _, worker := range contractx.Workers {
		text, err := set.For(worker)
		if err != nil {
			t.Fatalf("For(%s) error = %v", worker, err)
		}
		if text != strings.TrimSpace(text) {
			t.Fatalf("For(%s) is not trimmed", worker)
		}
	}
	if _, err := set.For("chef"); !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("For(chef) error = %v, want ErrPromptMissing", err)
	}
}

// The classifier prompt is rendered as an FString template.
func TestClassifierPromptHasNoTemplateBraces(t *testing.T) {
	t.Parallel()

	set := LoadPromptSet()
	if set.Classifier == "" {
		t.Fatal("classifier prompt is empty")
	}
	if strings.ContainsAny(set.Classifier, "{}") {
		t.Fatal("classifier prompt contains braces")
	}
}
