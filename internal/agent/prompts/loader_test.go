package prompts

import (
	"strings"
	"testing"
)

var expectedTemplates = []string{
	"pipeline_system.md",
	"quality_system.md",
}

func TestLoadAllTemplates(t *testing.T) {
	for _, name := range expectedTemplates {
		t.Run(name, func(t *testing.T) {
			tmpl, err := Load(name)
			if err != nil {
				t.Fatalf("Load(%s): %v", name, err)
			}
			if tmpl == nil {
				t.Fatalf("Load(%s) returned nil template", name)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("nonexistent-template.md")
	if err == nil {
		t.Fatal("Load error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "loading prompt template") {
		t.Errorf("error = %v, want a loading error", err)
	}
}

func TestList(t *testing.T) {
	names, err := List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != len(expectedTemplates) {
		t.Fatalf("len(names) = %d, want %d: %v", len(names), len(expectedTemplates), names)
	}
	for _, want := range expectedTemplates {
		found := false
		for _, n := range names {
			if n == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("List missing %s: %v", want, names)
		}
	}
}

func TestExecuteSubstitutesAttempts(t *testing.T) {
	for _, name := range expectedTemplates {
		out, err := Execute(name, map[string]string{"MaxAttempts": "5"})
		if err != nil {
			t.Fatalf("Execute(%s): %v", name, err)
		}
		if !strings.Contains(out, "5 fix attempts") {
			t.Errorf("%s output missing the attempt budget", name)
		}
		if strings.Contains(out, "{{") {
			t.Errorf("%s output has unexpanded directives", name)
		}
	}
}
