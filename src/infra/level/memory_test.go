package level_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	domain "github.com/lockgame/duelcore/src/domain/level"
	"github.com/lockgame/duelcore/src/infra/level"
)

func TestMemorySource_Isolated(t *testing.T) {
	source := level.NewMemorySource([]domain.Question{
		{ID: 1, Instruction: "decode", Code: "42", CodeLength: 2},
	})
	first, err := source.AllQuestions(context.Background())
	if err != nil {
		t.Fatalf("AllQuestions: %v", err)
	}
	first[0].Code = "tampered"

	second, err := source.AllQuestions(context.Background())
	if err != nil {
		t.Fatalf("AllQuestions: %v", err)
	}
	if second[0].Code != "42" {
		t.Fatalf("catalog aliased by caller")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `questions:
  - id: 1
    instruction: "Reverse the sequence"
    code: "4217"
    code_length: 4
  - id: 2
    instruction: "Sum of digits"
    code: "905"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	source, err := level.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	questions, err := source.AllQuestions(context.Background())
	if err != nil {
		t.Fatalf("AllQuestions: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("got %d questions, want 2", len(questions))
	}
	if questions[0].CodeLength != 4 {
		t.Fatalf("explicit code_length lost")
	}
	// Missing code_length falls back to the code's length.
	if questions[1].CodeLength != 3 {
		t.Fatalf("derived code_length = %d, want 3", questions[1].CodeLength)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := level.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(empty, []byte("questions: []\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := level.LoadFile(empty); err == nil {
		t.Fatalf("empty catalog accepted")
	}
}
