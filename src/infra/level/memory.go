// Package level provides question catalog sources backing the battle deal.
package level

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lockgame/duelcore/src/domain/level"
)

// MemorySource serves a fixed catalog. Used in tests and when the server
// runs without a database.
type MemorySource struct {
	questions []level.Question
}

func NewMemorySource(questions []level.Question) *MemorySource {
	copied := make([]level.Question, len(questions))
	copy(copied, questions)
	return &MemorySource{questions: copied}
}

func (s *MemorySource) AllQuestions(_ context.Context) ([]level.Question, error) {
	out := make([]level.Question, len(s.questions))
	copy(out, s.questions)
	return out, nil
}

type catalogFile struct {
	Questions []struct {
		ID          int64  `yaml:"id"`
		Instruction string `yaml:"instruction"`
		Code        string `yaml:"code"`
		CodeLength  int    `yaml:"code_length"`
	} `yaml:"questions"`
}

// LoadFile reads a YAML question catalog from disk.
func LoadFile(path string) (*MemorySource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	questions := make([]level.Question, 0, len(file.Questions))
	for _, q := range file.Questions {
		length := q.CodeLength
		if length == 0 {
			length = len(q.Code)
		}
		questions = append(questions, level.Question{
			ID:          q.ID,
			Instruction: q.Instruction,
			Code:        q.Code,
			CodeLength:  length,
		})
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("catalog %s: no questions", path)
	}
	return &MemorySource{questions: questions}, nil
}

// DemoCatalog returns a small built-in catalog so the server can start
// without external content. Replace it with a file or database source in
// production.
func DemoCatalog() *MemorySource {
	return NewMemorySource([]level.Question{
		{ID: 1, Instruction: "Reverse the sequence", Code: "4217", CodeLength: 4},
		{ID: 2, Instruction: "Sum of digits mod 10", Code: "905", CodeLength: 3},
		{ID: 3, Instruction: "Next prime after each digit", Code: "2357", CodeLength: 4},
		{ID: 4, Instruction: "Shift each digit by two", Code: "680", CodeLength: 3},
		{ID: 5, Instruction: "Binary of the answer", Code: "1011", CodeLength: 4},
		{ID: 6, Instruction: "Product of outer digits", Code: "63", CodeLength: 2},
		{ID: 7, Instruction: "Mirror the middle pair", Code: "7447", CodeLength: 4},
		{ID: 8, Instruction: "Count the vowels", Code: "3", CodeLength: 1},
		{ID: 9, Instruction: "Fibonacci positions", Code: "1123", CodeLength: 4},
		{ID: 10, Instruction: "Descending unique digits", Code: "9742", CodeLength: 4},
	})
}
