package level

import "context"

// Question is the simplified view of a level dealt into a duel.
type Question struct {
	ID          int64  `json:"id"`
	Instruction string `json:"instruction"`
	Code        string `json:"code"`
	CodeLength  int    `json:"codeLength"`
}

// Source supplies the ordered question catalog. Read-only to the duel core.
type Source interface {
	AllQuestions(ctx context.Context) ([]Question, error)
}
