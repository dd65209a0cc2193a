package battle

import "github.com/lockgame/duelcore/src/domain/level"

const seedBound = 0x7FFFFFFF

// ShuffleQuestions deals a reproducible permutation of the catalog keyed by
// the battle id: the same id and catalog always produce the same sequence,
// so both clients can reconstruct the deal independently. The input slice
// is never mutated. An empty catalog yields an empty sequence.
func ShuffleQuestions(battleID string, catalog []level.Question) []level.Question {
	shuffled := append([]level.Question(nil), catalog...)
	if len(shuffled) == 0 {
		return shuffled
	}
	random := lcg(shuffleSeed(battleID))
	for i := len(shuffled) - 1; i > 0; i-- {
		j := int(random() * float64(i+1))
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled
}

// shuffleSeed folds the id's character codes through a polynomial hash.
func shuffleSeed(battleID string) int64 {
	var seed int64
	for i := 0; i < len(battleID); i++ {
		seed = (seed*31 + int64(battleID[i])) % seedBound
	}
	return seed
}

// lcg returns a linear-congruential generator yielding values in [0, 1).
func lcg(seed int64) func() float64 {
	value := seed
	return func() float64 {
		value = (value*9301 + 49297) % 233280
		return float64(value) / 233280
	}
}
