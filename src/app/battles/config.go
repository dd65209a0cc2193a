package battles

import "context"

// GameConfig carries the global game tuning frozen into each battle at
// creation time.
type GameConfig struct {
	TrophiesWin   int
	TrophiesLoss  int
	TrophiesDraw  int
	GameTimer     int
	QuestionTimer int
}

func DefaultGameConfig() GameConfig {
	return GameConfig{
		TrophiesWin:   100,
		TrophiesLoss:  100,
		TrophiesDraw:  10,
		GameTimer:     300,
		QuestionTimer: 30,
	}
}

// ConfigProvider yields the current global game configuration.
type ConfigProvider interface {
	GameConfig(ctx context.Context) (GameConfig, error)
}

// StaticConfig is a ConfigProvider backed by a fixed value.
type StaticConfig GameConfig

func (c StaticConfig) GameConfig(ctx context.Context) (GameConfig, error) {
	return GameConfig(c), nil
}
