package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lockgame/duelcore/src/domain/battle"
	"github.com/lockgame/duelcore/src/domain/level"
	"github.com/lockgame/duelcore/src/domain/player"
	"github.com/lockgame/duelcore/src/domain/shared"
)

const battlesSchema = `
CREATE TABLE IF NOT EXISTS battles (
	id              TEXT PRIMARY KEY,
	player1         TEXT NOT NULL,
	player2         TEXT,
	status          TEXT NOT NULL,
	mode            TEXT NOT NULL,
	room_code       TEXT,
	p1_progress     JSONB NOT NULL DEFAULT '{}'::jsonb,
	p2_progress     JSONB NOT NULL DEFAULT '{}'::jsonb,
	questions       JSONB NOT NULL DEFAULT '[]'::jsonb,
	start_time      TIMESTAMPTZ,
	end_time        TIMESTAMPTZ,
	time_limit      INTEGER NOT NULL DEFAULT 300,
	winner          TEXT,
	result          TEXT,
	trophy_changes  JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS battles_waiting_idx ON battles (status, mode, player2);
CREATE INDEX IF NOT EXISTS battles_room_idx ON battles (room_code, status);

CREATE TABLE IF NOT EXISTS players (
	id               TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL,
	trophies         INTEGER NOT NULL DEFAULT 0,
	points           INTEGER NOT NULL DEFAULT 500,
	completed_levels INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS players_trophies_idx ON players (trophies DESC, id);
`

const battleColumns = `id, player1, COALESCE(player2, ''), status, mode, COALESCE(room_code, ''),
	p1_progress, p2_progress, questions, start_time, end_time, time_limit,
	COALESCE(winner, ''), COALESCE(result, ''), trophy_changes, created_at, updated_at`

// PgBattleRepository implements battle.Repository on Postgres. Per-battle
// mutations run inside a transaction holding a row lock (SELECT ... FOR
// UPDATE), which serializes the two players' concurrent commands.
type PgBattleRepository struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

func NewPgBattleRepository(pool *pgxpool.Pool) *PgBattleRepository {
	return &PgBattleRepository{
		pool:  pool,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the duel tables when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, battlesSchema)
	return err
}

func (r *PgBattleRepository) Create(ctx context.Context, b *battle.Battle) error {
	if b.ID == "" {
		b.ID = shared.BattleID(uuid.Must(uuid.NewV4()).String())
	}
	now := r.clock()
	b.CreatedAt = now
	b.UpdatedAt = now
	p1, p2, questions, changes, err := marshalBattle(b)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO battles (id, player1, player2, status, mode, room_code,
			p1_progress, p2_progress, questions, start_time, end_time,
			time_limit, winner, result, trophy_changes, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''),
			$7::jsonb, $8::jsonb, $9::jsonb, $10, $11,
			$12, NULLIF($13, ''), NULLIF($14, ''), $15::jsonb, $16, $17)`,
		string(b.ID), string(b.Player1), string(b.Player2), string(b.Status), string(b.Mode), string(b.RoomCode),
		p1, p2, questions, b.StartTime, b.EndTime,
		b.TotalTimeLimit, string(b.Winner), string(b.Result), changes, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r *PgBattleRepository) Get(ctx context.Context, id shared.BattleID) (*battle.Battle, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+battleColumns+` FROM battles WHERE id = $1`, string(id))
	return scanBattle(row)
}

func (r *PgBattleRepository) Mutate(ctx context.Context, id shared.BattleID, fn func(*battle.Battle) error) (*battle.Battle, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+battleColumns+` FROM battles WHERE id = $1 FOR UPDATE`, string(id))
	b, err := scanBattle(row)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		if errors.Is(err, battle.ErrNoChange) {
			return b, nil
		}
		return nil, err
	}

	updated := r.clock()
	if !updated.After(b.UpdatedAt) {
		updated = b.UpdatedAt.Add(time.Microsecond)
	}
	b.UpdatedAt = updated
	p1, p2, questions, changes, err := marshalBattle(b)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE battles SET player2 = NULLIF($2, ''), status = $3, room_code = NULLIF($4, ''),
			p1_progress = $5::jsonb, p2_progress = $6::jsonb, questions = $7::jsonb,
			start_time = $8, end_time = $9, winner = NULLIF($10, ''),
			result = NULLIF($11, ''), trophy_changes = $12::jsonb, updated_at = $13
		WHERE id = $1`,
		string(b.ID), string(b.Player2), string(b.Status), string(b.RoomCode),
		p1, p2, questions,
		b.StartTime, b.EndTime, string(b.Winner),
		string(b.Result), changes, b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *PgBattleRepository) FindWaiting(ctx context.Context, mode battle.Mode, exclude shared.PlayerID) (*battle.Battle, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+battleColumns+` FROM battles
		WHERE status = $1 AND mode = $2 AND player2 IS NULL AND player1 <> $3
		ORDER BY created_at ASC LIMIT 1`,
		string(battle.StatusWaiting), string(mode), string(exclude))
	return scanBattle(row)
}

func (r *PgBattleRepository) FindFriendlyRoom(ctx context.Context, code shared.RoomCode, exclude shared.PlayerID) (*battle.Battle, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+battleColumns+` FROM battles
		WHERE status = $1 AND mode = $2 AND room_code = $3 AND player2 IS NULL AND player1 <> $4
		ORDER BY created_at ASC LIMIT 1`,
		string(battle.StatusWaiting), string(battle.ModeFriendly), string(code), string(exclude))
	return scanBattle(row)
}

func (r *PgBattleRepository) Delete(ctx context.Context, id shared.BattleID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM battles WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: battle %s", shared.ErrNotFound, id)
	}
	return nil
}

func (r *PgBattleRepository) ListByIDs(ctx context.Context, ids []shared.BattleID) ([]*battle.Battle, error) {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+battleColumns+` FROM battles WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*battle.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PgBattleRepository) DeleteWaitingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM battles
		WHERE status = $1 AND player2 IS NULL AND created_at < $2`,
		string(battle.StatusWaiting), cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgBattleRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM battles
		WHERE status = $1 AND end_time < $2`,
		string(battle.StatusFinished), cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBattle(row rowScanner) (*battle.Battle, error) {
	var (
		b                          battle.Battle
		id, p1ID, p2ID             string
		status, mode, room         string
		winner, result             string
		p1Raw, p2Raw, questionsRaw []byte
		changesRaw                 []byte
	)
	err := row.Scan(&id, &p1ID, &p2ID, &status, &mode, &room,
		&p1Raw, &p2Raw, &questionsRaw, &b.StartTime, &b.EndTime, &b.TotalTimeLimit,
		&winner, &result, &changesRaw, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: battle", shared.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.ID = shared.BattleID(id)
	b.Player1 = shared.PlayerID(p1ID)
	b.Player2 = shared.PlayerID(p2ID)
	b.Status = battle.Status(status)
	b.Mode = battle.Mode(mode)
	b.RoomCode = shared.RoomCode(room)
	b.Winner = shared.PlayerID(winner)
	b.Result = battle.Result(result)
	if err := json.Unmarshal(p1Raw, &b.Player1Progress); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(p2Raw, &b.Player2Progress); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(questionsRaw, &b.Questions); err != nil {
		return nil, err
	}
	if len(changesRaw) > 0 {
		if err := json.Unmarshal(changesRaw, &b.TrophyChanges); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func marshalBattle(b *battle.Battle) (p1, p2, questions, changes []byte, err error) {
	if p1, err = json.Marshal(b.Player1Progress); err != nil {
		return
	}
	if p2, err = json.Marshal(b.Player2Progress); err != nil {
		return
	}
	if b.Questions == nil {
		questions = []byte("[]")
	} else if questions, err = json.Marshal(b.Questions); err != nil {
		return
	}
	if b.TrophyChanges == nil {
		changes = []byte("null")
	} else if changes, err = json.Marshal(b.TrophyChanges); err != nil {
		return
	}
	return
}

// PgPlayerRepository implements player.Repository on Postgres.
type PgPlayerRepository struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

func NewPgPlayerRepository(pool *pgxpool.Pool) *PgPlayerRepository {
	return &PgPlayerRepository{
		pool:  pool,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

func (r *PgPlayerRepository) GetByID(ctx context.Context, id shared.PlayerID) (*player.Account, error) {
	var acct player.Account
	var raw string
	err := r.pool.QueryRow(ctx, `
		SELECT id, display_name, trophies, points, completed_levels, created_at, updated_at
		FROM players WHERE id = $1`, string(id)).
		Scan(&raw, &acct.DisplayName, &acct.Trophies, &acct.Points, &acct.CompletedLevels, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: player %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	acct.ID = shared.PlayerID(raw)
	return &acct, nil
}

func (r *PgPlayerRepository) Save(ctx context.Context, account *player.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO players (id, display_name, trophies, points, completed_levels, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			trophies = EXCLUDED.trophies,
			points = EXCLUDED.points,
			completed_levels = EXCLUDED.completed_levels,
			updated_at = EXCLUDED.updated_at`,
		string(account.ID), account.DisplayName, account.Trophies, account.Points,
		account.CompletedLevels, account.CreatedAt, r.clock())
	return err
}

func (r *PgPlayerRepository) TopByTrophies(ctx context.Context, limit int) ([]*player.Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, display_name, trophies, points, completed_levels, created_at, updated_at
		FROM players ORDER BY trophies DESC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*player.Account
	for rows.Next() {
		var acct player.Account
		var raw string
		if err := rows.Scan(&raw, &acct.DisplayName, &acct.Trophies, &acct.Points,
			&acct.CompletedLevels, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		acct.ID = shared.PlayerID(raw)
		out = append(out, &acct)
	}
	return out, rows.Err()
}

// PgLevelSource reads the ordered question catalog from the levels table
// the content pipeline maintains.
type PgLevelSource struct {
	pool *pgxpool.Pool
}

func NewPgLevelSource(pool *pgxpool.Pool) *PgLevelSource {
	return &PgLevelSource{pool: pool}
}

func (s *PgLevelSource) AllQuestions(ctx context.Context) ([]level.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instruction, code, code_length FROM levels ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []level.Question
	for rows.Next() {
		var q level.Question
		if err := rows.Scan(&q.ID, &q.Instruction, &q.Code, &q.CodeLength); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
