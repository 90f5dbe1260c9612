package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// loans and bids travel as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist. Deployments with
// managed migrations can skip it.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			gold BIGINT NOT NULL DEFAULT 0,
			platinum BIGINT NOT NULL DEFAULT 0,
			iron BIGINT NOT NULL DEFAULT 0,
			coins NUMERIC NOT NULL DEFAULT 0,
			vault NUMERIC NOT NULL DEFAULT 0,
			loans JSONB NOT NULL DEFAULT '[]',
			aerial_scout BIGINT NOT NULL DEFAULT 0,
			combat_sentinel BIGINT NOT NULL DEFAULT 0,
			flare_bomber BIGINT NOT NULL DEFAULT 0,
			gold_rovers BIGINT NOT NULL DEFAULT 0,
			platinum_rovers BIGINT NOT NULL DEFAULT 0,
			iron_rovers BIGINT NOT NULL DEFAULT 0,
			superseed BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS current_auction (
			id INT PRIMARY KEY CHECK (id = 1),
			prize BIGINT NOT NULL,
			bids JSONB NOT NULL DEFAULT '[]',
			end_time TIMESTAMPTZ NOT NULL,
			active BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS auction_results (
			id BIGSERIAL PRIMARY KEY,
			winner TEXT NOT NULL,
			prize BIGINT NOT NULL,
			winning_bid NUMERIC NOT NULL DEFAULT 0,
			date TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_rankings (
			username TEXT PRIMARY KEY,
			resource_score BIGINT NOT NULL DEFAULT 0,
			coin_score NUMERIC NOT NULL DEFAULT 0,
			loan_count BIGINT NOT NULL DEFAULT 0,
			bid_count BIGINT NOT NULL DEFAULT 0,
			match_score BIGINT NOT NULL DEFAULT 0,
			superseed BIGINT NOT NULL DEFAULT 0,
			rank_score NUMERIC NOT NULL DEFAULT 0,
			last_boost_update TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const pgUserCols = `username, gold, platinum, iron, coins::TEXT, vault::TEXT, loans,
	aerial_scout, combat_sentinel, flare_bomber,
	gold_rovers, platinum_rovers, iron_rovers, superseed, created_at`

func scanPGUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var coins, vault string
	var loans []byte

	err := row.Scan(&u.Username,
		&u.Resources.Gold, &u.Resources.Platinum, &u.Resources.Iron,
		&coins, &vault, &loans,
		&u.Guardians.AerialScout, &u.Guardians.CombatSentinel, &u.Guardians.FlareBomber,
		&u.Rovers.Gold, &u.Rovers.Platinum, &u.Rovers.Iron,
		&u.Superseed, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	u.Resources.Coins, _ = decimal.NewFromString(coins)
	u.Vault, _ = decimal.NewFromString(vault)
	if err := json.Unmarshal(loans, &u.Loans); err != nil {
		return nil, fmt.Errorf("decode loans: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgUserCols+` FROM users WHERE username = $1`, username)
	u, err := scanPGUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	loans, err := json.Marshal(u.Loans)
	if err != nil {
		return fmt.Errorf("encode loans: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (username, gold, platinum, iron, coins, vault, loans,
		        aerial_scout, combat_sentinel, flare_bomber,
		        gold_rovers, platinum_rovers, iron_rovers, superseed, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::JSONB,
		         $8, $9, $10, $11, $12, $13, $14, $15)`,
		u.Username,
		u.Resources.Gold, u.Resources.Platinum, u.Resources.Iron,
		u.Resources.Coins.String(), u.Vault.String(), loans,
		u.Guardians.AerialScout, u.Guardians.CombatSentinel, u.Guardians.FlareBomber,
		u.Rovers.Gold, u.Rovers.Platinum, u.Rovers.Iron,
		u.Superseed, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrUserExists
		}
		return fmt.Errorf("create user %s: %w", u.Username, err)
	}
	return nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *model.User) error {
	loans, err := json.Marshal(u.Loans)
	if err != nil {
		return fmt.Errorf("encode loans: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users
		 SET gold = $2, platinum = $3, iron = $4,
		     coins = $5::NUMERIC, vault = $6::NUMERIC, loans = $7::JSONB,
		     aerial_scout = $8, combat_sentinel = $9, flare_bomber = $10,
		     gold_rovers = $11, platinum_rovers = $12, iron_rovers = $13,
		     superseed = $14
		 WHERE username = $1`,
		u.Username,
		u.Resources.Gold, u.Resources.Platinum, u.Resources.Iron,
		u.Resources.Coins.String(), u.Vault.String(), loans,
		u.Guardians.AerialScout, u.Guardians.CombatSentinel, u.Guardians.FlareBomber,
		u.Rovers.Gold, u.Rovers.Platinum, u.Rovers.Iron,
		u.Superseed,
	)
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.Username, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgUserCols+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanPGUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) AddToVault(ctx context.Context, username string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET vault = vault + $2::NUMERIC WHERE username = $1`,
		username, amount.String())
	if err != nil {
		return fmt.Errorf("add to vault %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) DeductFromVault(ctx context.Context, username string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET vault = vault - $2::NUMERIC
		 WHERE username = $1 AND vault >= $2::NUMERIC`,
		username, amount.String())
	if err != nil {
		return fmt.Errorf("deduct from vault %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing user from an insufficient balance.
		if _, err := s.VaultBalance(ctx, username); err != nil {
			return err
		}
		return ErrInsufficientVault
	}
	return nil
}

func (s *PostgresStore) VaultBalance(ctx context.Context, username string) (decimal.Decimal, error) {
	var vault string
	err := s.pool.QueryRow(ctx,
		`SELECT vault::TEXT FROM users WHERE username = $1`, username).Scan(&vault)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault balance %s: %w", username, err)
	}
	bal, _ := decimal.NewFromString(vault)
	return bal, nil
}

func (s *PostgresStore) AddSuperseed(ctx context.Context, username string, amount int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET superseed = superseed + $2 WHERE username = $1`,
		username, amount)
	if err != nil {
		return fmt.Errorf("add superseed %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) CurrentRound(ctx context.Context) (*model.AuctionRound, error) {
	var r model.AuctionRound
	var bids []byte

	err := s.pool.QueryRow(ctx,
		`SELECT prize, bids, end_time, active FROM current_auction WHERE id = 1`).
		Scan(&r.Prize, &bids, &r.EndTime, &r.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRound
	}
	if err != nil {
		return nil, fmt.Errorf("load auction round: %w", err)
	}
	if err := json.Unmarshal(bids, &r.Bids); err != nil {
		return nil, fmt.Errorf("decode bids: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) SaveRound(ctx context.Context, r *model.AuctionRound) error {
	bids, err := json.Marshal(r.Bids)
	if err != nil {
		return fmt.Errorf("encode bids: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO current_auction (id, prize, bids, end_time, active)
		 VALUES (1, $1, $2::JSONB, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   prize = EXCLUDED.prize, bids = EXCLUDED.bids,
		   end_time = EXCLUDED.end_time, active = EXCLUDED.active`,
		r.Prize, bids, r.EndTime, r.Active)
	if err != nil {
		return fmt.Errorf("save auction round: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendResult(ctx context.Context, res model.AuctionResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auction_results (winner, prize, winning_bid, date)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		res.Winner, res.Prize, res.WinningBid.String(), res.Date)
	if err != nil {
		return fmt.Errorf("append auction result: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`DELETE FROM auction_results WHERE id NOT IN (
			SELECT id FROM auction_results ORDER BY id DESC LIMIT $1
		)`, RecentResultsLimit)
	if err != nil {
		return fmt.Errorf("trim auction results: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentResults(ctx context.Context) ([]model.AuctionResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT winner, prize, winning_bid::TEXT, date FROM auction_results
		 ORDER BY id DESC LIMIT $1`, RecentResultsLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.AuctionResult
	for rows.Next() {
		var res model.AuctionResult
		var winningBid string
		if err := rows.Scan(&res.Winner, &res.Prize, &winningBid, &res.Date); err != nil {
			return nil, err
		}
		res.WinningBid, _ = decimal.NewFromString(winningBid)
		results = append(results, res)
	}
	return results, rows.Err()
}

const pgRankingCols = `username, resource_score, coin_score::TEXT, loan_count,
	bid_count, match_score, superseed, rank_score::TEXT, last_boost_update`

func scanPGRanking(row pgx.Row) (*model.RankingRecord, error) {
	var r model.RankingRecord
	var coinScore, rankScore string

	err := row.Scan(&r.Username, &r.ResourceScore, &coinScore, &r.LoanCount,
		&r.BidCount, &r.MatchScore, &r.Superseed, &rankScore, &r.LastBoostUpdate)
	if err != nil {
		return nil, err
	}
	r.CoinScore, _ = decimal.NewFromString(coinScore)
	r.RankScore, _ = decimal.NewFromString(rankScore)
	return &r, nil
}

func (s *PostgresStore) Ranking(ctx context.Context, username string) (*model.RankingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgRankingCols+` FROM user_rankings WHERE username = $1`, username)
	r, err := scanPGRanking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRankingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ranking %s: %w", username, err)
	}
	return r, nil
}

func (s *PostgresStore) UpsertRanking(ctx context.Context, r *model.RankingRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_rankings (username, resource_score, coin_score, loan_count,
		        bid_count, match_score, superseed, rank_score, last_boost_update)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8::NUMERIC, $9)
		 ON CONFLICT (username) DO UPDATE SET
		   resource_score = EXCLUDED.resource_score,
		   coin_score = EXCLUDED.coin_score,
		   loan_count = EXCLUDED.loan_count,
		   bid_count = EXCLUDED.bid_count,
		   match_score = EXCLUDED.match_score,
		   superseed = EXCLUDED.superseed,
		   rank_score = EXCLUDED.rank_score,
		   last_boost_update = EXCLUDED.last_boost_update`,
		r.Username, r.ResourceScore, r.CoinScore.String(), r.LoanCount,
		r.BidCount, r.MatchScore, r.Superseed, r.RankScore.String(),
		r.LastBoostUpdate)
	if err != nil {
		return fmt.Errorf("upsert ranking %s: %w", r.Username, err)
	}
	return nil
}

func (s *PostgresStore) ListRankings(ctx context.Context) ([]model.RankingRecord, error) {
	return s.queryRankings(ctx,
		`SELECT `+pgRankingCols+` FROM user_rankings ORDER BY username`)
}

func (s *PostgresStore) TopRankings(ctx context.Context, limit int) ([]model.RankingRecord, error) {
	return s.queryRankings(ctx,
		`SELECT `+pgRankingCols+` FROM user_rankings
		 ORDER BY rank_score DESC, username LIMIT $1`, limit)
}

func (s *PostgresStore) queryRankings(ctx context.Context, query string, args ...any) ([]model.RankingRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rankings []model.RankingRecord
	for rows.Next() {
		r, err := scanPGRanking(rows)
		if err != nil {
			return nil, err
		}
		rankings = append(rankings, *r)
	}
	return rankings, rows.Err()
}
