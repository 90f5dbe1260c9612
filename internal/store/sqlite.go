package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/superseed-odyssey/colony-engine/internal/model"
)

// SQLiteStore implements Store on a local SQLite file. It is the default
// durable store: round state and recent results survive process restart with
// no external services. Decimals are stored as TEXT, times as unix
// milliseconds, loans and bids as JSON blobs.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists. SQLite allows one writer; the single connection keeps
// statement ordering simple.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("store: empty sqlite path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if err := initSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func initSQLiteSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			gold INTEGER NOT NULL DEFAULT 0,
			platinum INTEGER NOT NULL DEFAULT 0,
			iron INTEGER NOT NULL DEFAULT 0,
			coins TEXT NOT NULL DEFAULT '0',
			vault TEXT NOT NULL DEFAULT '0',
			loans TEXT NOT NULL DEFAULT '[]',
			aerial_scout INTEGER NOT NULL DEFAULT 0,
			combat_sentinel INTEGER NOT NULL DEFAULT 0,
			flare_bomber INTEGER NOT NULL DEFAULT 0,
			gold_rovers INTEGER NOT NULL DEFAULT 0,
			platinum_rovers INTEGER NOT NULL DEFAULT 0,
			iron_rovers INTEGER NOT NULL DEFAULT 0,
			superseed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS current_auction (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			prize INTEGER NOT NULL,
			bids TEXT NOT NULL DEFAULT '[]',
			end_time INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS auction_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			winner TEXT NOT NULL,
			prize INTEGER NOT NULL,
			winning_bid TEXT NOT NULL DEFAULT '0',
			date INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_rankings (
			username TEXT PRIMARY KEY,
			resource_score INTEGER NOT NULL DEFAULT 0,
			coin_score TEXT NOT NULL DEFAULT '0',
			loan_count INTEGER NOT NULL DEFAULT 0,
			bid_count INTEGER NOT NULL DEFAULT 0,
			match_score INTEGER NOT NULL DEFAULT 0,
			superseed INTEGER NOT NULL DEFAULT 0,
			rank_score TEXT NOT NULL DEFAULT '0',
			last_boost_update INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

const sqliteUserCols = `username, gold, platinum, iron, coins, vault, loans,
	aerial_scout, combat_sentinel, flare_bomber,
	gold_rovers, platinum_rovers, iron_rovers, superseed, created_at`

func scanSQLiteUser(row interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var coins, vault, loans string
	var createdAt int64
	err := row.Scan(&u.Username,
		&u.Resources.Gold, &u.Resources.Platinum, &u.Resources.Iron,
		&coins, &vault, &loans,
		&u.Guardians.AerialScout, &u.Guardians.CombatSentinel, &u.Guardians.FlareBomber,
		&u.Rovers.Gold, &u.Rovers.Platinum, &u.Rovers.Iron,
		&u.Superseed, &createdAt)
	if err != nil {
		return nil, err
	}
	u.Resources.Coins, err = decimal.NewFromString(coins)
	if err != nil {
		return nil, fmt.Errorf("decode coins: %w", err)
	}
	u.Vault, err = decimal.NewFromString(vault)
	if err != nil {
		return nil, fmt.Errorf("decode vault: %w", err)
	}
	if err := json.Unmarshal([]byte(loans), &u.Loans); err != nil {
		return nil, fmt.Errorf("decode loans: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserCols+` FROM users WHERE username = ?`, username)
	u, err := scanSQLiteUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	return u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	loans, err := json.Marshal(u.Loans)
	if err != nil {
		return fmt.Errorf("encode loans: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (`+sqliteUserCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username,
		u.Resources.Gold, u.Resources.Platinum, u.Resources.Iron,
		u.Resources.Coins.String(), u.Vault.String(), string(loans),
		u.Guardians.AerialScout, u.Guardians.CombatSentinel, u.Guardians.FlareBomber,
		u.Rovers.Gold, u.Rovers.Platinum, u.Rovers.Iron,
		u.Superseed, u.CreatedAt.UnixMilli())
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("create user %s: %w", u.Username, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, u *model.User) error {
	loans, err := json.Marshal(u.Loans)
	if err != nil {
		return fmt.Errorf("encode loans: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET gold = ?, platinum = ?, iron = ?, coins = ?, vault = ?, loans = ?,
		        aerial_scout = ?, combat_sentinel = ?, flare_bomber = ?,
		        gold_rovers = ?, platinum_rovers = ?, iron_rovers = ?, superseed = ?
		 WHERE username = ?`,
		u.Resources.Gold, u.Resources.Platinum, u.Resources.Iron,
		u.Resources.Coins.String(), u.Vault.String(), string(loans),
		u.Guardians.AerialScout, u.Guardians.CombatSentinel, u.Guardians.FlareBomber,
		u.Rovers.Gold, u.Rovers.Platinum, u.Rovers.Iron,
		u.Superseed, u.Username)
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.Username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteUserCols+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM users ORDER BY username`)
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

func (s *SQLiteStore) AddToVault(ctx context.Context, username string, amount decimal.Decimal) error {
	bal, err := s.VaultBalance(ctx, username)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET vault = ? WHERE username = ?`,
		bal.Add(amount).String(), username)
	return err
}

func (s *SQLiteStore) DeductFromVault(ctx context.Context, username string, amount decimal.Decimal) error {
	bal, err := s.VaultBalance(ctx, username)
	if err != nil {
		return err
	}
	if bal.LessThan(amount) {
		return ErrInsufficientVault
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET vault = ? WHERE username = ?`,
		bal.Sub(amount).String(), username)
	return err
}

func (s *SQLiteStore) VaultBalance(ctx context.Context, username string) (decimal.Decimal, error) {
	var vault string
	err := s.db.QueryRowContext(ctx,
		`SELECT vault FROM users WHERE username = ?`, username).Scan(&vault)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrUserNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(vault)
}

func (s *SQLiteStore) AddSuperseed(ctx context.Context, username string, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET superseed = superseed + ? WHERE username = ?`, amount, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) CurrentRound(ctx context.Context) (*model.AuctionRound, error) {
	var r model.AuctionRound
	var bids string
	var endTime int64
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT prize, bids, end_time, active FROM current_auction WHERE id = 1`).
		Scan(&r.Prize, &bids, &endTime, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRound
	}
	if err != nil {
		return nil, fmt.Errorf("load auction round: %w", err)
	}
	if err := json.Unmarshal([]byte(bids), &r.Bids); err != nil {
		return nil, fmt.Errorf("decode bids: %w", err)
	}
	r.EndTime = time.UnixMilli(endTime).UTC()
	r.Active = active == 1
	return &r, nil
}

func (s *SQLiteStore) SaveRound(ctx context.Context, r *model.AuctionRound) error {
	bids, err := json.Marshal(r.Bids)
	if err != nil {
		return fmt.Errorf("encode bids: %w", err)
	}
	active := 0
	if r.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO current_auction (id, prize, bids, end_time, active)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   prize = excluded.prize, bids = excluded.bids,
		   end_time = excluded.end_time, active = excluded.active`,
		r.Prize, string(bids), r.EndTime.UnixMilli(), active)
	if err != nil {
		return fmt.Errorf("save auction round: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendResult(ctx context.Context, res model.AuctionResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auction_results (winner, prize, winning_bid, date) VALUES (?, ?, ?, ?)`,
		res.Winner, res.Prize, res.WinningBid.String(), res.Date.UnixMilli())
	if err != nil {
		return fmt.Errorf("append auction result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM auction_results WHERE id NOT IN (
			SELECT id FROM auction_results ORDER BY id DESC LIMIT ?
		)`, RecentResultsLimit)
	if err != nil {
		return fmt.Errorf("trim auction results: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentResults(ctx context.Context) ([]model.AuctionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT winner, prize, winning_bid, date FROM auction_results
		 ORDER BY id DESC LIMIT ?`, RecentResultsLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.AuctionResult
	for rows.Next() {
		var res model.AuctionResult
		var winningBid string
		var date int64
		if err := rows.Scan(&res.Winner, &res.Prize, &winningBid, &date); err != nil {
			return nil, err
		}
		res.WinningBid, err = decimal.NewFromString(winningBid)
		if err != nil {
			return nil, fmt.Errorf("decode winning bid: %w", err)
		}
		res.Date = time.UnixMilli(date).UTC()
		results = append(results, res)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) Ranking(ctx context.Context, username string) (*model.RankingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT username, resource_score, coin_score, loan_count, bid_count,
		        match_score, superseed, rank_score, last_boost_update
		 FROM user_rankings WHERE username = ?`, username)
	r, err := scanSQLiteRanking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRankingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ranking %s: %w", username, err)
	}
	return r, nil
}

func scanSQLiteRanking(row interface{ Scan(...any) error }) (*model.RankingRecord, error) {
	var r model.RankingRecord
	var coinScore, rankScore string
	var lastBoost int64
	err := row.Scan(&r.Username, &r.ResourceScore, &coinScore, &r.LoanCount,
		&r.BidCount, &r.MatchScore, &r.Superseed, &rankScore, &lastBoost)
	if err != nil {
		return nil, err
	}
	if r.CoinScore, err = decimal.NewFromString(coinScore); err != nil {
		return nil, fmt.Errorf("decode coin score: %w", err)
	}
	if r.RankScore, err = decimal.NewFromString(rankScore); err != nil {
		return nil, fmt.Errorf("decode rank score: %w", err)
	}
	r.LastBoostUpdate = time.UnixMilli(lastBoost).UTC()
	return &r, nil
}

func (s *SQLiteStore) UpsertRanking(ctx context.Context, r *model.RankingRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_rankings (username, resource_score, coin_score, loan_count,
		        bid_count, match_score, superseed, rank_score, last_boost_update)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
		   resource_score = excluded.resource_score,
		   coin_score = excluded.coin_score,
		   loan_count = excluded.loan_count,
		   bid_count = excluded.bid_count,
		   match_score = excluded.match_score,
		   superseed = excluded.superseed,
		   rank_score = excluded.rank_score,
		   last_boost_update = excluded.last_boost_update`,
		r.Username, r.ResourceScore, r.CoinScore.String(), r.LoanCount,
		r.BidCount, r.MatchScore, r.Superseed, r.RankScore.String(),
		r.LastBoostUpdate.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert ranking %s: %w", r.Username, err)
	}
	return nil
}

func (s *SQLiteStore) ListRankings(ctx context.Context) ([]model.RankingRecord, error) {
	return s.queryRankings(ctx,
		`SELECT username, resource_score, coin_score, loan_count, bid_count,
		        match_score, superseed, rank_score, last_boost_update
		 FROM user_rankings ORDER BY username`)
}

func (s *SQLiteStore) TopRankings(ctx context.Context, limit int) ([]model.RankingRecord, error) {
	return s.queryRankings(ctx,
		`SELECT username, resource_score, coin_score, loan_count, bid_count,
		        match_score, superseed, rank_score, last_boost_update
		 FROM user_rankings ORDER BY CAST(rank_score AS REAL) DESC, username LIMIT ?`, limit)
}

func (s *SQLiteStore) queryRankings(ctx context.Context, query string, args ...any) ([]model.RankingRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rankings []model.RankingRecord
	for rows.Next() {
		r, err := scanSQLiteRanking(rows)
		if err != nil {
			return nil, err
		}
		rankings = append(rankings, *r)
	}
	return rankings, rows.Err()
}

// isSQLiteUniqueViolation matches the driver's constraint error without
// importing its internals.
func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
