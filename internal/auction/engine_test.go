package auction_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/auction"
	"github.com/superseed-odyssey/colony-engine/internal/econ"
	"github.com/superseed-odyssey/colony-engine/internal/model"
	"github.com/superseed-odyssey/colony-engine/internal/scheduler"
	"github.com/superseed-odyssey/colony-engine/internal/store"
	"github.com/superseed-odyssey/colony-engine/internal/userlock"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// recorder captures emitted events for assertions.
type recorder struct {
	mu     sync.Mutex
	emits  []recorded
	bcasts []recorded
}

type recorded struct {
	username string
	event    string
	data     any
}

func (r *recorder) Emit(username, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, recorded{username, event, data})
}

func (r *recorder) Broadcast(event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bcasts = append(r.bcasts, recorded{"", event, data})
}

func (r *recorder) broadcastCount(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.bcasts {
		if b.event == event {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T) (*auction.Engine, *store.MemoryStore, *scheduler.Manual, *recorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := scheduler.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	eng := auction.NewEngine(ms, userlock.NewMap(), rec, nil, clock,
		4*time.Hour, rand.New(rand.NewSource(1)), nil)
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return eng, ms, clock, rec
}

func seedUser(t *testing.T, ms *store.MemoryStore, username string, coins float64) {
	t.Helper()
	u := &model.User{
		Username:  username,
		Resources: model.Resources{Coins: d(coins)},
		Vault:     decimal.Zero,
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := ms.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
}

func getUser(t *testing.T, ms *store.MemoryStore, username string) *model.User {
	t.Helper()
	u, err := ms.GetUser(context.Background(), username)
	if err != nil {
		t.Fatalf("get user %s: %v", username, err)
	}
	return u
}

func TestLoad_SynthesizesRound(t *testing.T) {
	eng, ms, clock, _ := newTestEngine(t)

	r, err := eng.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if r.Prize < econ.PrizeMin || r.Prize > econ.PrizeMax {
		t.Errorf("prize %d outside [%d,%d]", r.Prize, econ.PrizeMin, econ.PrizeMax)
	}
	if !r.Active {
		t.Error("expected active round")
	}
	if !r.EndTime.Equal(clock.Now().Add(4 * time.Hour)) {
		t.Errorf("unexpected end time %s", r.EndTime)
	}

	// The round is persisted.
	stored, err := ms.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("current round: %v", err)
	}
	if stored.Prize != r.Prize {
		t.Errorf("persisted prize %d != %d", stored.Prize, r.Prize)
	}
}

func TestLoad_ResumesPersistedRound(t *testing.T) {
	ms := store.NewMemoryStore()
	clock := scheduler.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	end := clock.Now().Add(90 * time.Minute)
	ms.SaveRound(context.Background(), &model.AuctionRound{
		Prize:   9,
		EndTime: end,
		Active:  false,
		Bids:    []model.Bid{{ID: "b1", Username: "ares", Amount: d(10)}},
	})

	eng := auction.NewEngine(ms, userlock.NewMap(), nil, nil, clock, 4*time.Hour, nil, nil)
	if err := eng.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	r, _ := eng.Snapshot()
	if r.Prize != 9 || len(r.Bids) != 1 || !r.EndTime.Equal(end) {
		t.Errorf("persisted round not resumed: %+v", r)
	}
	if !r.Active {
		t.Error("resumed round should be active")
	}
}

func TestPlaceBid_DeductsAmountPlusFee(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 500)

	if err := eng.PlaceBid(context.Background(), "ares", d(100)); err != nil {
		t.Fatalf("place bid: %v", err)
	}

	u := getUser(t, ms, "ares")
	// 500 - (100 + 50 fee).
	if !u.Resources.Coins.Equal(d(350)) {
		t.Errorf("expected coins=350, got %s", u.Resources.Coins)
	}

	r, _ := eng.Snapshot()
	if len(r.Bids) != 1 {
		t.Fatalf("expected 1 bid, got %d", len(r.Bids))
	}
	b := r.Bids[0]
	if !b.Amount.Equal(d(100)) || !b.Fee.Equal(econ.AuctionFee) || !b.TotalCost.Equal(d(150)) {
		t.Errorf("unexpected bid: %+v", b)
	}
}

func TestPlaceBid_OnePerUser(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 1000)

	if err := eng.PlaceBid(context.Background(), "ares", d(100)); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if err := eng.PlaceBid(context.Background(), "ares", d(200)); !errors.Is(err, auction.ErrAlreadyBid) {
		t.Errorf("expected ErrAlreadyBid, got %v", err)
	}

	// Coins charged exactly once.
	u := getUser(t, ms, "ares")
	if !u.Resources.Coins.Equal(d(850)) {
		t.Errorf("expected coins=850, got %s", u.Resources.Coins)
	}
}

func TestPlaceBid_InsufficientCoins(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 120)

	// 100 + 50 fee > 120.
	if err := eng.PlaceBid(context.Background(), "ares", d(100)); !errors.Is(err, auction.ErrInsufficientCoins) {
		t.Errorf("expected ErrInsufficientCoins, got %v", err)
	}
	u := getUser(t, ms, "ares")
	if !u.Resources.Coins.Equal(d(120)) {
		t.Errorf("failed bid changed balance: %s", u.Resources.Coins)
	}
}

func TestPlaceBid_RejectsNonPositive(t *testing.T) {
	eng, ms, _, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 1000)

	if err := eng.PlaceBid(context.Background(), "ares", decimal.Zero); !errors.Is(err, auction.ErrInvalidBid) {
		t.Errorf("expected ErrInvalidBid for zero, got %v", err)
	}
	if err := eng.PlaceBid(context.Background(), "ares", d(-10)); !errors.Is(err, auction.ErrInvalidBid) {
		t.Errorf("expected ErrInvalidBid for negative, got %v", err)
	}
}

func TestTick_BeforeDeadlineOnlyBroadcasts(t *testing.T) {
	eng, ms, clock, rec := newTestEngine(t)
	seedUser(t, ms, "ares", 1000)
	eng.PlaceBid(context.Background(), "ares", d(100))

	clock.Advance(time.Hour)
	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if rec.broadcastCount("auction_result") != 0 {
		t.Error("round settled before deadline")
	}
	if rec.broadcastCount("auction_update") == 0 {
		t.Error("expected auction_update broadcast")
	}
	r, _ := eng.Snapshot()
	if len(r.Bids) != 1 {
		t.Errorf("bids dropped before settlement: %d", len(r.Bids))
	}
}

func TestTick_SettlesHighestBid(t *testing.T) {
	eng, ms, clock, rec := newTestEngine(t)
	seedUser(t, ms, "low", 1000)
	seedUser(t, ms, "high", 1000)

	eng.PlaceBid(context.Background(), "low", d(100))
	eng.PlaceBid(context.Background(), "high", d(200))

	before, _ := eng.Snapshot()
	clock.Advance(4 * time.Hour)
	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Winner got the prize in superseeds and their stake into the vault.
	high := getUser(t, ms, "high")
	if high.Superseed != before.Prize {
		t.Errorf("expected winner superseed=%d, got %d", before.Prize, high.Superseed)
	}
	if !high.Vault.Equal(d(250)) {
		t.Errorf("expected winner vault=250, got %s", high.Vault)
	}
	// Winner's coins stay deducted.
	if !high.Resources.Coins.Equal(d(750)) {
		t.Errorf("expected winner coins=750, got %s", high.Resources.Coins)
	}

	// Loser got the bid back in coins and the fee banked to the vault.
	low := getUser(t, ms, "low")
	if low.Superseed != 0 {
		t.Errorf("loser received superseeds: %d", low.Superseed)
	}
	if !low.Resources.Coins.Equal(d(950)) {
		t.Errorf("expected loser coins=950, got %s", low.Resources.Coins)
	}
	if !low.Vault.Equal(d(50)) {
		t.Errorf("expected loser vault=50, got %s", low.Vault)
	}

	// Result recorded and broadcast; a new round is open.
	results, _ := ms.RecentResults(context.Background())
	if len(results) != 1 || results[0].Winner != "high" || !results[0].WinningBid.Equal(d(200)) {
		t.Errorf("unexpected results: %+v", results)
	}
	if rec.broadcastCount("auction_result") != 1 {
		t.Error("expected one auction_result broadcast")
	}
	r, _ := eng.Snapshot()
	if len(r.Bids) != 0 || !r.Active {
		t.Errorf("new round not opened cleanly: %+v", r)
	}
	if !r.EndTime.Equal(clock.Now().Add(4 * time.Hour)) {
		t.Errorf("new round deadline wrong: %s", r.EndTime)
	}
}

func TestTick_TieGoesToEarliestBid(t *testing.T) {
	eng, ms, clock, _ := newTestEngine(t)
	seedUser(t, ms, "first", 1000)
	seedUser(t, ms, "second", 1000)

	eng.PlaceBid(context.Background(), "first", d(200))
	eng.PlaceBid(context.Background(), "second", d(200))

	clock.Advance(4 * time.Hour)
	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	results, _ := ms.RecentResults(context.Background())
	if results[0].Winner != "first" {
		t.Errorf("expected earliest of tied bids to win, got %s", results[0].Winner)
	}
}

func TestTick_SettlesThreeBiddersWithTiedHighest(t *testing.T) {
	eng, ms, clock, _ := newTestEngine(t)
	seedUser(t, ms, "alfa", 1000)
	seedUser(t, ms, "bravo", 1000)
	seedUser(t, ms, "charlie", 1000)

	// bravo and charlie tie at 150; bravo bid first and takes the round.
	eng.PlaceBid(context.Background(), "alfa", d(100))
	clock.Advance(time.Minute)
	eng.PlaceBid(context.Background(), "bravo", d(150))
	clock.Advance(time.Minute)
	eng.PlaceBid(context.Background(), "charlie", d(150))

	before, _ := eng.Snapshot()
	clock.Advance(4 * time.Hour)
	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	results, _ := ms.RecentResults(context.Background())
	if results[0].Winner != "bravo" || !results[0].WinningBid.Equal(d(150)) {
		t.Fatalf("expected bravo to win at 150, got %+v", results[0])
	}

	// Winner keeps the stake out of coins; bid plus fee lands in the vault.
	bravo := getUser(t, ms, "bravo")
	if bravo.Superseed != before.Prize {
		t.Errorf("winner superseed = %d, want %d", bravo.Superseed, before.Prize)
	}
	if !bravo.Resources.Coins.Equal(d(800)) || !bravo.Vault.Equal(d(200)) {
		t.Errorf("winner coins=%s vault=%s, want 800/200", bravo.Resources.Coins, bravo.Vault)
	}

	// Both losers get the bid back in coins and the fee banked.
	for _, name := range []string{"alfa", "charlie"} {
		u := getUser(t, ms, name)
		if !u.Resources.Coins.Equal(d(950)) || !u.Vault.Equal(d(50)) {
			t.Errorf("%s coins=%s vault=%s, want 950/50", name, u.Resources.Coins, u.Vault)
		}
		if u.Superseed != 0 {
			t.Errorf("%s superseed = %d, want 0", name, u.Superseed)
		}
	}
}

func TestTick_NoBidsRecordsPlaceholder(t *testing.T) {
	eng, ms, clock, _ := newTestEngine(t)

	before, _ := eng.Snapshot()
	clock.Advance(4 * time.Hour)
	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	results, _ := ms.RecentResults(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Winner != model.NoBidsWinner {
		t.Errorf("expected %q, got %q", model.NoBidsWinner, results[0].Winner)
	}
	if results[0].Prize != before.Prize || !results[0].WinningBid.IsZero() {
		t.Errorf("unexpected no-bids result: %+v", results[0])
	}
}

func TestBidsDoNotCarryAcrossRounds(t *testing.T) {
	eng, ms, clock, _ := newTestEngine(t)
	seedUser(t, ms, "ares", 1000)
	eng.PlaceBid(context.Background(), "ares", d(100))

	clock.Advance(4 * time.Hour)
	eng.Tick(context.Background())

	// Same user can bid again in the fresh round.
	if err := eng.PlaceBid(context.Background(), "ares", d(50)); err != nil {
		t.Fatalf("bid in new round: %v", err)
	}
}
