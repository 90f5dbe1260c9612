package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/auction"
	"github.com/superseed-odyssey/colony-engine/internal/combat"
	"github.com/superseed-odyssey/colony-engine/internal/events"
	"github.com/superseed-odyssey/colony-engine/internal/leaderboard"
	"github.com/superseed-odyssey/colony-engine/internal/ledger"
	"github.com/superseed-odyssey/colony-engine/internal/loan"
	"github.com/superseed-odyssey/colony-engine/internal/model"
	"github.com/superseed-odyssey/colony-engine/internal/store"
)

const dispatchTimeout = 10 * time.Second

// Gateway routes client traffic to the engines: inbound WebSocket frames
// through Dispatch, plus read-only HTTP views for the dashboard.
type Gateway struct {
	hub     *Hub
	ledger  *ledger.Service
	loans   *loan.Engine
	auction *auction.Engine
	board   *leaderboard.Engine
	combat  *combat.Resolver
	logger  *slog.Logger
}

// New wires the gateway to the engines and installs it as the hub's message
// handler.
func New(hub *Hub, led *ledger.Service, loans *loan.Engine, auc *auction.Engine, board *leaderboard.Engine, cmb *combat.Resolver, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		hub:     hub,
		ledger:  led,
		loans:   loans,
		auction: auc,
		board:   board,
		combat:  cmb,
		logger:  logger,
	}
	hub.OnMessage = g.Dispatch
	return g
}

// Dispatch handles one inbound frame from a connected client. Every error is
// reported back to the sender as a popup; malformed frames never reach the
// engines.
func (g *Gateway) Dispatch(username string, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.popupError(username, "malformed message")
		return
	}

	var err error
	switch frame.Type {
	case MsgGetUserData:
		err = g.handleGetUserData(ctx, username)
	case MsgMineResource:
		err = g.handleMine(ctx, username, frame.Data)
	case MsgPurchaseGuardian:
		err = g.handlePurchaseGuardian(ctx, username, frame.Data)
	case MsgPurchaseRover:
		err = g.handlePurchaseRover(ctx, username, frame.Data)
	case MsgBorrow:
		err = g.handleBorrow(ctx, username, frame.Data)
	case MsgRepay:
		err = g.handleRepay(ctx, username, frame.Data)
	case MsgUnstake:
		err = g.handleUnstake(ctx, username, frame.Data)
	case MsgPlaceBid:
		err = g.handlePlaceBid(ctx, username, frame.Data)
	case MsgGetAuctionResults:
		err = g.handleAuctionResults(ctx, username)
	case MsgAddToVault:
		err = g.handleAddToVault(ctx, username, frame.Data)
	case MsgDeductFromVault:
		err = g.handleDeductFromVault(ctx, username, frame.Data)
	case MsgGetVaultBalance:
		err = g.handleVaultBalance(ctx, username)
	case MsgAttackUser:
		err = g.handleAttack(ctx, username, frame.Data)
	case MsgDeductSearchFee:
		err = g.combat.DeductSearchFee(ctx, username)
	case MsgGetUserResources:
		err = g.handleUserResources(ctx, username)
	case MsgGetRoverCounts:
		err = g.handleRoverCounts(ctx, username)
	case MsgGetGuardianCounts:
		err = g.handleGuardianCounts(ctx, username)
	case MsgGetAllUsers:
		err = g.handleAllUsers(ctx, username)
	case MsgGetTopUsers:
		err = g.handleTopUsers(ctx, username)
	case MsgUpdateRanking:
		err = g.handleUpdateRanking(ctx, username)
	case MsgChatMessage:
		err = g.handleChat(username, frame.Data)
	default:
		g.popupError(username, "unknown message type")
		return
	}

	if err != nil {
		g.logger.Info("message rejected", "username", username, "type", frame.Type, "err", err)
		g.popupError(username, userMessage(err))
	}
}

func (g *Gateway) handleGetUserData(ctx context.Context, username string) error {
	u, err := g.ledger.GetOrCreate(ctx, username)
	if err != nil {
		return err
	}
	g.hub.Emit(username, events.EventUserData, u)
	return nil
}

func (g *Gateway) handleMine(ctx context.Context, username string, raw json.RawMessage) error {
	var req MineRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	_, err := g.ledger.Mine(ctx, username, req.ResourceType, req.Amount)
	return err
}

func (g *Gateway) handlePurchaseGuardian(ctx context.Context, username string, raw json.RawMessage) error {
	var req PurchaseGuardianRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	_, err := g.ledger.PurchaseGuardian(ctx, username, req.GuardianType)
	return err
}

func (g *Gateway) handlePurchaseRover(ctx context.Context, username string, raw json.RawMessage) error {
	var req PurchaseRoverRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	_, err := g.ledger.PurchaseRover(ctx, username, req.RoverType)
	return err
}

func (g *Gateway) handleBorrow(ctx context.Context, username string, raw json.RawMessage) error {
	var req TakeLoanRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	collateral := model.Collateral{
		Gold:     req.Collateral.Gold,
		Platinum: req.Collateral.Platinum,
		Iron:     req.Collateral.Iron,
	}
	_, err := g.loans.Borrow(ctx, username, req.Amount, collateral, model.LoanMode(req.Mode))
	return err
}

func (g *Gateway) handleRepay(ctx context.Context, username string, raw json.RawMessage) error {
	var req RepayLoanRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	return g.loans.Repay(ctx, username, req.LoanID)
}

func (g *Gateway) handleUnstake(ctx context.Context, username string, raw json.RawMessage) error {
	var req UnstakeLoanRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	return g.loans.Unstake(ctx, username, req.LoanID)
}

func (g *Gateway) handlePlaceBid(ctx context.Context, username string, raw json.RawMessage) error {
	var req PlaceBidRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	return g.auction.PlaceBid(ctx, username, req.Amount)
}

func (g *Gateway) handleAuctionResults(ctx context.Context, username string) error {
	results, err := g.auction.RecentResults(ctx)
	if err != nil {
		return err
	}
	g.hub.Emit(username, events.EventAuctionResults, results)
	return nil
}

func (g *Gateway) handleAddToVault(ctx context.Context, username string, raw json.RawMessage) error {
	var req AddToVaultRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	_, err := g.ledger.CreditVault(ctx, username, req.Amount, time.UnixMilli(req.Timestamp))
	return err
}

func (g *Gateway) handleDeductFromVault(ctx context.Context, username string, raw json.RawMessage) error {
	var req DeductFromVaultRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	_, err := g.ledger.DebitVault(ctx, username, req.Amount)
	return err
}

func (g *Gateway) handleVaultBalance(ctx context.Context, username string) error {
	bal, err := g.ledger.VaultBalance(ctx, username)
	if err != nil {
		return err
	}
	g.hub.Emit(username, events.EventVaultBalance, map[string]decimal.Decimal{"balance": bal})
	return nil
}

func (g *Gateway) handleAttack(ctx context.Context, username string, raw json.RawMessage) error {
	var req AttackRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	_, err := g.combat.ResolveAttack(ctx, username, req.Target)
	return err
}

func (g *Gateway) handleUserResources(ctx context.Context, username string) error {
	u, err := g.ledger.Get(ctx, username)
	if err != nil {
		return err
	}
	g.hub.Emit(username, events.EventUpdateResources, ledger.ResourceUpdate{
		Username:  username,
		Resources: u.Resources,
	})
	return nil
}

func (g *Gateway) handleRoverCounts(ctx context.Context, username string) error {
	u, err := g.ledger.Get(ctx, username)
	if err != nil {
		return err
	}
	g.hub.Emit(username, events.EventRoverCounts, u.Rovers)
	return nil
}

func (g *Gateway) handleGuardianCounts(ctx context.Context, username string) error {
	u, err := g.ledger.Get(ctx, username)
	if err != nil {
		return err
	}
	g.hub.Emit(username, events.EventGuardianCounts, u.Guardians)
	return nil
}

func (g *Gateway) handleUpdateRanking(ctx context.Context, username string) error {
	return g.board.RecordActivity(ctx, username, 0, 0, 0)
}

func (g *Gateway) handleAllUsers(ctx context.Context, username string) error {
	names, err := g.ledger.Usernames(ctx)
	if err != nil {
		return err
	}
	g.hub.Emit(username, events.EventAllUsers, names)
	return nil
}

func (g *Gateway) handleTopUsers(ctx context.Context, username string) error {
	entries, err := g.board.TopUsers(ctx, leaderboard.DefaultTopLimit)
	if err != nil {
		return err
	}
	g.hub.Emit(username, events.EventTopUsers, entries)
	return nil
}

// handleChat relays a chat line to everybody, stamped with the sender.
func (g *Gateway) handleChat(username string, raw json.RawMessage) error {
	var req ChatRequest
	if err := decodePayload(raw, &req); err != nil {
		return err
	}
	g.hub.Broadcast(events.EventChatMessage, ChatMessage{
		Username: username,
		Text:     req.Text,
		SentAt:   time.Now().UTC(),
	})
	return nil
}

// ChatMessage is the broadcast payload for relayed chat lines.
type ChatMessage struct {
	Username string    `json:"username"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

func (g *Gateway) popupError(username, message string) {
	g.hub.Emit(username, events.EventPopup, events.PopupPayload{
		Message: message,
		Type:    events.PopupError,
	})
}

// userMessage maps engine errors to short client-facing strings. Unexpected
// errors are masked.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCoins),
		errors.Is(err, loan.ErrInsufficientCoins),
		errors.Is(err, auction.ErrInsufficientCoins),
		errors.Is(err, combat.ErrInsufficientCoins):
		return "not enough coins"
	case errors.Is(err, store.ErrInsufficientVault):
		return "not enough in the vault"
	case errors.Is(err, auction.ErrAlreadyBid):
		return "you already placed a bid this round"
	case errors.Is(err, loan.ErrInsufficientCollateral):
		return "not enough collateral pledged"
	case errors.Is(err, loan.ErrInsufficientResources):
		return "not enough resources to pledge"
	case errors.Is(err, loan.ErrSuperRepayBlocked):
		return "super-collateral loans repay automatically from your vault"
	case errors.Is(err, loan.ErrNotUnstakeable):
		return "loan is not fully repaid yet"
	case errors.Is(err, loan.ErrLoanNotFound):
		return "loan not found"
	case errors.Is(err, combat.ErrSelfAttack):
		return "you cannot attack your own colony"
	default:
		var badReq *BadRequestError
		if errors.As(err, &badReq) {
			return badReq.Error()
		}
		return "request failed"
	}
}

// --- HTTP read views ---

// Routes mounts the gateway's HTTP endpoints on a chi router.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/ws", g.hub.HandleWS)
	r.Get("/leaderboard", g.HandleLeaderboard)
	r.Get("/auction", g.HandleAuction)
	r.Get("/auction/results", g.HandleAuctionResults)
	r.Get("/users", g.HandleUsers)
	r.Get("/users/{username}", g.HandleUser)
}

// HandleLeaderboard serves GET /leaderboard?limit=N.
func (g *Gateway) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := leaderboard.DefaultTopLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := g.board.TopUsers(r.Context(), limit)
	if err != nil {
		g.logger.Error("leaderboard query failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HandleAuction serves the current round snapshot.
func (g *Gateway) HandleAuction(w http.ResponseWriter, r *http.Request) {
	round, err := g.auction.Snapshot()
	if err != nil {
		writeError(w, "no active auction", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// HandleAuctionResults serves the recent settlement history.
func (g *Gateway) HandleAuctionResults(w http.ResponseWriter, r *http.Request) {
	results, err := g.auction.RecentResults(r.Context())
	if err != nil {
		g.logger.Error("auction results query failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// HandleUsers lists all known usernames.
func (g *Gateway) HandleUsers(w http.ResponseWriter, r *http.Request) {
	names, err := g.ledger.Usernames(r.Context())
	if err != nil {
		g.logger.Error("user list query failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usernames": names})
}

// HandleUser serves one user's full state.
func (g *Gateway) HandleUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	u, err := g.ledger.Get(r.Context(), username)
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
