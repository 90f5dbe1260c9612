package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/superseed-odyssey/colony-engine/internal/econ"
	"github.com/superseed-odyssey/colony-engine/internal/model"
)

// Inbound message types. One frame per client action; the type tag selects
// the payload struct below.
const (
	MsgMineResource      = "mine_resource"
	MsgGetUserData       = "get_user_data"
	MsgPurchaseGuardian  = "purchase_guardian"
	MsgPurchaseRover     = "purchase_rover"
	MsgBorrow            = "borrow"
	MsgRepay             = "repay"
	MsgUnstake           = "unstake"
	MsgPlaceBid          = "place_bid"
	MsgGetAuctionResults = "get_auction_results"
	MsgAddToVault        = "add_to_vault"
	MsgDeductFromVault   = "deduct_from_vault"
	MsgGetVaultBalance   = "get_vault_balance"
	MsgAttackUser        = "attack_user"
	MsgDeductSearchFee   = "deduct_search_fee"
	MsgGetUserResources  = "get_user_resources"
	MsgGetRoverCounts    = "get_rover_counts"
	MsgGetGuardianCounts = "get_user_guardians"
	MsgGetAllUsers       = "get_all_users"
	MsgGetTopUsers       = "get_top_users"
	MsgUpdateRanking     = "update_ranking"
	MsgChatMessage       = "chat_message"
)

// inboundFrame is the outer shape of every client frame. The payload is
// decoded a second time once the type is known.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// BadRequestError marks a frame rejected before reaching any engine. Its
// text is safe to echo back to the client.
type BadRequestError struct {
	msg string
}

func (e *BadRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &BadRequestError{msg: fmt.Sprintf(format, args...)}
}

// MineRequest mines a resource into the caller's colony.
type MineRequest struct {
	ResourceType string `json:"resource_type"`
	Amount       int64  `json:"amount"`
}

func (r MineRequest) Validate() error {
	if !econ.ValidResourceType(r.ResourceType) {
		return badRequest("unknown resource type %q", r.ResourceType)
	}
	if r.Amount <= 0 {
		return badRequest("amount must be positive")
	}
	return nil
}

// PurchaseGuardianRequest buys one guardian unit at the server price.
type PurchaseGuardianRequest struct {
	GuardianType string `json:"guardian_type"`
}

func (r PurchaseGuardianRequest) Validate() error {
	if _, err := econ.GuardianPrice(r.GuardianType); err != nil {
		return badRequest("unknown guardian type %q", r.GuardianType)
	}
	return nil
}

// PurchaseRoverRequest buys one mining rover at the server price.
type PurchaseRoverRequest struct {
	RoverType string `json:"rover_type"`
}

func (r PurchaseRoverRequest) Validate() error {
	if _, err := econ.RoverPrice(r.RoverType); err != nil {
		return badRequest("unknown rover type %q", r.RoverType)
	}
	return nil
}

// TakeLoanRequest opens a loan against pledged resources.
type TakeLoanRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Mode       string          `json:"mode"`
	Collateral struct {
		Gold     int64 `json:"gold"`
		Platinum int64 `json:"platinum"`
		Iron     int64 `json:"iron"`
	} `json:"collateral"`
}

func (r TakeLoanRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return badRequest("amount must be positive")
	}
	switch model.LoanMode(r.Mode) {
	case model.LoanModeNormal, model.LoanModeSuper:
	default:
		return badRequest("unknown loan mode %q", r.Mode)
	}
	if r.Collateral.Gold < 0 || r.Collateral.Platinum < 0 || r.Collateral.Iron < 0 {
		return badRequest("collateral amounts must not be negative")
	}
	return nil
}

// RepayLoanRequest repays one loan in full.
type RepayLoanRequest struct {
	LoanID string `json:"loan_id"`
}

func (r RepayLoanRequest) Validate() error {
	if r.LoanID == "" {
		return badRequest("loan_id is required")
	}
	return nil
}

// UnstakeLoanRequest reclaims collateral from a fully repaid super loan.
type UnstakeLoanRequest struct {
	LoanID string `json:"loan_id"`
}

func (r UnstakeLoanRequest) Validate() error {
	if r.LoanID == "" {
		return badRequest("loan_id is required")
	}
	return nil
}

// PlaceBidRequest enters the current auction round.
type PlaceBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (r PlaceBidRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return badRequest("bid amount must be positive")
	}
	return nil
}

// AddToVaultRequest credits the caller's vault. Timestamp is the client's
// event time in unix milliseconds and doubles as the idempotency key.
type AddToVaultRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

func (r AddToVaultRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return badRequest("amount must be positive")
	}
	if r.Timestamp <= 0 {
		return badRequest("timestamp is required")
	}
	return nil
}

// DeductFromVaultRequest debits the caller's vault.
type DeductFromVaultRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (r DeductFromVaultRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return badRequest("amount must be positive")
	}
	return nil
}

// AttackRequest launches a raid against another colony.
type AttackRequest struct {
	Target string `json:"target"`
}

func (r AttackRequest) Validate() error {
	if r.Target == "" {
		return badRequest("target is required")
	}
	return nil
}

// ChatRequest relays a chat line to every connected client.
type ChatRequest struct {
	Text string `json:"text"`
}

const maxChatLen = 500

func (r ChatRequest) Validate() error {
	if r.Text == "" {
		return badRequest("text is required")
	}
	if len(r.Text) > maxChatLen {
		return badRequest("text exceeds %d bytes", maxChatLen)
	}
	return nil
}

// decodePayload unmarshals a frame payload into dst and validates it.
func decodePayload(raw json.RawMessage, dst interface{ Validate() error }) error {
	if len(raw) == 0 {
		return badRequest("missing payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return badRequest("malformed payload")
	}
	return dst.Validate()
}
