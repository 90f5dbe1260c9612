// Package events defines the outbound messaging boundary the engines emit
// through. The gateway's hub is the production implementation; tests use Nop
// or a recording fake.
package events

// Notifier delivers named events either to a single user (every connection
// registered under that username) or to all connected clients.
type Notifier interface {
	// Emit sends an event to one user. Unknown or offline users are a no-op.
	Emit(username, event string, data any)

	// Broadcast sends an event to every connected client.
	Broadcast(event string, data any)
}

// Event names emitted by the engines. Inbound request names live with the
// gateway; these are the server-push vocabulary.
const (
	EventUserData             = "user_data"
	EventUserUpdate           = "user_update"
	EventUpdateResources      = "update_resources"
	EventVaultUpdate          = "vault_update"
	EventPopup                = "popup"
	EventAuctionUpdate        = "auction_update"
	EventAuctionResult        = "auction_result"
	EventAuctionPopup         = "auction_popup"
	EventAuctionError         = "auction_error"
	EventTopUsers             = "top_users"
	EventAttackResult         = "attack_result"
	EventInterestDistribution = "interest_distribution"
	EventChatMessage          = "chat_message"
	EventAllUsers             = "all_users"
	EventRoverCounts          = "rover_counts"
	EventGuardianCounts       = "guardian_counts"
	EventVaultBalance         = "vault_balance"
	EventAuctionResults       = "auction_results"
)

// Popup severities used with EventPopup and EventAuctionPopup.
const (
	PopupSuccess = "success"
	PopupError   = "error"
	PopupInfo    = "info"
	PopupWarning = "warning"
)

// PopupPayload is the body of popup-style events.
type PopupPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Nop discards all events. Useful in tests and offline tools.
type Nop struct{}

func (Nop) Emit(string, string, any) {}
func (Nop) Broadcast(string, any)    {}
