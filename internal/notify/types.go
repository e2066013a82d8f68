package notify

import "time"

// ── Destination constants ─────────────────────────────────────────────────────
// Single source of truth for broker destinations. The three inbound queues are
// private per-user destinations opened on every successful connect; call-end
// is also sent outbound, addressed to the partner.
const (
	DestMatching  = "/user/queue/matching"
	DestCallStart = "/user/queue/call-start"
	DestCallEnd   = "/user/queue/call-end"

	// Outbound send path: DestCallEndSendPrefix + partnerID.
	DestCallEndSendPrefix = "/app/call-end/"
)

// ── Notification payloads ─────────────────────────────────────────────────────

// Matching notification types.
const (
	MatchingMatched   = "matched"
	MatchingCancelled = "cancelled"
	MatchingTimeout   = "timeout"
)

// MatchedUser is the partner summary carried by a "matched" notification.
type MatchedUser struct {
	ID              string `json:"id"`
	Nickname        string `json:"nickname"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

// MatchingNotification reports the outcome of a queued match attempt.
// Ephemeral: consumed once by subscribers, never stored.
type MatchingNotification struct {
	Type        string       `json:"type"`
	MatchingID  string       `json:"matchingId,omitempty"`
	MatchedUser *MatchedUser `json:"matchedUser,omitempty"`
}

// CallStartNotification identifies one voice-call session and carries the
// credentials needed to join its audio channel. Immutable once received;
// callId+partnerId form the session identity used for deduplication.
type CallStartNotification struct {
	CallID          string `json:"callId"`
	MatchingID      string `json:"matchingId,omitempty"`
	PartnerID       string `json:"partnerId"`
	PartnerNickname string `json:"partnerNickname"`
	ChannelName     string `json:"channelName"`
	RTCToken        string `json:"rtcToken"`
	AgoraUID        string `json:"agoraUid"`
	Timestamp       int64  `json:"timestamp"`
}

// CallEndNotification is symmetric: received when the partner ends the call,
// sent to the partner when this side ends it.
type CallEndNotification struct {
	Type      string `json:"type"` // always "call_end"
	CallID    string `json:"callId"`
	PartnerID string `json:"partnerId"`
	Timestamp int64  `json:"timestamp"`
}

// CallEndType is the fixed Type value of a CallEndNotification.
const CallEndType = "call_end"

// ConnectionState is the channel's transport status. Owned exclusively by the
// Client; read-only for everyone else.
type ConnectionState struct {
	IsConnected          bool
	IsConnecting         bool
	ReconnectAttempts    int
	MaxReconnectAttempts int
	LastConnectedAt      *time.Time
}
