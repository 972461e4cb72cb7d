// Package types holds the core data model shared across worker
// components: stored messages, groups, members, queued
// messages, and the failure-code taxonomy.
package types

// PayloadType enumerates the application payload's `type` field.
type PayloadType string

const (
	PayloadAnnounce      PayloadType = "announce"
	PayloadBroadcast     PayloadType = "broadcast"
	PayloadTask          PayloadType = "task"
	PayloadResult        PayloadType = "result"
	PayloadGroupMessage  PayloadType = "group_message"
	PayloadPing          PayloadType = "_ping"
)

// Payload is the parsed interpretation of an event's content.
type Payload struct {
	Type PayloadType `json:"type"`
	From string      `json:"from,omitempty"`
	To   string      `json:"to,omitempty"`
	TS   int64       `json:"ts"`
	Data any         `json:"data,omitempty"`
	Text string      `json:"text,omitempty"`
	// Nonce, when present, feeds the replay window (H5) in addition to
	// the event id.
	Nonce string `json:"nonce,omitempty"`
}

// StoredMessage is one line of the local message log.
type StoredMessage struct {
	ID             string `json:"id"`
	From           string `json:"from"`
	Content        any    `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	ReceivedAt     int64  `json:"receivedAt"`
	IsGroup        bool   `json:"isGroup"`
	GroupID        string `json:"groupId,omitempty"`
	SignatureValid *bool  `json:"signatureValid"`
}

// GroupHistoryRecord is a StoredMessage plus the time it was saved to
// the per-group history file.
type GroupHistoryRecord struct {
	StoredMessage
	SavedAt int64 `json:"savedAt"`
}

// Role is a group member's permission level.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Member is one participant's state within a Group.
type Member struct {
	PubKey     string `json:"pubkey"`
	Role       Role   `json:"role"`
	JoinedAt   int64  `json:"joinedAt"`
	LastSeen   int64  `json:"lastSeen"`
	IsMuted    bool   `json:"isMuted"`
	MutedUntil int64  `json:"mutedUntil"`
	IsBanned   bool   `json:"isBanned"`
}

// GroupSettings configures one Group's access policy.
type GroupSettings struct {
	IsPublic      bool `json:"isPublic"`
	AllowInvite   bool `json:"allowInvite"`
	HistoryVisible bool `json:"historyVisible"`
}

// Group is the full state of one logical channel.
type Group struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Topic     string            `json:"topic"`
	Owner     string            `json:"owner,omitempty"`
	Members   map[string]*Member `json:"members"`
	CreatedAt int64             `json:"createdAt"`
	Settings  GroupSettings     `json:"settings"`
}

// QueuedMessageType distinguishes a direct send from a group send in
// the retry queue.
type QueuedMessageType string

const (
	QueuedSend      QueuedMessageType = "send"
	QueuedGroupSend QueuedMessageType = "group_send"
)

// QueuedMessage is one durable entry in the offline retry queue.
type QueuedMessage struct {
	ID          string            `json:"id"`
	Type        QueuedMessageType `json:"type"`
	Target      string            `json:"target"`
	Content     string            `json:"content"`
	RetryCount  int               `json:"retryCount"`
	CreatedAt   int64             `json:"createdAt"`
	NextRetryAt int64             `json:"nextRetryAt"`
	LastError   string            `json:"lastError,omitempty"`
	Topic       string            `json:"topic,omitempty"`
}

// FaultCode is the stable machine-readable code surfaced in command
// results.
type FaultCode string

const (
	CodeServiceNotRunning      FaultCode = "SERVICE_NOT_RUNNING"
	CodeServiceAlreadyRunning  FaultCode = "SERVICE_ALREADY_RUNNING"
	CodeServiceStartFailed     FaultCode = "SERVICE_START_FAILED"
	CodeServiceStopFailed      FaultCode = "SERVICE_STOP_FAILED"
	CodeNetworkDisconnected    FaultCode = "NETWORK_DISCONNECTED"
	CodeNetworkSendFailed      FaultCode = "NETWORK_SEND_FAILED"
	CodeRelayAllFailed         FaultCode = "RELAY_ALL_FAILED"
	CodeInvalidArgs            FaultCode = "INVALID_ARGS"
	CodeInvalidPubkey          FaultCode = "INVALID_PUBKEY"
	CodeInvalidSignature       FaultCode = "INVALID_SIGNATURE"
	CodeGroupNotFound          FaultCode = "GROUP_NOT_FOUND"
	CodeGroupAlreadyExists     FaultCode = "GROUP_ALREADY_EXISTS"
	CodeNotGroupOwner          FaultCode = "NOT_GROUP_OWNER"
	CodeMemberNotFound         FaultCode = "MEMBER_NOT_FOUND"
	CodeMemberBanned           FaultCode = "MEMBER_BANNED"
	CodeMemberMuted            FaultCode = "MEMBER_MUTED"
	CodeMessageExpired         FaultCode = "MESSAGE_EXPIRED"
	CodeMessageRetryExhausted  FaultCode = "MESSAGE_RETRY_EXHAUSTED"
	CodeFileError              FaultCode = "FILE_ERROR"
	CodeLockTimeout            FaultCode = "LOCK_TIMEOUT"
	CodeUnknownCommand         FaultCode = "UNKNOWN_COMMAND"
	CodeInternalError          FaultCode = "INTERNAL_ERROR"
	CodeRateLimited            FaultCode = "RATE_LIMITED"
)

// Suggestion returns the canonical recovery hint for a code.
func Suggestion(code FaultCode) string {
	switch code {
	case CodeServiceNotRunning:
		return "run start"
	case CodeServiceAlreadyRunning:
		return "the worker is already running; use status to check"
	case CodeNetworkDisconnected, CodeRelayAllFailed:
		return "check relay connectivity with relay-status"
	case CodeGroupNotFound:
		return "use groups to list known groups"
	case CodeMemberBanned:
		return "this pubkey has been banned from the group"
	case CodeMemberMuted:
		return "wait for the mute to expire or ask an admin to unmute"
	case CodeMessageRetryExhausted:
		return "the message could not be delivered after the configured retries"
	case CodeLockTimeout:
		return "retry the command; the worker holds the lock briefly per poll cycle"
	case CodeRateLimited:
		return "slow down; the command channel enforces a global rate limit"
	default:
		return ""
	}
}

// Fault is an incident surfaced to the command that triggered it.
type Fault struct {
	Code    FaultCode
	Message string
}

func (f *Fault) Error() string { return string(f.Code) + ": " + f.Message }

// NewFault builds a Fault with the given code and message.
func NewFault(code FaultCode, message string) *Fault {
	return &Fault{Code: code, Message: message}
}
