package moderation

import "time"

// ActionType identifies which moderation relationship an entry tracks.
type ActionType string

const (
	ActionBlock ActionType = "block"
	ActionMute  ActionType = "mute"
)

// ActionTypes returns both tracked action types, blocks first.
func ActionTypes() []ActionType {
	return []ActionType{ActionBlock, ActionMute}
}

// Verb returns the history action string for applying or reversing
// this action type ("blocked", "unblocked", "muted", "unmuted").
func (a ActionType) Verb(reversed bool) string {
	switch a {
	case ActionBlock:
		if reversed {
			return "unblocked"
		}
		return "blocked"
	case ActionMute:
		if reversed {
			return "unmuted"
		}
		return "muted"
	}
	return string(a)
}

// Trigger records what caused a history event.
type Trigger string

const (
	TriggerManual            Trigger = "manual"
	TriggerAutoExpire        Trigger = "auto_expire"
	TriggerExternallyRemoved Trigger = "externally_removed"
)

// TempEntry is a time-bounded moderation entry, keyed by DID per action type.
// Entries are created with a duration and deleted when reversed; the only
// permitted mutation is refreshing ExpiresAt when the same account is
// re-moderated.
type TempEntry struct {
	DID       string    `json:"did"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// RKey is the record key of the remote block record, when known.
	// Mutes are procedure-based and have no record key. Entries created
	// before record keys were tracked may also lack one; reversal then
	// falls back to a listing scan.
	RKey string `json:"rkey,omitempty"`
}

// Expired reports whether the entry's timer has lapsed at the given time.
func (e TempEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// ViewerState caches the relationship between the signed-in user and an
// account, as reported by the remote API.
type ViewerState struct {
	BlockedBy  bool `json:"blockedBy,omitempty"`
	Following  bool `json:"following,omitempty"`
	FollowedBy bool `json:"followedBy,omitempty"`
	Muted      bool `json:"muted,omitempty"`
}

// PermEntry caches a remote moderation entry that is not tracked as
// temporary. A DID present in the temporary set for a given action type
// must never appear in the permanent set for that type.
type PermEntry struct {
	DID         string       `json:"did"`
	Handle      string       `json:"handle"`
	DisplayName string       `json:"displayName,omitempty"`
	Avatar      string       `json:"avatar,omitempty"`
	CreatedAt   *time.Time   `json:"createdAt,omitempty"`
	LastSynced  time.Time    `json:"lastSynced"`
	RKey        string       `json:"rkey,omitempty"`
	Viewer      *ViewerState `json:"viewer,omitempty"`
}

// HistoryEntry is one row of the append-only action history.
type HistoryEntry struct {
	DID       string        `json:"did"`
	Handle    string        `json:"handle"`
	Action    string        `json:"action"` // blocked, unblocked, muted, unmuted
	Timestamp time.Time     `json:"timestamp"`
	Trigger   Trigger       `json:"trigger"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// PostContext records why an account was moderated: a post by the target
// that interacts with the signed-in user. Guessed entries were discovered
// after the fact by the context pipeline rather than captured at the
// moment of action.
type PostContext struct {
	PostURI       string     `json:"postUri"`
	PostAuthorDID string     `json:"postAuthorDid"`
	PostText      string     `json:"postText,omitempty"`
	PostCreatedAt time.Time  `json:"postCreatedAt"`
	TargetDID     string     `json:"targetDid"`
	TargetHandle  string     `json:"targetHandle,omitempty"`
	Action        ActionType `json:"action"`
	Permanent     bool       `json:"permanent"`
	CapturedAt    time.Time  `json:"capturedAt"`
	Guessed       bool       `json:"guessed"`
}

// SyncState tracks the reconciler's progress. InProgress is the single
// concurrency guard for full syncs and is forced false at startup so a
// crash mid-sync cannot wedge the component.
type SyncState struct {
	LastBlockSync time.Time `json:"lastBlockSync,omitzero"`
	LastMuteSync  time.Time `json:"lastMuteSync,omitzero"`
	InProgress    bool      `json:"inProgress"`
	LastError     string    `json:"lastError,omitempty"`
}

// Relationship tags an account in the social graph snapshot.
type Relationship string

const (
	RelFollowing Relationship = "following"
	RelFollower  Relationship = "follower"
	RelMutual    Relationship = "mutual"
)

// GraphAccount is one account in the social graph snapshot.
type GraphAccount struct {
	DID          string       `json:"did"`
	Handle       string       `json:"handle"`
	Relationship Relationship `json:"relationship"`
}

// SocialGraph is the user's follows and followers, fully replaced on each
// audit run.
type SocialGraph struct {
	Accounts []GraphAccount `json:"accounts"`
	SyncedAt time.Time      `json:"syncedAt"`
}

// ModList describes one subscribed moderation list.
type ModList struct {
	URI         string    `json:"uri"`
	Name        string    `json:"name"`
	OwnerDID    string    `json:"ownerDid"`
	OwnerHandle string    `json:"ownerHandle,omitempty"`
	MemberCount int       `json:"memberCount"`
	SyncedAt    time.Time `json:"syncedAt"`
}

// ConflictMember is a followed or following account found on a subscribed
// moderation list.
type ConflictMember struct {
	DID          string       `json:"did"`
	Handle       string       `json:"handle"`
	Relationship Relationship `json:"relationship"`
}

// ConflictGroup pairs a subscribed list with the subset of its members
// that appear in the social graph. Dismissed survives re-audits; it is
// keyed by list URI, not by individual member.
type ConflictGroup struct {
	List      ModList          `json:"list"`
	Members   []ConflictMember `json:"members"`
	Dismissed bool             `json:"dismissed"`
}

// AuditState tracks the blocklist auditor's progress, with the same
// crash-recovery rule as SyncState.
type AuditState struct {
	LastAudit  time.Time `json:"lastAudit,omitzero"`
	InProgress bool      `json:"inProgress"`
	Follows    int       `json:"follows"`
	Followers  int       `json:"followers"`
	Lists      int       `json:"lists"`
	Conflicts  int       `json:"conflicts"`
	LastError  string    `json:"lastError,omitempty"`
}

// Retention caps for append-only collections. Oldest entries are dropped
// first once the cap is reached.
const (
	HistoryCap     = 200
	PostContextCap = 200
)
