package model

import "time"

// RelationshipStatus is the persisted status of a canonical relationship.
// "No relationship" is never persisted; it is the absence of the record.
type RelationshipStatus string

const (
	StatusPending  RelationshipStatus = "pending"
	StatusAccepted RelationshipStatus = "accepted"
	StatusBlocked  RelationshipStatus = "blocked"
)

// Valid reports whether s is one of the persisted statuses.
func (s RelationshipStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusBlocked:
		return true
	}
	return false
}

// MirrorRole is the owner's side of a relationship as seen from its mirror.
type MirrorRole string

const (
	RoleInitiator MirrorRole = "initiator"
	RoleRecipient MirrorRole = "recipient"
	RoleBlocker   MirrorRole = "blocker"
	RoleBlocked   MirrorRole = "blocked"
)

// Relationship is the canonical record, one per unordered user pair.
// UserA < UserB always holds.
type Relationship struct {
	Key       string             `json:"key"`
	UserA     string             `json:"userA"`
	UserB     string             `json:"userB"`
	Status    RelationshipStatus `json:"status"`
	Initiator string             `json:"initiator"`
	BlockedBy string             `json:"blockedBy,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Other returns the participant that is not userID.
func (r *Relationship) Other(userID string) string {
	if r.UserA == userID {
		return r.UserB
	}
	return r.UserA
}

// HasParticipant reports whether userID is one of the two parties.
func (r *Relationship) HasParticipant(userID string) bool {
	return userID != "" && (r.UserA == userID || r.UserB == userID)
}

// Mirror is a per-owner denormalized copy of a Relationship, used to list
// an owner's relationships without a fan-out query.
type Mirror struct {
	OwnerID         string             `json:"ownerId"`
	OtherUserID     string             `json:"otherUserId"`
	RelationshipKey string             `json:"relationshipKey"`
	Status          RelationshipStatus `json:"status"`
	Role            MirrorRole         `json:"role"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Conversation is the chat resource derived from an accepted relationship.
type Conversation struct {
	ID             string    `json:"id"`
	Participants   []string  `json:"participants"`
	CreatedAt      time.Time `json:"createdAt"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	IsActive       bool      `json:"isActive"`
	ExpirationDays *int      `json:"expirationDays"`
}

// FriendshipEventAction names a completed transition recorded in the audit trail.
type FriendshipEventAction string

const (
	EventUnfriend FriendshipEventAction = "unfriend"
	EventUnblock  FriendshipEventAction = "unblock"
)

// FriendshipEvent is an append-only record of a completed transition.
type FriendshipEvent struct {
	ID              string                `json:"id"`
	RelationshipKey string                `json:"relationshipKey"`
	Action          FriendshipEventAction `json:"action"`
	InitiatorID     string                `json:"initiatorId"`
	TargetID        string                `json:"targetId"`
	Timestamp       time.Time             `json:"timestamp"`
}
