package model

import "time"

// Message is a user-created content item inside a conversation.
// Messages are archived, never hard-deleted, when a friendship ends.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"createdAt"`
	Deleted        bool       `json:"deleted"`
	Archived       bool       `json:"archived"`
	ArchivedAt     *time.Time `json:"archivedAt,omitempty"`
}
