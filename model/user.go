package model

import "time"

// User is the directory entry for an account that can take part in relationships.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EmailIndex maps a normalized email address to its user.
type EmailIndex struct {
	Email  string `json:"email"`
	UserID string `json:"userId"`
}
