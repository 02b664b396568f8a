// Package users is the user directory the relationship service resolves
// request targets against.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/relation"
	"github.com/kasuganosora/friendsync/store"
)

const (
	CollectionUsers  = "users"
	CollectionEmails = "user_emails"
)

var (
	ErrNotFound      = errors.New("users: not found")
	ErrAlreadyExists = errors.New("users: id or email already registered")
	ErrInvalidEmail  = errors.New("users: invalid email")
)

// Directory stores users and a unique email index in the Record Store.
type Directory struct {
	store store.Store
	now   func() time.Time
}

// NewDirectory creates a Directory over s.
func NewDirectory(s store.Store) *Directory {
	return &Directory{store: s, now: time.Now}
}

func userRef(id string) store.Ref { return store.Ref{Collection: CollectionUsers, Key: id} }

func emailRef(email string) store.Ref { return store.Ref{Collection: CollectionEmails, Key: email} }

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates u and claims its email in one transaction.
func (d *Directory) Register(ctx context.Context, u model.User) (*model.User, error) {
	if err := relation.ValidateUserID(u.ID); err != nil {
		return nil, err
	}
	u.Email = NormalizeEmail(u.Email)
	if u.Email != "" && !strings.Contains(u.Email, "@") {
		return nil, ErrInvalidEmail
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = d.now().UTC()
	}

	err := d.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.Get(ctx, userRef(u.ID))
		if err != nil {
			return err
		}
		if existing.Exists {
			return ErrAlreadyExists
		}
		if u.Email != "" {
			claimed, err := tx.Get(ctx, emailRef(u.Email))
			if err != nil {
				return err
			}
			if claimed.Exists {
				return ErrAlreadyExists
			}
		}

		w, err := store.SetJSON(userRef(u.ID), &u)
		if err != nil {
			return err
		}
		tx.Set(w.Ref, w.Data)
		if u.Email != "" {
			w, err := store.SetJSON(emailRef(u.Email), &model.EmailIndex{Email: u.Email, UserID: u.ID})
			if err != nil {
				return err
			}
			tx.Set(w.Ref, w.Data)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("users: register %s: %w", u.ID, err)
	}
	return &u, nil
}

// Get returns the user with id.
func (d *Directory) Get(ctx context.Context, id string) (*model.User, error) {
	snap, err := d.store.Get(ctx, userRef(id))
	if err != nil {
		return nil, fmt.Errorf("users: get %s: %w", id, err)
	}
	if !snap.Exists {
		return nil, ErrNotFound
	}
	var u model.User
	if err := snap.Decode(&u); err != nil {
		return nil, fmt.Errorf("users: decode %s: %w", id, err)
	}
	return &u, nil
}

// Resolve maps an email address or a user id to an existing user id.
func (d *Directory) Resolve(ctx context.Context, emailOrID string) (string, bool, error) {
	if strings.Contains(emailOrID, "@") {
		snap, err := d.store.Get(ctx, emailRef(NormalizeEmail(emailOrID)))
		if err != nil {
			return "", false, fmt.Errorf("users: resolve email: %w", err)
		}
		if !snap.Exists {
			return "", false, nil
		}
		var idx model.EmailIndex
		if err := snap.Decode(&idx); err != nil {
			return "", false, fmt.Errorf("users: decode email index: %w", err)
		}
		return idx.UserID, true, nil
	}
	if relation.ValidateUserID(emailOrID) != nil {
		return "", false, nil
	}
	_, err := d.Get(ctx, emailOrID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return emailOrID, true, nil
}
