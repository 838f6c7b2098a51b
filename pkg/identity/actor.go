package identity

import (
	"fmt"

	"gorm.io/gorm"
)

// Actor is the ownership key for carts, favorites and orders: an
// authenticated user or a guest token, never both.
type Actor struct {
	UserID     uint
	GuestToken string
	Admin      bool
}

func User(id uint, admin bool) Actor {
	return Actor{UserID: id, Admin: admin}
}

func Guest(token string) Actor {
	return Actor{GuestToken: token}
}

func (a Actor) IsGuest() bool {
	return a.UserID == 0
}

func (a Actor) IsZero() bool {
	return a.UserID == 0 && a.GuestToken == ""
}

func (a Actor) String() string {
	if a.IsGuest() {
		return "guest:" + a.GuestToken
	}
	return fmt.Sprintf("user:%d", a.UserID)
}

// Scope restricts a query to rows owned by the actor. Use it with db.Scopes.
func (a Actor) Scope(db *gorm.DB) *gorm.DB {
	if !a.IsGuest() {
		return db.Where("user_id = ?", a.UserID)
	}
	return db.Where("guest_token = ? AND user_id IS NULL", a.GuestToken)
}

// Owner returns the owner column values for a new row.
func (a Actor) Owner() (*uint, *string) {
	if !a.IsGuest() {
		id := a.UserID
		return &id, nil
	}
	token := a.GuestToken
	return nil, &token
}

// Owns reports an exact ownership match against a row's owner columns.
func (a Actor) Owns(userID *uint, guestToken *string) bool {
	if a.IsZero() {
		return false
	}
	if !a.IsGuest() {
		return userID != nil && *userID == a.UserID
	}
	return userID == nil && guestToken != nil && *guestToken == a.GuestToken
}
