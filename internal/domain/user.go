package domain

import "time"

// UserStatus represents lifecycle states for an account.
type UserStatus string

const (
	UserStatusActive    UserStatus = "ACTIVE"
	UserStatusSuspended UserStatus = "SUSPENDED"
)

// User is an account that can log in and receive tokens.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SubjectID is the value written to the user id claim of issued tokens.
func (u *User) SubjectID() any {
	return u.ID
}

// Active reports whether the account may log in or refresh.
func (u *User) Active() bool {
	return u.Status == UserStatusActive
}
