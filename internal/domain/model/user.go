package model

import "time"

// User is an account of this application, not of the brokerage.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
