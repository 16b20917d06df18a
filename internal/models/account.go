package models

import "time"

// AccountBalance is the materialized credit balance of one user.
// Balance always equals TotalGranted minus TotalUsed.
type AccountBalance struct {
	UserID       string    `json:"userId" db:"user_id"`
	Balance      int64     `json:"balance" db:"balance"`
	TotalGranted int64     `json:"totalGranted" db:"total_granted"`
	TotalUsed    int64     `json:"totalUsed" db:"total_used"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}
