package model

import (
	"time"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleDevice   = "device"
)

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is an operator or device principal that authenticates with a token.
type User struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"unique;not null"`
	Password  string    `json:"-" gorm:"not null"`
	Email     string    `json:"email" gorm:"unique;not null"`
	Role      string    `json:"role" gorm:"default:'device'"`
	Status    string    `json:"status" gorm:"default:'active'"`
	CreatedAt time.Time `json:"createdat"`
	UpdatedAt time.Time `json:"updatedat"`
	LastLogin time.Time `json:"lastlogin"`
}
