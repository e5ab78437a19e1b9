package model

import "time"

// Notification is an alert in a client's inbox at the central authority.
type Notification struct {
	ID        string     `json:"id" gorm:"primaryKey;size:36"`
	ClientID  string     `json:"client_id" gorm:"index;size:64"`
	Kind      string     `json:"kind" gorm:"size:32"`
	Title     string     `json:"title"`
	Body      string     `json:"body" gorm:"type:text"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"index"`
}
