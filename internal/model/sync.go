package model

import "time"

type MessageStatus string

const (
	MessageStatusPending  MessageStatus = "PENDING"
	MessageStatusResolved MessageStatus = "RESOLVED"
	MessageStatusFailed   MessageStatus = "FAILED"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// SyncMessage is a message a device sent to the central authority.
type SyncMessage struct {
	ID             string        `json:"id" gorm:"primaryKey;size:36"`
	ClientID       string        `json:"client_id" gorm:"index;size:64;not null"`
	MessageType    string        `json:"message_type" gorm:"size:32;not null"`
	Subject        string        `json:"subject"`
	Content        string        `json:"content" gorm:"type:text"`
	Priority       Priority      `json:"priority" gorm:"size:8"`
	Status         MessageStatus `json:"status" gorm:"size:16;index"`
	ActorID        uint          `json:"actor_id"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// QueueEntry is one envelope of a client's offline queue. The auto-increment
// ID gives the FIFO order inside a client; Ref is the public identifier.
type QueueEntry struct {
	ID          uint          `json:"-" gorm:"primaryKey"`
	Ref         string        `json:"id" gorm:"uniqueIndex;size:36;not null"`
	ClientID    string        `json:"client_id" gorm:"index;size:64;not null"`
	MessageType string        `json:"message_type" gorm:"size:32;not null"`
	Payload     string        `json:"payload" gorm:"type:text"`
	Priority    Priority      `json:"priority" gorm:"size:8"`
	Status      MessageStatus `json:"status" gorm:"size:16;index"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
