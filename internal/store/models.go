// Package store holds the GORM-backed persistence layer: the AgentRecord
// table the session supervisor reads and writes, and the externally-owned
// ApiKey table it only ever reads.
package store

import "time"

// AgentRecord is the durable row behind one agent's WhatsApp session. Its
// primary key is the (UserID, AgentID) pair; a user may run several agents.
type AgentRecord struct {
	UserID         int64     `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	AgentID        string    `gorm:"column:agent_id;primaryKey"`
	AgentName      string    `gorm:"column:agent_name"`
	APIKey         string    `gorm:"column:api_key"`
	EndpointURLRun *string   `gorm:"column:endpoint_url_run"`
	Status         string    `gorm:"column:status"`
	LastConnectedAt    *time.Time `gorm:"column:last_connected_at"`
	LastDisconnectedAt *time.Time `gorm:"column:last_disconnected_at"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (AgentRecord) TableName() string {
	return "agents"
}

// Status values an AgentRecord can hold.
const (
	StatusAwaitingQR  = "awaiting_qr"
	StatusConnected   = "connected"
	StatusDisconnected = "disconnected"
	StatusAuthFailed  = "auth_failed"
)

// ApiKey is externally owned (provisioned by the surrounding product, not
// this gateway); the gateway only ever reads it to resolve the current
// bearer token for a user's agents.
type ApiKey struct {
	UserID      int64     `gorm:"column:user_id"`
	AccessToken string    `gorm:"column:access_token"`
	IsActive    bool      `gorm:"column:is_active"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (ApiKey) TableName() string {
	return "api_keys"
}
