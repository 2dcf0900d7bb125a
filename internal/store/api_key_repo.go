package store

import (
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// APIKeyRepo reads the externally-owned api_keys table and relays the
// currently-active key back into an AgentRecord when the two drift.
type APIKeyRepo interface {
	LatestActiveAPIKey(userID int64) (*ApiKey, error)
	SyncAPIKey(userID int64, agentID string)
}

type apiKeyRepo struct {
	db     *gorm.DB
	agents AgentRepo
	logger zerolog.Logger
}

func NewAPIKeyRepo(db *gorm.DB, agents AgentRepo, logger zerolog.Logger) APIKeyRepo {
	return &apiKeyRepo{db: db, agents: agents, logger: logger}
}

func (r *apiKeyRepo) LatestActiveAPIKey(userID int64) (*ApiKey, error) {
	var key ApiKey
	err := r.db.Where("user_id = ? AND is_active = ?", userID, true).
		Order("updated_at DESC").
		First(&key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// SyncAPIKey copies the latest active key for userID into agentID's
// AgentRecord. It runs fire-and-forget in its own goroutine, mirroring the
// auth middleware's background reconciliation on key mismatch.
func (r *apiKeyRepo) SyncAPIKey(userID int64, agentID string) {
	go func() {
		key, err := r.LatestActiveAPIKey(userID)
		if err != nil || key == nil {
			if err != nil {
				r.logger.Warn().Err(err).Int64("userId", userID).Msg("api key sync: lookup failed")
			}
			return
		}

		rec, err := r.agents.GetAgent(userID, agentID)
		if err != nil || rec == nil {
			return
		}

		if err := r.agents.SetStatus(userID, agentID, rec.Status, StatusExtras{}); err != nil {
			r.logger.Warn().Err(err).Str("agentId", agentID).Msg("api key sync: status touch failed")
		}
		if err := r.db.Model(&AgentRecord{}).
			Where("user_id = ? AND agent_id = ?", userID, agentID).
			Update("api_key", key.AccessToken).Error; err != nil {
			r.logger.Warn().Err(err).Str("agentId", agentID).Msg("api key sync: update failed")
		}
	}()
}
