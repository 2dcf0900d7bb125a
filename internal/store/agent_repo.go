package store

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AgentRepo is the persistence boundary the session supervisor uses for
// AgentRecord rows, grounded on the teacher's repositories/conversation_repo.go
// shape (a small interface over *gorm.DB, one method per operation).
type AgentRepo interface {
	UpsertAgent(userID int64, agentID, agentName, apiKey string, defaultEndpoint string) (*AgentRecord, error)
	GetAgent(userID int64, agentID string) (*AgentRecord, error)
	SetStatus(userID int64, agentID, status string, extras StatusExtras) error
	ListBootstrappable() ([]AgentRecord, error)
	Delete(userID int64, agentID string) error
}

// StatusExtras carries the optional timestamp updates that accompany a
// status transition (spec's set_status "extras").
type StatusExtras struct {
	SetLastConnectedAt    bool
	SetLastDisconnectedAt bool
}

type agentRepo struct {
	db *gorm.DB
}

func NewAgentRepo(db *gorm.DB) AgentRepo {
	return &agentRepo{db: db}
}

// UpsertAgent inserts a new AgentRecord with status=awaiting_qr, or on a
// pre-existing row updates name, key, and endpoint_url_run only when it was
// previously null, per the create_or_resume contract.
func (r *agentRepo) UpsertAgent(userID int64, agentID, agentName, apiKey string, defaultEndpoint string) (*AgentRecord, error) {
	existing, err := r.GetAgent(userID, agentID)
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}

	if existing == nil {
		rec := &AgentRecord{
			UserID:         userID,
			AgentID:        agentID,
			AgentName:      agentName,
			APIKey:         apiKey,
			EndpointURLRun: &defaultEndpoint,
			Status:         StatusAwaitingQR,
		}
		err := r.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"agent_name", "api_key", "updated_at"}),
		}).Create(rec).Error
		if err != nil {
			return nil, err
		}
		return rec, nil
	}

	updates := map[string]interface{}{
		"agent_name": agentName,
		"api_key":    apiKey,
		"updated_at": time.Now(),
	}
	if existing.EndpointURLRun == nil {
		updates["endpoint_url_run"] = defaultEndpoint
	}
	if err := r.db.Model(&AgentRecord{}).
		Where("user_id = ? AND agent_id = ?", userID, agentID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	return r.GetAgent(userID, agentID)
}

func (r *agentRepo) GetAgent(userID int64, agentID string) (*AgentRecord, error) {
	var rec AgentRecord
	err := r.db.Where("user_id = ? AND agent_id = ?", userID, agentID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *agentRepo) SetStatus(userID int64, agentID, status string, extras StatusExtras) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	now := time.Now()
	if extras.SetLastConnectedAt {
		updates["last_connected_at"] = now
	}
	if extras.SetLastDisconnectedAt {
		updates["last_disconnected_at"] = now
	}
	return r.db.Model(&AgentRecord{}).
		Where("user_id = ? AND agent_id = ?", userID, agentID).
		Updates(updates).Error
}

// ListBootstrappable returns every row whose status is worth reconnecting
// at process startup.
func (r *agentRepo) ListBootstrappable() ([]AgentRecord, error) {
	var recs []AgentRecord
	err := r.db.Where("status IN ?", []string{StatusConnected, StatusAwaitingQR, StatusDisconnected}).
		Find(&recs).Error
	return recs, err
}

func (r *agentRepo) Delete(userID int64, agentID string) error {
	return r.db.Where("user_id = ? AND agent_id = ?", userID, agentID).Delete(&AgentRecord{}).Error
}
