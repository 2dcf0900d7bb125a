package session

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantwa/gateway/internal/apierr"
	"github.com/tenantwa/gateway/internal/chatclient"
	"github.com/tenantwa/gateway/internal/media"
	"github.com/tenantwa/gateway/internal/metrics"
	"github.com/tenantwa/gateway/internal/store"
)

type fakeAgentRepo struct {
	mu      sync.Mutex
	records map[string]*store.AgentRecord
}

func newFakeAgentRepo() *fakeAgentRepo {
	return &fakeAgentRepo{records: make(map[string]*store.AgentRecord)}
}

func key(userID int64, agentID string) string {
	return fmt.Sprintf("%d:%s", userID, agentID)
}

func (r *fakeAgentRepo) UpsertAgent(userID int64, agentID, agentName, apiKey string, defaultEndpoint string) (*store.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(userID, agentID)
	if rec, ok := r.records[k]; ok {
		rec.AgentName = agentName
		rec.APIKey = apiKey
		return rec, nil
	}
	rec := &store.AgentRecord{UserID: userID, AgentID: agentID, AgentName: agentName, APIKey: apiKey, EndpointURLRun: &defaultEndpoint, Status: store.StatusAwaitingQR}
	r.records[k] = rec
	return rec, nil
}

func (r *fakeAgentRepo) GetAgent(userID int64, agentID string) (*store.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[key(userID, agentID)], nil
}

func (r *fakeAgentRepo) SetStatus(userID int64, agentID, status string, extras store.StatusExtras) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key(userID, agentID)]; ok {
		rec.Status = status
	}
	return nil
}

func (r *fakeAgentRepo) ListBootstrappable() ([]store.AgentRecord, error) { return nil, nil }

func (r *fakeAgentRepo) Delete(userID int64, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key(userID, agentID))
	return nil
}

type fakeAPIKeyRepo struct{}

func (fakeAPIKeyRepo) LatestActiveAPIKey(userID int64) (*store.ApiKey, error) { return nil, nil }
func (fakeAPIKeyRepo) SyncAPIKey(userID int64, agentID string)               {}

func newTestSupervisor(t *testing.T, created map[string]*chatclient.FakeClient, mu *sync.Mutex) *Supervisor {
	t.Helper()
	return New(
		newFakeAgentRepo(),
		fakeAPIKeyRepo{},
		chatclient.NewFakeFactory(created, mu),
		metrics.New(),
		zerolog.Nop(),
		t.TempDir(),
		nil,
	)
}

func TestCreateOrResume_BuildsAwaitingQRSession(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	view, err := sup.CreateOrResume(context.Background(), 1, "agent-1", "Agent One", "k1", "http://backend/agents/agent-1/execute")
	require.NoError(t, err)
	assert.False(t, view.IsReady)
}

func TestReadyEvent_IncrementsGaugeOnceAndSetsConnected(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	_, err := sup.CreateOrResume(context.Background(), 1, "agent-1", "Agent One", "k1", "http://backend")
	require.NoError(t, err)

	mu.Lock()
	fc := created["agent-1"]
	mu.Unlock()
	require.NotNil(t, fc)

	fc.Emit(chatclient.Event{Kind: chatclient.EventReady})
	fc.Emit(chatclient.Event{Kind: chatclient.EventReady})

	view, err := sup.GetStatus("agent-1")
	require.NoError(t, err)
	assert.True(t, view.IsReady)
	assert.Equal(t, store.StatusConnected, view.Status)
	assert.Contains(t, scrapeMetrics(sup), "whatsapp_sessions_active 1\n")
}

func scrapeMetrics(sup *Supervisor) string {
	rec := httptest.NewRecorder()
	sup.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestQRRendezvous_CachedQRReturnsImmediately(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	_, err := sup.CreateOrResume(context.Background(), 1, "agent-1", "Agent One", "k1", "http://backend")
	require.NoError(t, err)

	mu.Lock()
	fc := created["agent-1"]
	mu.Unlock()

	fc.Emit(chatclient.Event{Kind: chatclient.EventQR, QRCode: "raw-qr-payload"})

	qr, _, err := sup.GenerateQR(context.Background(), "agent-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "image/png", qr.ContentType)
	assert.NotEmpty(t, qr.Base64)
}

func TestQRRendezvous_SecondWaiterJoinsFirst(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	_, err := sup.CreateOrResume(context.Background(), 1, "agent-1", "Agent One", "k1", "http://backend")
	require.NoError(t, err)

	mu.Lock()
	fc := created["agent-1"]
	mu.Unlock()

	var wg sync.WaitGroup
	results := make([]*QR, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			qr, _, err := sup.GenerateQR(context.Background(), "agent-1", 2*time.Second)
			results[i] = qr
			errs[i] = err
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	fc.Emit(chatclient.Event{Kind: chatclient.EventQR, QRCode: "raw-qr-payload"})
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Base64, results[1].Base64)
}

func TestQRRendezvous_TimesOutWithSessionNotReady(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	_, err := sup.CreateOrResume(context.Background(), 1, "agent-1", "Agent One", "k1", "http://backend")
	require.NoError(t, err)

	_, _, err = sup.GenerateQR(context.Background(), "agent-1", 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, apierr.SessionNotReady, apierr.CodeOf(err))
}

func TestDisconnected_DecrementsGaugeAndSchedulesRestart(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	_, err := sup.CreateOrResume(context.Background(), 1, "agent-1", "Agent One", "k1", "http://backend")
	require.NoError(t, err)

	mu.Lock()
	fc := created["agent-1"]
	mu.Unlock()

	fc.Emit(chatclient.Event{Kind: chatclient.EventReady})
	fc.Emit(chatclient.Event{Kind: chatclient.EventDisconnected, Reason: "stream error"})

	view, err := sup.GetStatus("agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, view.Status)
	assert.False(t, view.IsReady == true && view.Status == store.StatusConnected)
	assert.Contains(t, scrapeMetrics(sup), "whatsapp_sessions_active 0\n")

	ls, ok := sup.getLive("agent-1")
	require.True(t, ok)
	ls.mu.Lock()
	timer := ls.reconnectTimer
	ls.mu.Unlock()
	assert.NotNil(t, timer)
}

func TestDelete_IdempotentWhenNoRecordExists(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	deleted, alreadyRemoved, err := sup.Delete(context.Background(), 1, "never-created")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.True(t, alreadyRemoved)
}

func TestDelete_TearsDownAndRemovesRecord(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	_, err := sup.CreateOrResume(context.Background(), 1, "agent-1", "Agent One", "k1", "http://backend")
	require.NoError(t, err)

	mu.Lock()
	fc := created["agent-1"]
	mu.Unlock()

	deleted, alreadyRemoved, err := sup.Delete(context.Background(), 1, "agent-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, alreadyRemoved)
	assert.True(t, fc.Destroyed())
}

func TestSendText_RequiresReady(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	_, err := sup.CreateOrResume(context.Background(), 1, "agent-1", "Agent One", "k1", "http://backend")
	require.NoError(t, err)

	err = sup.SendText(context.Background(), "agent-1", "628123@c.us", "hi")
	require.Error(t, err)

	mu.Lock()
	fc := created["agent-1"]
	mu.Unlock()
	fc.Emit(chatclient.Event{Kind: chatclient.EventReady})

	err = sup.SendText(context.Background(), "agent-1", "628123@c.us", "hi")
	require.NoError(t, err)
	require.Len(t, fc.Sent, 1)
	assert.Equal(t, "hi", fc.Sent[0].Body)
}

func TestSendMedia_RequiresReadyAndPreparerConfigured(t *testing.T) {
	created := make(map[string]*chatclient.FakeClient)
	var mu sync.Mutex
	sup := newTestSupervisor(t, created, &mu)

	_, err := sup.CreateOrResume(context.Background(), 1, "agent-1", "Agent One", "k1", "http://backend")
	require.NoError(t, err)

	err = sup.SendMedia(context.Background(), "agent-1", "628123@c.us", media.Input{Data: "aGVsbG8="})
	require.Error(t, err)
	assert.Equal(t, apierr.BadGateway, apierr.CodeOf(err))

	sup.SetMediaPreparer(media.New(t.TempDir()))

	err = sup.SendMedia(context.Background(), "agent-1", "628123@c.us", media.Input{Data: "aGVsbG8="})
	require.Error(t, err)
	assert.Equal(t, apierr.SessionNotReady, apierr.CodeOf(err))

	mu.Lock()
	fc := created["agent-1"]
	mu.Unlock()
	fc.Emit(chatclient.Event{Kind: chatclient.EventReady})

	err = sup.SendMedia(context.Background(), "agent-1", "628123@c.us", media.Input{Data: "aGVsbG8="})
	require.NoError(t, err)
	require.Len(t, fc.Sent, 1)
	assert.True(t, fc.Sent[0].IsImage)
}
