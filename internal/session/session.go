// Package session implements the per-agent session lifecycle: the
// LiveSession state machine, the QR rendezvous, and the reconnect
// supervisor, grounded on the teacher's whatsapp client service
// (goroutine-per-client lifecycle, mutex-guarded client map) generalized
// to the spec's explicit state machine.
package session

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenantwa/gateway/internal/apierr"
	"github.com/tenantwa/gateway/internal/chatclient"
	"github.com/tenantwa/gateway/internal/media"
	"github.com/tenantwa/gateway/internal/metrics"
	"github.com/tenantwa/gateway/internal/store"
)

// QR is the cached, PNG-encoded QR payload for a session awaiting a scan.
type QR struct {
	ContentType string
	Base64      string
}

// StatusView is the read model every session operation returns to its
// caller.
type StatusView struct {
	AgentID   string
	Status    string
	IsReady   bool
	QR        *QR
	QRUpdatedAt *time.Time
}

// qrWaiter is a one-shot, multi-receiver rendezvous: resolve() is called
// at most once (by whichever of handleQR/teardown observes it first under
// ls.mu), and every joined caller's awaitWaiter sees the same result by
// waiting on the closed done channel rather than racing to receive a
// single value off it.
type qrWaiter struct {
	done   chan struct{}
	result waitResult
}

func newQRWaiter() *qrWaiter {
	return &qrWaiter{done: make(chan struct{})}
}

func (w *qrWaiter) resolve(res waitResult) {
	w.result = res
	close(w.done)
}

type waitResult struct {
	qr  *QR
	err error
}

// LiveSession is the in-memory half of one agent's connection: the live
// chatclient handle plus the state-machine fields the spec's invariants
// describe.
type LiveSession struct {
	mu sync.Mutex

	agentID string
	record  *store.AgentRecord
	recordRefreshedAt time.Time

	client chatclient.Client

	qr          *QR
	qrUpdatedAt time.Time
	qrWaiter    *qrWaiter

	isReady       bool
	status        string
	shuttingDown  bool
	metricsCounted bool

	reconnectTimer *time.Timer
	reconnectAttempt int
	reconnectDelay   time.Duration
}

// Supervisor owns every LiveSession in the process and is the only thing
// allowed to mutate the sessions map; all operations are linearised per
// agent via each LiveSession's own mutex.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*LiveSession

	agents      store.AgentRepo
	apiKeys     store.APIKeyRepo
	factory     chatclient.Factory
	metrics     *metrics.Registry
	logger      zerolog.Logger
	authBaseDir string
	media       *media.Preparer

	onMessage func(agentID string, msg *chatclient.InboundMessage)

	shutdownCh chan struct{}
}

// New constructs a Supervisor. onMessage is invoked for every inbound chat
// message event, handed off to the dispatcher by the caller. Call
// SetMediaPreparer afterwards to enable SendMedia; until then it always
// fails with apierr.BadGateway.
func New(
	agents store.AgentRepo,
	apiKeys store.APIKeyRepo,
	factory chatclient.Factory,
	reg *metrics.Registry,
	logger zerolog.Logger,
	authBaseDir string,
	onMessage func(agentID string, msg *chatclient.InboundMessage),
) *Supervisor {
	return &Supervisor{
		sessions:    make(map[string]*LiveSession),
		agents:      agents,
		apiKeys:     apiKeys,
		factory:     factory,
		metrics:     reg,
		logger:      logger,
		authBaseDir: authBaseDir,
		onMessage:   onMessage,
		shutdownCh:  make(chan struct{}),
	}
}

// SetMediaPreparer wires the media preparation pipeline SendMedia delegates
// to. Split from New because cmd/gateway constructs the Supervisor before
// the Preparer in its bottom-up wiring order.
func (s *Supervisor) SetMediaPreparer(p *media.Preparer) {
	s.media = p
}

func (s *Supervisor) authDirFor(agentID string) string {
	return filepath.Join(s.authBaseDir, "session-"+agentID)
}

func (s *Supervisor) getOrCreateLive(agentID string) *LiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.sessions[agentID]; ok {
		return ls
	}
	ls := &LiveSession{agentID: agentID, status: "initialising"}
	s.sessions[agentID] = ls
	return ls
}

func (s *Supervisor) getLive(agentID string) (*LiveSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sessions[agentID]
	return ls, ok
}

func (s *Supervisor) removeLive(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, agentID)
}

// CreateOrResume upserts the AgentRecord and ensures a LiveSession exists,
// per spec's create_or_resume.
func (s *Supervisor) CreateOrResume(ctx context.Context, userID int64, agentID, agentName, callerKey string, defaultEndpoint string) (StatusView, error) {
	effectiveKey := callerKey
	if active, err := s.apiKeys.LatestActiveAPIKey(userID); err == nil && active != nil {
		effectiveKey = active.AccessToken
	}
	if effectiveKey == "" {
		return StatusView{}, apierr.New(apierr.InvalidPayload, "no api key available for this agent")
	}

	rec, err := s.agents.UpsertAgent(userID, agentID, agentName, effectiveKey, defaultEndpoint)
	if err != nil {
		return StatusView{}, apierr.Wrap(apierr.BadGateway, err, "failed to persist agent record")
	}

	ls := s.getOrCreateLive(agentID)
	ls.mu.Lock()
	ls.record = rec
	ls.recordRefreshedAt = time.Now()
	ls.mu.Unlock()

	if err := s.ensureClient(ctx, ls); err != nil {
		s.logger.Warn().Err(err).Str("agentId", agentID).Msg("session: ensure_client failed during create_or_resume")
	}

	return s.snapshot(ls), nil
}

// GetStatus returns the current StatusView for agentID.
func (s *Supervisor) GetStatus(agentID string) (StatusView, error) {
	ls, ok := s.getLive(agentID)
	if !ok {
		return StatusView{}, apierr.New(apierr.SessionNotFound, "no session for this agent")
	}
	return s.snapshot(ls), nil
}

func (s *Supervisor) snapshot(ls *LiveSession) StatusView {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	view := StatusView{
		AgentID: ls.agentID,
		Status:  ls.status,
		IsReady: ls.isReady,
	}
	if ls.qr != nil {
		qrCopy := *ls.qr
		view.QR = &qrCopy
		updated := ls.qrUpdatedAt
		view.QRUpdatedAt = &updated
	}
	return view
}

// ensureClient constructs and initializes a chatclient.Client for ls if one
// doesn't already exist.
func (s *Supervisor) ensureClient(ctx context.Context, ls *LiveSession) error {
	ls.mu.Lock()
	if ls.client != nil {
		ls.mu.Unlock()
		return nil
	}
	client := s.factory(ls.agentID, s.authBaseDir)
	ls.client = client
	agentID := ls.agentID
	ls.mu.Unlock()

	return client.Initialize(ctx, func(evt chatclient.Event) {
		s.handleEvent(agentID, evt)
	})
}

func (s *Supervisor) handleEvent(agentID string, evt chatclient.Event) {
	ls, ok := s.getLive(agentID)
	if !ok {
		return
	}
	switch evt.Kind {
	case chatclient.EventQR:
		s.handleQR(ls, evt.QRCode)
	case chatclient.EventReady:
		s.handleReady(ls)
	case chatclient.EventAuthFailure:
		s.handleAuthFailure(ls, evt.Reason)
	case chatclient.EventDisconnected:
		s.handleDisconnected(ls, evt.Reason)
	case chatclient.EventMessage:
		if s.onMessage != nil && evt.Message != nil {
			s.onMessage(agentID, evt.Message)
		}
	}
}

func (s *Supervisor) handleQR(ls *LiveSession, raw string) {
	encoded, err := chatclient.EncodeQRPNG(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("agentId", ls.agentID).Msg("session: failed to encode qr")
		return
	}

	ls.mu.Lock()
	qr := &QR{ContentType: "image/png", Base64: encoded}
	ls.qr = qr
	ls.qrUpdatedAt = time.Now()
	ls.status = store.StatusAwaitingQR
	waiter := ls.qrWaiter
	ls.qrWaiter = nil
	ls.mu.Unlock()

	if waiter != nil {
		waiter.resolve(waitResult{qr: qr})
	}

	s.persistStatus(ls.agentID, store.StatusAwaitingQR, store.StatusExtras{})
}

func (s *Supervisor) handleReady(ls *LiveSession) {
	ls.mu.Lock()
	ls.isReady = true
	ls.status = store.StatusConnected
	wasCounted := ls.metricsCounted
	if !wasCounted {
		ls.metricsCounted = true
	}
	ls.mu.Unlock()

	if !wasCounted && s.metrics != nil {
		s.metrics.IncSessionsActive()
	}

	s.persistStatus(ls.agentID, store.StatusConnected, store.StatusExtras{SetLastConnectedAt: true})
}

func (s *Supervisor) handleAuthFailure(ls *LiveSession, reason string) {
	ls.mu.Lock()
	if ls.shuttingDown {
		ls.mu.Unlock()
		return
	}
	ls.status = store.StatusAuthFailed
	ls.isReady = false
	ls.mu.Unlock()

	s.persistStatus(ls.agentID, store.StatusAuthFailed, store.StatusExtras{SetLastDisconnectedAt: true})
	s.scheduleRestart(ls, reason, true, 1)
}

func (s *Supervisor) handleDisconnected(ls *LiveSession, reason string) {
	ls.mu.Lock()
	if ls.shuttingDown {
		ls.mu.Unlock()
		return
	}
	ls.status = store.StatusDisconnected
	ls.isReady = false
	wasCounted := ls.metricsCounted
	if wasCounted {
		ls.metricsCounted = false
	}
	ls.mu.Unlock()

	if wasCounted && s.metrics != nil {
		s.metrics.DecSessionsActive()
	}

	s.persistStatus(ls.agentID, store.StatusDisconnected, store.StatusExtras{SetLastDisconnectedAt: true})

	clearAuth := strings.Contains(strings.ToLower(reason), "logout")
	s.scheduleRestart(ls, reason, clearAuth, 1)
}

func (s *Supervisor) persistStatus(agentID, status string, extras store.StatusExtras) {
	ls, ok := s.getLive(agentID)
	if !ok {
		return
	}
	ls.mu.Lock()
	rec := ls.record
	ls.mu.Unlock()
	if rec == nil {
		return
	}
	if err := s.agents.SetStatus(rec.UserID, agentID, status, extras); err != nil {
		s.logger.Warn().Err(err).Str("agentId", agentID).Msg("session: failed to persist status")
	}
}

// scheduleRestart arms a single reconnect timer for ls, per spec's backoff
// table: delay = min(30s, attempt*5s) on first schedule, doubling (capped
// at 60s) on a nested retry after a failed restart attempt.
func (s *Supervisor) scheduleRestart(ls *LiveSession, reason string, clearAuth bool, attempt int) {
	ls.mu.Lock()
	if ls.reconnectTimer != nil {
		ls.mu.Unlock()
		return
	}

	var delay time.Duration
	if attempt <= 1 {
		delay = 5 * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	} else {
		prev := ls.reconnectDelay
		if prev == 0 {
			prev = 5 * time.Second
		}
		delay = prev * 2
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
	}
	ls.reconnectAttempt = attempt
	ls.reconnectDelay = delay

	timer := time.AfterFunc(delay, func() {
		s.runScheduledRestart(ls, reason, clearAuth, attempt)
	})
	ls.reconnectTimer = timer
	ls.mu.Unlock()
}

func (s *Supervisor) runScheduledRestart(ls *LiveSession, reason string, clearAuth bool, attempt int) {
	select {
	case <-s.shutdownCh:
		return
	default:
	}

	ls.mu.Lock()
	ls.reconnectTimer = nil
	rec := ls.record
	ls.mu.Unlock()

	if rec == nil {
		return
	}

	fresh, err := s.agents.GetAgent(rec.UserID, ls.agentID)
	if err != nil || fresh == nil {
		return
	}

	ctx := context.Background()
	s.teardown(ctx, ls, true, clearAuth)

	if err := s.ensureClient(ctx, ls); err != nil {
		s.scheduleRestart(ls, reason, clearAuth, attempt+1)
	}
}

// Reconnect tears the live session down (preserving the DB row) and
// re-establishes a client.
func (s *Supervisor) Reconnect(ctx context.Context, agentID string) (StatusView, error) {
	ls, ok := s.getLive(agentID)
	if !ok {
		return StatusView{}, apierr.New(apierr.SessionNotFound, "no session for this agent")
	}
	s.teardown(ctx, ls, true, true)
	if err := s.ensureClient(ctx, ls); err != nil {
		return StatusView{}, apierr.Wrap(apierr.BadGateway, err, "failed to reconnect session")
	}
	return s.snapshot(ls), nil
}

// Delete tears down the live session, clears its auth store, and removes
// the DB row. Idempotent per spec.
func (s *Supervisor) Delete(ctx context.Context, userID int64, agentID string) (deleted bool, alreadyRemoved bool, err error) {
	rec, lookupErr := s.agents.GetAgent(userID, agentID)
	if lookupErr != nil {
		return false, false, apierr.Wrap(apierr.BadGateway, lookupErr, "failed to look up agent record")
	}

	if ls, ok := s.getLive(agentID); ok {
		s.teardown(ctx, ls, false, true)
		s.removeLive(agentID)
	}

	if rec == nil {
		return false, true, nil
	}

	if delErr := s.agents.Delete(userID, agentID); delErr != nil {
		return false, false, apierr.Wrap(apierr.BadGateway, delErr, "failed to delete agent record")
	}
	return true, false, nil
}

// teardown cancels the reconnect timer, destroys the client, releases the
// gauge slot, rejects any QR waiter, optionally marks the row disconnected
// and optionally clears the auth store. It does not remove ls from the
// sessions map: Delete removes it afterwards, while Reconnect and scheduled
// restarts reuse it for the next client.
func (s *Supervisor) teardown(ctx context.Context, ls *LiveSession, preserveDB, clearAuth bool) {
	ls.mu.Lock()
	if ls.reconnectTimer != nil {
		ls.reconnectTimer.Stop()
		ls.reconnectTimer = nil
	}
	ls.shuttingDown = true
	client := ls.client
	ls.client = nil
	ls.isReady = false
	wasCounted := ls.metricsCounted
	ls.metricsCounted = false
	waiter := ls.qrWaiter
	ls.qrWaiter = nil
	ls.qr = nil
	rec := ls.record
	ls.mu.Unlock()

	if client != nil {
		if err := client.Destroy(ctx); err != nil {
			s.logger.Warn().Err(err).Str("agentId", ls.agentID).Msg("session: teardown destroy failed")
		}
	}

	if wasCounted && s.metrics != nil {
		s.metrics.DecSessionsActive()
	}

	if waiter != nil {
		waiter.resolve(waitResult{err: apierr.New(apierr.SessionNotReady, "session torn down while waiting for qr")})
	}

	if !preserveDB && rec != nil {
		if err := s.agents.SetStatus(rec.UserID, ls.agentID, store.StatusDisconnected, store.StatusExtras{SetLastDisconnectedAt: true}); err != nil {
			s.logger.Warn().Err(err).Str("agentId", ls.agentID).Msg("session: teardown status persist failed")
		}
	}

	if clearAuth {
		if err := os.RemoveAll(s.authDirFor(ls.agentID)); err != nil {
			s.logger.Warn().Err(err).Str("agentId", ls.agentID).Msg("session: teardown auth cleanup failed")
		}
	}

	ls.mu.Lock()
	ls.shuttingDown = false
	ls.mu.Unlock()
}

// GenerateQR ensures a client exists, then waits for a QR payload per the
// single-waiter rendezvous contract. A second concurrent caller joins the
// same waiter and is woken by the same resolution rather than installing
// a competing one.
func (s *Supervisor) GenerateQR(ctx context.Context, agentID string, timeout time.Duration) (*QR, time.Time, error) {
	ls, ok := s.getLive(agentID)
	if !ok {
		return nil, time.Time{}, apierr.New(apierr.SessionNotFound, "no session for this agent")
	}

	if err := s.ensureClient(ctx, ls); err != nil {
		s.logger.Warn().Err(err).Str("agentId", agentID).Msg("session: ensure_client failed during generate_qr")
	}

	ls.mu.Lock()
	if ls.qr != nil {
		qrCopy := *ls.qr
		updated := ls.qrUpdatedAt
		ls.mu.Unlock()
		return &qrCopy, updated, nil
	}
	w := ls.qrWaiter
	if w == nil {
		w = newQRWaiter()
		ls.qrWaiter = w
	}
	ls.mu.Unlock()

	return s.awaitWaiter(ctx, ls, w, timeout)
}

// awaitWaiter blocks until w is resolved (by handleQR or teardown),
// ctx is cancelled, or timeout elapses. On timeout it removes w from ls
// so a later caller doesn't join an already-expired wait, per the spec's
// "rejects with SESSION_NOT_READY and removes itself" contract; any
// caller still waiting on w when it is resolved sees the same result,
// since resolve() broadcasts by closing w.done.
func (s *Supervisor) awaitWaiter(ctx context.Context, ls *LiveSession, w *qrWaiter, timeout time.Duration) (*QR, time.Time, error) {
	select {
	case <-w.done:
		if w.result.err != nil {
			return nil, time.Time{}, w.result.err
		}
		return w.result.qr, time.Now(), nil
	case <-time.After(timeout):
		ls.mu.Lock()
		if ls.qrWaiter == w {
			ls.qrWaiter = nil
		}
		ls.mu.Unlock()
		return nil, time.Time{}, apierr.New(apierr.SessionNotReady, "timed out waiting for qr")
	case <-ctx.Done():
		return nil, time.Time{}, ctx.Err()
	}
}

// SendText requires is_ready and sends message straight to the session's
// client. It does not pass through the rate-limit scheduler and does not
// normalise to; the address is used as given.
func (s *Supervisor) SendText(ctx context.Context, agentID, to, message string) error {
	ls, ok := s.getLive(agentID)
	if !ok {
		return apierr.New(apierr.SessionNotFound, "no session for this agent")
	}
	ls.mu.Lock()
	ready := ls.isReady
	client := ls.client
	ls.mu.Unlock()

	if !ready || client == nil {
		return apierr.New(apierr.SessionNotReady, "session is not ready to send")
	}
	return client.SendMessage(ctx, to, message)
}

// SendMedia prepares in (decoding inline data or fetching a remote URL, per
// internal/media) and uploads the result as an image, requiring the same
// is_ready gate as SendText.
func (s *Supervisor) SendMedia(ctx context.Context, agentID, to string, in media.Input) error {
	if s.media == nil {
		return apierr.New(apierr.BadGateway, "media preparation is not configured")
	}

	ls, ok := s.getLive(agentID)
	if !ok {
		return apierr.New(apierr.SessionNotFound, "no session for this agent")
	}
	ls.mu.Lock()
	ready := ls.isReady
	client := ls.client
	ls.mu.Unlock()
	if !ready || client == nil {
		return apierr.New(apierr.SessionNotReady, "session is not ready to send")
	}

	prepared, err := s.media.Prepare(ctx, in)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(prepared.Base64)
	if err != nil {
		return apierr.Wrap(apierr.InvalidPayload, err, "prepared media was not valid base64")
	}
	return client.SendImage(ctx, to, raw, prepared.MimeType, prepared.Filename, "")
}

// Client returns the current chatclient.Client for agentID, or nil if no
// session (or no connected client) exists. Used by the dispatcher to reach
// the underlying transport without duplicating the readiness check.
func (s *Supervisor) Client(agentID string) (chatclient.Client, bool) {
	ls, ok := s.getLive(agentID)
	if !ok {
		return nil, false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.isReady || ls.client == nil {
		return nil, false
	}
	return ls.client, true
}

// Record returns the session's cached AgentRecord, refreshing it from the
// repository if it is older than staleAfter.
func (s *Supervisor) Record(ctx context.Context, agentID string, staleAfter time.Duration) (*store.AgentRecord, error) {
	ls, ok := s.getLive(agentID)
	if !ok {
		return nil, apierr.New(apierr.SessionNotFound, "no session for this agent")
	}

	ls.mu.Lock()
	rec := ls.record
	refreshedAt := ls.recordRefreshedAt
	ls.mu.Unlock()

	if rec == nil {
		return nil, apierr.New(apierr.SessionNotFound, "session has no backing agent record")
	}

	if time.Since(refreshedAt) > staleAfter {
		fresh, err := s.agents.GetAgent(rec.UserID, agentID)
		if err != nil {
			return rec, err
		}
		if fresh != nil {
			ls.mu.Lock()
			ls.record = fresh
			ls.recordRefreshedAt = time.Now()
			ls.mu.Unlock()
			return fresh, nil
		}
	}
	return rec, nil
}

// Shutdown cancels the process-wide shutdown signal so any in-flight
// reconnect timers observe it and refrain from rescheduling further work.
// It does not tear down live sessions; the spec does not require that on
// shutdown.
func (s *Supervisor) Shutdown() {
	close(s.shutdownCh)
}
