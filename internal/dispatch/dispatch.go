// Package dispatch implements the inbound message pipeline: filter, group
// gating, AI call, reply delivery, and the developer-fallback
// notification on failure. Grounded on the teacher's
// WebhookService.ProcessTextMessage (typing indicator bracketing an AI
// call, then a reply send), generalized to route through the scheduler
// instead of calling the client inline.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tenantwa/gateway/internal/aiproxy"
	"github.com/tenantwa/gateway/internal/chatclient"
	"github.com/tenantwa/gateway/internal/metrics"
	"github.com/tenantwa/gateway/internal/scheduler"
	"github.com/tenantwa/gateway/internal/session"
	"github.com/tenantwa/gateway/internal/store"
)

const recordStaleAfter = 60 * time.Second

// Dispatcher wires an inbound chat event to an AI run and a reply, with
// every outbound network call (typing, reply, fallback) passing through
// the scheduler so an agent's sends stay FIFO and rate-limited.
type Dispatcher struct {
	sched        *scheduler.Scheduler
	ai           *aiproxy.Proxy
	sessions     *session.Supervisor
	metrics      *metrics.Registry
	logger       zerolog.Logger
	botJID       string
	developerJID string
}

func New(
	sched *scheduler.Scheduler,
	ai *aiproxy.Proxy,
	sessions *session.Supervisor,
	reg *metrics.Registry,
	logger zerolog.Logger,
	botJID string,
	developerJID string,
) *Dispatcher {
	return &Dispatcher{
		sched:        sched,
		ai:           ai,
		sessions:     sessions,
		metrics:      reg,
		logger:       logger,
		botJID:       botJID,
		developerJID: developerJID,
	}
}

// Handle is the entry point the session supervisor calls for every inbound
// message event.
func (d *Dispatcher) Handle(agentID string, msg *chatclient.InboundMessage) {
	if msg.FromMe || msg.IsStatus || msg.IsChannel || msg.Type != "chat" {
		return
	}
	if strings.HasSuffix(msg.From, "@g.us") && !d.groupMentionsBot(msg) {
		return
	}

	if d.metrics != nil {
		d.metrics.MessageReceived(agentID)
	}

	rec, err := d.sessions.Record(context.Background(), agentID, recordStaleAfter)
	if err != nil {
		d.logger.Warn().Err(err).Str("agentId", agentID).Msg("dispatch: failed to refresh agent record")
		return
	}

	payload := aiproxy.Payload{
		Input: msg.Body,
		Parameters: map[string]interface{}{
			"max_steps": 5,
			"metadata": map[string]interface{}{
				"whatsapp_name": msg.WhatsAppName,
				"chat_name":     msg.ChatName,
			},
		},
		SessionID: msg.From,
	}

	traceID := newTraceID()
	_, err = d.sched.Enqueue(context.Background(), agentID, func(ctx context.Context) (interface{}, error) {
		d.run(ctx, agentID, rec, msg, payload, traceID)
		return nil, nil
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("agentId", agentID).Msg("dispatch: failed to enqueue AI job")
	}
}

func (d *Dispatcher) run(ctx context.Context, agentID string, rec *store.AgentRecord, msg *chatclient.InboundMessage, payload aiproxy.Payload, traceID string) {
	client, ok := d.sessions.Client(agentID)
	if !ok {
		return
	}

	_ = client.SendChatPresence(ctx, msg.From, true)
	defer func() {
		_ = client.SendChatPresence(ctx, msg.From, false)
	}()

	result, err := d.ai.Execute(ctx, rec, payload, traceID)
	if err != nil {
		d.notifyDeveloper(agentID, msg, err, traceID)
		return
	}

	if result.Reply == "" {
		return
	}

	if err := client.SendMessage(ctx, msg.From, result.Reply); err != nil {
		d.logger.Warn().Err(err).Str("agentId", agentID).Msg("dispatch: failed to send reply")
		return
	}
	if d.metrics != nil {
		d.metrics.MessageSent(agentID)
	}
}

func (d *Dispatcher) notifyDeveloper(agentID string, msg *chatclient.InboundMessage, cause error, traceID string) {
	body := fmt.Sprintf(
		"agent_id=%s from=%s reason=%v trace_id=%s body=%q timestamp=%s",
		agentID, msg.From, cause, traceID, msg.Body, time.Now().UTC().Format(time.RFC3339),
	)

	// notifyDeveloper runs inside the agent's current scheduler job, so it
	// must not wait for the notification job it enqueues behind it.
	go func() {
		_, err := d.sched.Enqueue(context.Background(), agentID, func(ctx context.Context) (interface{}, error) {
			client, ok := d.sessions.Client(agentID)
			if !ok {
				return nil, nil
			}
			return nil, client.SendMessage(ctx, d.developerJID, body)
		})
		if err != nil {
			d.logger.Warn().Err(err).Str("agentId", agentID).Msg("dispatch: failed to enqueue developer notification")
		}
	}()
}

// groupMentionsBot implements the spec's deliberately loose group gate: an
// explicit @mention, or a literal digit-substring match between the bot's
// own JID and the message body.
func (d *Dispatcher) groupMentionsBot(msg *chatclient.InboundMessage) bool {
	for _, m := range msg.MentionedIDs {
		if m == d.botJID {
			return true
		}
	}
	botDigits := onlyDigits(d.botJID)
	if botDigits == "" {
		return false
	}
	return strings.Contains(onlyDigits(msg.Body), botDigits)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func newTraceID() string {
	return uuid.New().String()
}
