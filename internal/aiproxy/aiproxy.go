// Package aiproxy calls the external AI backend on behalf of an agent:
// one HTTP POST, a 60s deadline, and a best-effort probe of a handful of
// reply shapes.
package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tenantwa/gateway/internal/apierr"
	"github.com/tenantwa/gateway/internal/metrics"
	"github.com/tenantwa/gateway/internal/store"
)

const callTimeout = 60 * time.Second

// Payload is the request body sent to the AI backend.
type Payload struct {
	Input      string                 `json:"input"`
	Parameters map[string]interface{} `json:"parameters"`
	SessionID  string                 `json:"session_id"`
}

// Result is what the dispatcher needs back from a run.
type Result struct {
	Reply string
	Raw   json.RawMessage
}

// Proxy executes AI backend runs for agents, grounded on the teacher's
// hand-rolled HTTP LLM providers (internal/core/llm/claude.go): a plain
// *http.Client, a context deadline, JSON body, bearer auth.
type Proxy struct {
	client          *http.Client
	backendURL      string
	metricsRegistry *metrics.Registry
}

// New creates a Proxy. backendURL is the fallback base used when an
// agent has no per-agent override (spec's AI_BACKEND_URL).
func New(backendURL string, reg *metrics.Registry) *Proxy {
	return &Proxy{
		client:          &http.Client{Timeout: callTimeout},
		backendURL:      strings.TrimRight(backendURL, "/"),
		metricsRegistry: reg,
	}
}

// Execute posts payload to agent's resolved endpoint and extracts the
// reply. traceID is attached to any apierr.Error returned so the HTTP
// boundary can echo it back to the caller.
func (p *Proxy) Execute(ctx context.Context, agent *store.AgentRecord, payload Payload, traceID string) (*Result, error) {
	endpoint := p.resolveEndpoint(agent)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidPayload, err, "failed to encode AI request").WithTrace(traceID)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.AIDownstreamError, err, "failed to build AI request").WithTrace(traceID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+agent.APIKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.recordError(agent.AgentID, apierr.AITimeout)
			return nil, apierr.Wrap(apierr.AITimeout, err, "AI backend call timed out").WithTrace(traceID)
		}
		p.recordError(agent.AgentID, apierr.AIDownstreamError)
		return nil, apierr.Wrap(apierr.AIDownstreamError, err, "AI backend call failed").WithTrace(traceID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordError(agent.AgentID, apierr.AIDownstreamError)
		return nil, apierr.Wrap(apierr.AIDownstreamError, err, "failed to read AI response").WithTrace(traceID)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.recordError(agent.AgentID, apierr.AIDownstreamError)
		return nil, apierr.New(apierr.AIDownstreamError,
			fmt.Sprintf("AI backend returned status %d: %s", resp.StatusCode, string(raw))).WithTrace(traceID)
	}

	if p.metricsRegistry != nil {
		p.metricsRegistry.ObserveAILatency(agent.AgentID, latency)
	}

	return &Result{Reply: extractReply(raw), Raw: raw}, nil
}

func (p *Proxy) recordError(agentID string, code apierr.Code) {
	if p.metricsRegistry != nil {
		p.metricsRegistry.Error(agentID, string(code))
	}
}

func (p *Proxy) resolveEndpoint(agent *store.AgentRecord) string {
	if agent.EndpointURLRun != nil && *agent.EndpointURLRun != "" {
		return *agent.EndpointURLRun
	}
	base := p.backendURL
	if !strings.HasSuffix(base, "/agents") {
		base += "/agents"
	}
	return fmt.Sprintf("%s/%s/execute", base, agent.AgentID)
}

// probePaths mirrors the spec's ordered reply-extraction probe:
// data.reply, data.response, data.result.reply, data.result.response,
// data.output.
var probePaths = [][]string{
	{"data", "reply"},
	{"data", "response"},
	{"data", "result", "reply"},
	{"data", "result", "response"},
	{"data", "output"},
}

func extractReply(raw []byte) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}

	for _, path := range probePaths {
		if v, ok := lookup(doc, path); ok {
			if s, ok := v.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

func lookup(doc map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = doc
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
