// Package toolgateway implements the Tool Gateway (spec §4.I): a
// session-scoped, capability-constrained mux that brokers tool calls
// issued by AI-agent components to registered tool-server endpoints over
// JSON-RPC 2.0 (spec §6 wire format).
package toolgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/secflow/engine/internal/domain"
)

// ErrNotPermitted is returned when a call_tool targets a tool outside the
// session's allowed node refs (spec §8 scenario 6: "not-permitted").
var ErrNotPermitted = errors.New("toolgateway: tool not permitted for this session")

// ErrUnknownTool is returned when no registration matches the requested
// tool name across any session the caller may see.
var ErrUnknownTool = errors.New("toolgateway: unknown tool")

// RecordEvent is the hook the Gateway uses to append tool.call/tool.result
// events to a run's event log (spec §3 Event.kind, §8 scenario 6: "a
// tool.call event records the rejection"). The orchestrator wires this to
// Execution.emit-backed bookkeeping; nil is a valid no-op for tests.
type RecordEvent func(ctx context.Context, runID, nodeRef string, kind domain.EventKind, payload map[string]any) error

// Caller dispatches the actual RPC to a tool-server endpoint. The default
// implementation (httpCaller) POSTs JSON-RPC 2.0 over HTTP; tests substitute
// a fake.
type Caller interface {
	Call(ctx context.Context, endpoint string, req jsonRPCCallRequest) (json.RawMessage, error)
}

type jsonRPCCallRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Gateway is the process-wide tool-call mux. Session creation/revocation
// take the writer half of the session table's reader-writer discipline;
// tool calls take the reader half (spec §5).
type Gateway struct {
	store  sessionStore
	tokens *tokenIssuer
	caller Caller

	mu          sync.RWMutex
	toolMutexes map[string]*sync.Mutex // containerID -> serialization lock for non-reentrant servers
}

// NewGatewayMemory constructs a Gateway backed by the in-process session
// store, used when no Redis address is configured (SPEC_FULL.md §12:
// "falls back to in-memory when unconfigured").
func NewGatewayMemory(sessionSecret string, caller Caller) *Gateway {
	return &Gateway{
		store:       newMemoryStore(),
		tokens:      newTokenIssuer(sessionSecret),
		caller:      caller,
		toolMutexes: make(map[string]*sync.Mutex),
	}
}

// NewGatewayRedis constructs a Gateway backed by a distributed Redis-held
// session table, so every process serving this engine's workers sees the
// same sessions (spec §4.I, §5 reader-writer discipline).
func NewGatewayRedis(rdb *redis.Client, sessionSecret string, caller Caller) *Gateway {
	return &Gateway{
		store:       newRedisStore(rdb),
		tokens:      newTokenIssuer(sessionSecret),
		caller:      caller,
		toolMutexes: make(map[string]*sync.Mutex),
	}
}

// OpenSession creates a ToolSession for an agent node, scoped to the node
// refs it is permitted to reach (spec §4.I: "derived from the agent's graph
// neighborhood") and issues a bearer token binding (runId, nodeRef,
// sessionId).
func (g *Gateway) OpenSession(ctx context.Context, runID, nodeRef string, allowedNodeRefs []string, registrations []domain.ToolRegistration, ttl time.Duration) (*domain.ToolSession, string, error) {
	now := time.Now().UTC()
	session := &domain.ToolSession{
		ID:              uuid.NewString(),
		RunID:           runID,
		AllowedNodeRefs: allowedNodeRefs,
		Registrations:   registrations,
		IssuedAt:        now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := g.store.put(ctx, session); err != nil {
		return nil, "", fmt.Errorf("open session: %w", err)
	}
	token, err := g.tokens.issue(runID, nodeRef, session.ID, session.ExpiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("issue session token: %w", err)
	}
	return session, token, nil
}

// CloseSession invalidates a session on agent-attempt completion or abort
// (spec §4.I: "On session close... the token is invalidated").
func (g *Gateway) CloseSession(ctx context.Context, sessionID string) error {
	return g.store.delete(ctx, sessionID)
}

// ListTools returns the union of tools registered across every session the
// bearer token's claims authorize (spec §4.I: "list_tools returns the union
// of all registered tools across allowed sessions"). A bearer token
// authorizes exactly one session in this implementation, so the union is
// that session's own registrations.
func (g *Gateway) ListTools(ctx context.Context, bearerToken string) ([]domain.ToolRegistration, error) {
	session, err := g.sessionFor(ctx, bearerToken)
	if err != nil {
		return nil, err
	}
	return session.Registrations, nil
}

// CallTool dispatches name(args) per spec §4.I's three checks: (a) token
// validity, (b) the session covers the target tool, (c) args validate
// against the tool's declared input schema. Once the token resolves to a
// live session, a tool.call event is recorded regardless of outcome,
// including rejections (spec §8 scenario 6); a token or session failure
// returns before anything is recorded.
func (g *Gateway) CallTool(ctx context.Context, bearerToken, toolName string, args json.RawMessage, record RecordEvent) (json.RawMessage, error) {
	session, claimedRunID, claimedNodeRef, err := g.sessionAndClaims(ctx, bearerToken)
	if err != nil {
		return nil, err
	}

	reg, ok := session.ToolFor(toolName)
	callPayload := map[string]any{"tool": toolName, "sessionId": session.ID}

	if !ok {
		g.recordTool(ctx, record, claimedRunID, claimedNodeRef, domain.EventToolCall, callPayload, "rejected: unknown tool")
		return nil, ErrUnknownTool
	}
	if !g.toolBackedByAllowedNode(session, reg) {
		g.recordTool(ctx, record, claimedRunID, claimedNodeRef, domain.EventToolCall, callPayload, "rejected: not-permitted")
		return nil, ErrNotPermitted
	}

	if len(reg.InputSchema) > 0 {
		if err := validateArgs(reg.InputSchema, args); err != nil {
			g.recordTool(ctx, record, claimedRunID, claimedNodeRef, domain.EventToolCall, callPayload, "rejected: schema validation failed: "+err.Error())
			return nil, fmt.Errorf("toolgateway: argument validation failed: %w", err)
		}
	}

	g.recordTool(ctx, record, claimedRunID, claimedNodeRef, domain.EventToolCall, callPayload, "dispatched")

	unlock := g.lockFor(reg.ContainerID)
	defer unlock()

	result, err := g.caller.Call(ctx, reg.Endpoint, jsonRPCCallRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tools/call",
		Params:  map[string]any{"name": toolName, "arguments": json.RawMessage(args)},
	})
	resultPayload := map[string]any{"tool": toolName, "sessionId": session.ID}
	if err != nil {
		resultPayload["error"] = err.Error()
		g.recordTool(ctx, record, claimedRunID, claimedNodeRef, domain.EventToolResult, resultPayload, "")
		return nil, err
	}
	g.recordTool(ctx, record, claimedRunID, claimedNodeRef, domain.EventToolResult, resultPayload, "")
	return result, nil
}

// toolBackedByAllowedNode checks that the tool's backing node (its
// ContainerID field doubles as the node ref it was registered from) is in
// the session's allowed set.
func (g *Gateway) toolBackedByAllowedNode(session *domain.ToolSession, reg domain.ToolRegistration) bool {
	if reg.ContainerID == "" {
		return true
	}
	return session.Allows(reg.ContainerID)
}

func (g *Gateway) recordTool(ctx context.Context, record RecordEvent, runID, nodeRef string, kind domain.EventKind, payload map[string]any, note string) {
	if record == nil {
		return
	}
	if note != "" {
		payload = mergeNote(payload, note)
	}
	_ = record(ctx, runID, nodeRef, kind, payload)
}

func mergeNote(payload map[string]any, note string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["note"] = note
	return out
}

func (g *Gateway) sessionFor(ctx context.Context, bearerToken string) (*domain.ToolSession, error) {
	session, _, _, err := g.sessionAndClaims(ctx, bearerToken)
	return session, err
}

func (g *Gateway) sessionAndClaims(ctx context.Context, bearerToken string) (*domain.ToolSession, string, string, error) {
	c, err := g.tokens.verify(bearerToken)
	if err != nil {
		return nil, "", "", err
	}
	session, ok, err := g.store.get(ctx, c.SessionID)
	if err != nil {
		return nil, c.RunID, c.NodeRef, err
	}
	if !ok {
		return nil, c.RunID, c.NodeRef, ErrInvalidToken
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return nil, c.RunID, c.NodeRef, ErrInvalidToken
	}
	return session, c.RunID, c.NodeRef, nil
}

// lockFor returns an unlock func serializing calls into a non-reentrant
// tool-server container (spec §4.I: "the gateway may serialize to a given
// tool-server if the backing container is non-reentrant").
func (g *Gateway) lockFor(containerID string) func() {
	if containerID == "" {
		return func() {}
	}
	g.mu.Lock()
	m, ok := g.toolMutexes[containerID]
	if !ok {
		m = &sync.Mutex{}
		g.toolMutexes[containerID] = m
	}
	g.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// validateArgs checks args against a tool's declared JSON schema using
// santhosh-tekuri/jsonschema/v6 (spec §4.I check (c)).
func validateArgs(schemaBytes []byte, args json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("parse tool input schema: %w", err)
	}
	const resourceURL = "mem://tool-input-schema.json"
	if err := compiler.AddResource(resourceURL, schemaDoc); err != nil {
		return fmt.Errorf("load tool input schema: %w", err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("compile tool input schema: %w", err)
	}
	var argDoc any
	if err := json.Unmarshal(args, &argDoc); err != nil {
		return fmt.Errorf("parse tool arguments: %w", err)
	}
	return schema.Validate(argDoc)
}
