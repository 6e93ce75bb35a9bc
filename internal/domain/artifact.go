package domain

import "time"

// Artifact is spec §3's content-addressed record.
type Artifact struct {
	RunID     string
	NodeRef   string
	PortID    string
	Digest    string
	MediaType string
	SizeBytes int64
	StoredAt  time.Time
}

// ApprovalStatus enumerates spec §3's ApprovalRequest.status.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalTimedOut  ApprovalStatus = "timedOut"
)

// ApprovalRequest is spec §3's human-in-the-loop gate record. Tokens are
// single-use and cryptographically random (issued by internal/orchestrator).
type ApprovalRequest struct {
	ID           string
	RunID        string
	NodeRef      string
	Title        string
	Description  string
	ApproveToken string
	RejectToken  string
	TimeoutAt    *time.Time
	Status       ApprovalStatus
	DecidedBy    string
	DecidedAt    *time.Time
	ContextData  map[string]any
}

// ApprovalDecision is the operator's verdict on a pending approval gate
// (spec §6 decideApproval).
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

// ToolRegistration is one tool-server entry a ToolSession exposes.
type ToolRegistration struct {
	ToolName    string
	Endpoint    string
	ContainerID string
	InputSchema []byte // JSON schema, validated with santhosh-tekuri/jsonschema
}

// ToolSession authorizes a bounded set of tool calls from one agent
// activation (spec §3, §4.I). The bearer token handed to the agent encodes
// (RunID, NodeRef, ID) as JWT claims per SPEC_FULL.md's Open Question
// decision.
type ToolSession struct {
	ID              string
	RunID           string
	AllowedNodeRefs []string
	Registrations   []ToolRegistration
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// Allows reports whether this session may dispatch a call to nodeRef.
func (s *ToolSession) Allows(nodeRef string) bool {
	for _, ref := range s.AllowedNodeRefs {
		if ref == nodeRef {
			return true
		}
	}
	return false
}

// ToolFor finds the registration backing toolName, if any.
func (s *ToolSession) ToolFor(toolName string) (ToolRegistration, bool) {
	for _, r := range s.Registrations {
		if r.ToolName == toolName {
			return r, true
		}
	}
	return ToolRegistration{}, false
}
