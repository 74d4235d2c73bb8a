// Package gwtypes defines the shared data model for the governance
// gateway pipeline: the Principal/Resource/Capability/Action entities,
// the PDP's DecisionInput/Decision, and the InvocationRequest/Result
// and AuditEvent records that flow through every stage.
package gwtypes

import "time"

// PrincipalType classifies the kind of entity acting on the gateway.
type PrincipalType string

const (
	PrincipalHuman   PrincipalType = "human"
	PrincipalAgent   PrincipalType = "agent"
	PrincipalService PrincipalType = "service"
	PrincipalDevice  PrincipalType = "device"
)

// TrustLevel is a coarse trust classification carried from the token.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustLimited   TrustLevel = "limited"
	TrustUntrusted TrustLevel = "untrusted"
)

// Principal is the authenticated entity making a request. Built once
// per request from a validated token and treated as immutable
// thereafter.
type Principal struct {
	ID          string            `json:"id"`
	Type        PrincipalType     `json:"type"`
	Role        string            `json:"role"`
	Teams       []string          `json:"teams,omitempty"`
	TrustLevel  TrustLevel        `json:"trust_level"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Capabilities []string         `json:"capabilities,omitempty"`
}

// Protocol identifies the wire protocol a Resource is reachable over.
type Protocol string

const (
	ProtocolMCP  Protocol = "mcp"
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// Sensitivity classifies how sensitive a resource or capability is.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "med"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// ResourceStatus tracks the lifecycle of a registered Resource.
type ResourceStatus string

const (
	ResourceActive       ResourceStatus = "active"
	ResourceDraining     ResourceStatus = "draining"
	ResourceDecommissioned ResourceStatus = "decommissioned"
)

// Resource is a backend endpoint reachable through a protocol adapter.
type Resource struct {
	ID          string            `json:"id"`
	Protocol    Protocol          `json:"protocol"`
	Endpoint    string            `json:"endpoint"`
	Sensitivity Sensitivity       `json:"sensitivity"`
	Status      ResourceStatus    `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// StreamingMode describes a capability's streaming shape.
type StreamingMode string

const (
	StreamNone   StreamingMode = "none"
	StreamServer StreamingMode = "server"
	StreamClient StreamingMode = "client"
	StreamBidi   StreamingMode = "bidi"
)

// CostClass marks a capability as cost-bearing for budget admission.
type CostClass string

const (
	CostClassNone      CostClass = ""
	CostClassPerCall   CostClass = "per_call"
	CostClassPerToken  CostClass = "per_token"
	CostClassTiered    CostClass = "tiered"
)

// Capability is a concrete invokable operation on a Resource.
type Capability struct {
	ID           string        `json:"id"`
	ResourceID   string        `json:"resource_id"`
	Name         string        `json:"name"`
	InputSchema  string        `json:"input_schema,omitempty"`  // JSON Schema document
	OutputSchema string        `json:"output_schema,omitempty"` // JSON Schema document
	Sensitivity  Sensitivity   `json:"sensitivity"`
	Streaming    StreamingMode `json:"streaming"`
	Idempotent   bool          `json:"idempotent"`
	CostClass    CostClass     `json:"cost_class,omitempty"`
}

// Operation is the intent verb of an Action.
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpExecute Operation = "execute"
	OpControl Operation = "control"
	OpManage  Operation = "manage"
	OpAudit   Operation = "audit"
)

// Action is the constructed intent for a single request.
type Action struct {
	ResourceID string         `json:"resource_id"`
	Operation  Operation      `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DecisionContext carries request-scoped facts the PDP may condition on.
type DecisionContext struct {
	Timestamp   time.Time         `json:"timestamp"`
	IPAddress   string            `json:"ip_address,omitempty"`
	RequestID   string            `json:"request_id"`
	Environment map[string]string `json:"environment,omitempty"`
}

// DecisionInput is the canonical, hashable input to a PDP evaluation.
type DecisionInput struct {
	Principal  Principal      `json:"principal"`
	Action     Action         `json:"action"`
	Capability Capability     `json:"capability"`
	Context    DecisionContext `json:"context"`
}

// Decision is the PDP's output for a DecisionInput.
type Decision struct {
	Allow             bool           `json:"allow"`
	Reason            string         `json:"reason"`
	FilterMask        []string       `json:"filter_mask,omitempty"`
	Constraints       map[string]any `json:"constraints,omitempty"`
	PoliciesEvaluated []string       `json:"policies_evaluated,omitempty"`
	EvaluatedAt       time.Time      `json:"evaluated_at"`
}

// InvocationRequest is the gateway's inbound request.
type InvocationRequest struct {
	CapabilityID string            `json:"capability_id"`
	PrincipalID  string            `json:"principal_id"`
	Arguments    map[string]any    `json:"arguments,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	RequestID    string            `json:"request_id"`
	DeadlineMS   int64             `json:"deadline_ms,omitempty"`
}

// InvocationResult is the gateway's outbound result.
type InvocationResult struct {
	Success    bool           `json:"success"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Frame is one unit of a streaming invocation.
type Frame struct {
	Sequence int    `json:"sequence"`
	Data     any    `json:"data,omitempty"`
	Err      string `json:"error,omitempty"`
	Final    bool   `json:"final"`
}

// Severity classifies an AuditEvent for downstream triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "med"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AuditEvent is the durable, append-only record emitted on every exit
// path of the pipeline.
type AuditEvent struct {
	ID                 string         `json:"id"`
	Timestamp          time.Time      `json:"timestamp"`
	EventType          string         `json:"event_type"`
	Severity           Severity       `json:"severity"`
	PrincipalID        string         `json:"principal_id"`
	PrincipalType      PrincipalType  `json:"principal_type"`
	PrincipalAttrs     map[string]string `json:"principal_attributes,omitempty"`
	ResourceID         string         `json:"resource_id,omitempty"`
	ResourceType       Protocol       `json:"resource_type,omitempty"`
	CapabilityID       string         `json:"capability_id,omitempty"`
	Decision           string         `json:"decision,omitempty"` // "allow" | "deny"
	PolicyID           string         `json:"policy_id,omitempty"`
	PolicyVersion      string         `json:"policy_version,omitempty"`
	RequestID          string         `json:"request_id"`
	IPAddress          string         `json:"ip_address,omitempty"`
	UserAgent          string         `json:"user_agent,omitempty"`
	Success            bool           `json:"success"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	LatencyMS          int64          `json:"latency_ms"`
	Cost               int64          `json:"cost,omitempty"`
	ActionOperation    Operation      `json:"action_operation,omitempty"`
	ActionParameters   map[string]any `json:"action_parameters,omitempty"`
	Environment        map[string]string `json:"environment,omitempty"`
	RetentionUntil     time.Time      `json:"retention_until,omitempty"`
	Details            map[string]any `json:"details,omitempty"`
}
