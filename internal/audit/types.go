package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Recommendation lifecycle
	EventRecommendationCreated  EventType = "recommendation.created"
	EventRecommendationRejected EventType = "recommendation.rejected"

	// Guardrail events
	EventInputRejected   EventType = "guardrail.input_rejected"
	EventPriceAdjusted   EventType = "guardrail.price_adjusted"
	EventRevenueRejected EventType = "guardrail.revenue_rejected"
	EventOracleFallback  EventType = "oracle.fallback"

	// Approval events
	EventApprovalGranted EventType = "approval.granted"
	EventApprovalDenied  EventType = "approval.denied"
	EventApprovalFailed  EventType = "approval.failed"

	// Tool events
	EventToolRegistered EventType = "tool.registered"
	EventToolCalled     EventType = "tool.called"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	User string `json:"user,omitempty"`
	Role string `json:"role,omitempty"`

	// Resource is the recommendation id; Product the item id it prices.
	Resource string `json:"resource,omitempty"`
	Product  string `json:"product,omitempty"`

	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithUser sets the user and role behind the event
func (e *Event) WithUser(user, role string) *Event {
	e.User = user
	e.Role = role
	return e
}

// WithResource sets the recommendation and product acted upon
func (e *Event) WithResource(recommendationID, productID string) *Event {
	e.Resource = recommendationID
	e.Product = productID
	return e
}

// WithAction sets the action being performed
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
