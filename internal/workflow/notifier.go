package workflow

import "context"

// Notification event types published to the notifications platform.
const (
	NotifyWorkflowStarted   = "workflow_started"
	NotifyApprovalRequired  = "approval_required"
	NotifyWorkflowApproved  = "workflow_approved"
	NotifyWorkflowRejected  = "workflow_rejected"
	NotifyWorkflowCancelled = "workflow_cancelled"
	NotifyAutoApproved      = "approval_auto_approved"
	NotifyEscalated         = "approval_escalated"
)

// Notification describes one outbound event. Delivery is best-effort and
// never affects engine state.
type Notification struct {
	EventType  string         `json:"event_type"`
	InstanceID string         `json:"instance_id"`
	RequestID  string         `json:"request_id,omitempty"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	Recipients []string       `json:"recipients"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notifier delivers notifications to an external transport. Implementations
// must not return errors to the engine; failures are logged and dropped.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Notification) {}
