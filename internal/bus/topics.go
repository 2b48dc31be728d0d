package bus

import "time"

// Topics published by the core components.
const (
	TopicNotifyUser         = "notify.user"
	TopicAgentStatus        = "agent.status"
	TopicPluginExecuted     = "plugin.executed"
	TopicTaskExecuted       = "task.executed"
	TopicPermissionDecision = "permission.decision"
	TopicCatalogChanged     = "catalog.changed"
)

// UserNotification is the payload of TopicNotifyUser.
type UserNotification struct {
	Owner string    `json:"owner"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// AgentStatusEvent is published whenever an agent changes status.
type AgentStatusEvent struct {
	AgentID   string `json:"agent_id"`
	Owner     string `json:"owner"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// PluginExecutedEvent is published after every plugin run.
type PluginExecutedEvent struct {
	ExecutionID string `json:"execution_id"`
	PluginID    string `json:"plugin_id"`
	Owner       string `json:"owner"`
	Success     bool   `json:"success"`
	DurationMS  int64  `json:"duration_ms"`
}

// TaskExecutedEvent is published after every scheduled or triggered action run.
type TaskExecutedEvent struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id,omitempty"`
	Owner       string `json:"owner"`
	Action      string `json:"action"`
	Success     bool   `json:"success"`
	Attempt     int    `json:"attempt"`
}

// PermissionDecisionEvent mirrors one authority decision.
type PermissionDecisionEvent struct {
	Owner    string `json:"owner"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
}
