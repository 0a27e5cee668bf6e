// Package workflow adapts the scheduler's DAG state machine into a
// pluggable campaign engine: workflow definitions persisted to BoltDB,
// pluggable task executors, cron/event triggering, result caching, and
// cooperative cancellation.
package workflow

import (
	"time"

	"github.com/adplabs/PigeonKeeper/internal/scheduler"
)

// TaskType selects which PluginExecutor handles a TaskSpec.
type TaskType string

const (
	TaskHTTP   TaskType = "http"
	TaskPython TaskType = "python"
	TaskGRPC   TaskType = "grpc"
	TaskModel  TaskType = "model"
	TaskSQL    TaskType = "sql"
	TaskKafka  TaskType = "kafka"
	TaskShell  TaskType = "shell"
)

// TaskSpec is one node of a WorkflowSpec's DAG.
type TaskSpec struct {
	ID           string            `json:"id"`
	Type         TaskType          `json:"type"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	AllowFailure bool              `json:"allow_failure,omitempty"`
	Cacheable    bool              `json:"cacheable,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`

	// HTTP plugin fields.
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`

	// Python/shell plugin field: the script or command line.
	Script string `json:"script,omitempty"`
}

// WorkflowSpec is a named, versioned DAG definition.
type WorkflowSpec struct {
	Name string     `json:"name"`
	Tasks []TaskSpec `json:"tasks"`
}

// CampaignRecord is the persisted outcome of one WorkflowSpec run.
type CampaignRecord struct {
	CampaignID   string                `json:"campaign_id"`
	WorkflowName string                `json:"workflow_name"`
	StartTime    time.Time             `json:"start_time"`
	EndTime      time.Time             `json:"end_time"`
	Final        scheduler.OverallState `json:"final"`
	Error        string                `json:"error,omitempty"`
	Cancelled    bool                  `json:"cancelled,omitempty"`
}
