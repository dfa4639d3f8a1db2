package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/formula-pm/formula-pm/internal/workflow"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskWorkflowNotify fans a committed workflow transition out to project members.
	TaskWorkflowNotify = "workflow:notify"
)

// NewWorkflowNotifyTask constructs an Asynq task carrying the transition event.
func NewWorkflowNotifyTask(event workflow.Event) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWorkflowNotify, data), nil
}
