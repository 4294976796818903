package models

// JobStatus represents the lifecycle state shared by all job kinds.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal returns true once a job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobPriority maps onto the broker's 0..9 message priority range.
type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
	PriorityUrgent JobPriority = "urgent"
)

// BrokerValue returns the AMQP priority for this job priority.
// Unknown values fall back to normal.
func (p JobPriority) BrokerValue() uint8 {
	switch p {
	case PriorityUrgent:
		return 9
	case PriorityHigh:
		return 7
	case PriorityLow:
		return 1
	default:
		return 5
	}
}
