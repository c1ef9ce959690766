package domain

import "time"

// JobStatus is asserted by the job-management collaborator; the engine only
// reads it to decide whether allocations are still mutable.
type JobStatus string

const (
	JobOpen       JobStatus = "open"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobInvoiced   JobStatus = "invoiced"
	JobClosed     JobStatus = "closed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobOpen, JobInProgress, JobCompleted, JobInvoiced, JobClosed, JobCancelled:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobInvoiced || s == JobClosed || s == JobCancelled
}

type Job struct {
	ID        string
	Status    JobStatus
	UpdatedAt time.Time
}
