// Package batch runs user-initiated bulk job mutations as a durable,
// resumable background operation independent of any UI component lifetime.
package batch

// OperationType distinguishes the two supported bulk mutations.
type OperationType string

// Supported operation types.
const (
	OpStatusChange OperationType = "status-change"
	OpRemove       OperationType = "remove"
)

// JobRef identifies one saved job inside an operation.
type JobRef struct {
	UserJobID string `json:"user_job_id"`
	Title     string `json:"title"`
	Company   string `json:"company"`
	JobID     string `json:"job_id"`
}

// Operation is the durable record of one bulk request. It is checkpointed
// after every job so an interruption loses at most one in-flight mutation.
type Operation struct {
	UserID            string        `json:"user_id"`
	Type              OperationType `json:"operation_type"`
	TargetStatus      string        `json:"target_status,omitempty"`
	TargetStatusLabel string        `json:"target_status_label"`
	Jobs              []JobRef      `json:"jobs"`
	ProcessedJobIDs   []string      `json:"processed_job_ids"`
	SuccessCount      int           `json:"success_count"`
	FailedCount       int           `json:"failed_count"`
	Completed         bool          `json:"completed"`
}

// Remaining returns the jobs not yet attempted, in queue order.
func (op *Operation) Remaining() []JobRef {
	done := make(map[string]struct{}, len(op.ProcessedJobIDs))
	for _, id := range op.ProcessedJobIDs {
		done[id] = struct{}{}
	}
	var rest []JobRef
	for _, j := range op.Jobs {
		if _, ok := done[j.UserJobID]; !ok {
			rest = append(rest, j)
		}
	}
	return rest
}

// MarkProcessed records one attempt outcome.
func (op *Operation) MarkProcessed(userJobID string, ok bool) {
	op.ProcessedJobIDs = append(op.ProcessedJobIDs, userJobID)
	if ok {
		op.SuccessCount++
	} else {
		op.FailedCount++
	}
}
