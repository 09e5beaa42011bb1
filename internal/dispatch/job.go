package dispatch

import (
	"time"
)

// SendQueueKey is the Redis sorted set holding scheduled send jobs, scored
// by due time in UnixMicro.
const SendQueueKey = "send_queue"

// SendJob is one scheduled (prospect, message) send queued in Redis. It
// carries identifiers only; the worker loads fresh prospect state at send
// time so consent and segment are never stale.
//
// Position is the job's index among its enrollment's queued jobs. The
// sender uses it to hold a job back until every earlier slot has been
// attempted, keeping per-prospect message order even when two jobs come
// due in the same tick.
type SendJob struct {
	EnrollmentID string    `json:"enrollment_id"`
	ProspectID   string    `json:"prospect_id"`
	SequenceID   string    `json:"sequence_id"`
	MessageID    string    `json:"message_id"`
	MessageOrder int       `json:"message_order"`
	Position     int       `json:"position"`
	Channel      string    `json:"channel"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}
