package entities

import "time"

// OrderingKey totally orders queue entries: priority rank, then effective
// timestamp, then enqueue sequence.
type OrderingKey struct {
	Rank        int
	EffectiveAt time.Time
	Sequence    uint64
}

func (k OrderingKey) Less(other OrderingKey) bool {
	if k.Rank != other.Rank {
		return k.Rank < other.Rank
	}
	if !k.EffectiveAt.Equal(other.EffectiveAt) {
		return k.EffectiveAt.Before(other.EffectiveAt)
	}
	return k.Sequence < other.Sequence
}

type QueueEntry struct {
	Request    Request
	Key        OrderingKey
	EnqueuedAt time.Time
	// RetryAt is the earliest time a failed request may be leased again.
	// Zero for requests that have not failed.
	RetryAt time.Time
}

// NewQueueEntry keys a request for the queue. backoff shifts the sort
// timestamp and holds the entry until enqueuedAt+backoff; CreatedAt on the
// request is left untouched.
func NewQueueEntry(req Request, sequence uint64, backoff time.Duration, enqueuedAt time.Time) QueueEntry {
	entry := QueueEntry{
		Request: req,
		Key: OrderingKey{
			Rank:        req.Priority.Rank(),
			EffectiveAt: req.CreatedAt.Add(backoff),
			Sequence:    sequence,
		},
		EnqueuedAt: enqueuedAt.UTC(),
	}
	if backoff > 0 {
		entry.RetryAt = enqueuedAt.Add(backoff).UTC()
	}
	return entry
}

// BackingOff reports whether a failed entry is still inside its retry delay.
func (e QueueEntry) BackingOff(now time.Time) bool {
	return e.Request.AttemptCount > 0 && e.RetryAt.After(now)
}
