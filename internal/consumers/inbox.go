package consumers

import (
	"sync"
	"time"

	runtimepkg "github.com/drblury/policyflow/internal/runtime"
)

// DefaultInboxSize bounds how many dead letters are kept for replay.
const DefaultInboxSize = 256

// InboxEntry is the JSON view of a held dead letter.
type InboxEntry struct {
	EventID           string    `json:"eventId"`
	OriginalTopic     string    `json:"originalTopic"`
	ConsumerGroup     string    `json:"consumerGroup"`
	SubjectKey        string    `json:"subjectKey"`
	FailureReason     string    `json:"failureReason"`
	FailureKind       string    `json:"failureKind"`
	AttemptsExhausted int       `json:"attemptsExhausted"`
	FailedAt          time.Time `json:"failedAt"`
}

// Inbox keeps the most recent dead letters in memory, oldest evicted first.
// A record is identified by its event ID and consumer group.
type Inbox struct {
	mu      sync.Mutex
	size    int
	order   []string
	records map[string]runtimepkg.DeadLetterRecord
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{size: size, records: make(map[string]runtimepkg.DeadLetterRecord)}
}

func inboxKey(eventID, group string) string {
	return group + "/" + eventID
}

// Add stores rec. A redelivered record replaces the earlier copy.
func (b *Inbox) Add(rec runtimepkg.DeadLetterRecord) {
	key := inboxKey(rec.EventID, rec.ConsumerGroup)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.records[key]; !exists {
		b.order = append(b.order, key)
	}
	b.records[key] = rec

	for len(b.order) > b.size {
		delete(b.records, b.order[0])
		b.order = b.order[1:]
	}
}

// Take removes and returns the record.
func (b *Inbox) Take(eventID, group string) (runtimepkg.DeadLetterRecord, bool) {
	key := inboxKey(eventID, group)

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok {
		return runtimepkg.DeadLetterRecord{}, false
	}
	delete(b.records, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return rec, true
}

// Restore puts back a record whose replay failed.
func (b *Inbox) Restore(rec runtimepkg.DeadLetterRecord) {
	b.Add(rec)
}

// List returns the held records, oldest first.
func (b *Inbox) List() []InboxEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]InboxEntry, 0, len(b.order))
	for _, key := range b.order {
		rec := b.records[key]
		out = append(out, InboxEntry{
			EventID:           rec.EventID,
			OriginalTopic:     rec.OriginalTopic,
			ConsumerGroup:     rec.ConsumerGroup,
			SubjectKey:        rec.SubjectKey,
			FailureReason:     rec.FailureReason,
			FailureKind:       rec.FailureKind.String(),
			AttemptsExhausted: rec.AttemptsExhausted,
			FailedAt:          rec.FailedAt,
		})
	}
	return out
}

// Len reports the number of held records.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
