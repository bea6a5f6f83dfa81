package domain

import (
	"time"

	"github.com/samber/lo"
)

// NoMessagesYet is returned for a chatroom whose log is still empty.
const NoMessagesYet = "No Messages Yet"

// MessageRecord is an immutable entry in a chatroom's message log.
// Seq is assigned by the registry and is strictly increasing and gap-free
// within one chatroom; SentAt is wall-clock time for display only.
type MessageRecord struct {
	SenderID string    `json:"senderID"`
	Text     string    `json:"text"`
	Seq      uint64    `json:"seq"`
	SentAt   time.Time `json:"sentAt"`
}

// ChatroomRecord is the persisted state of a chatroom. The participant set
// is fixed at creation; the message log is append-only.
type ChatroomRecord struct {
	ID             string          `json:"id"`
	ParticipantIDs []string        `json:"participantIDs"`
	Messages       []MessageRecord `json:"messages"`

	// NextSeq is the sequence number the next appended message receives.
	NextSeq uint64 `json:"nextSeq"`
}

func (c ChatroomRecord) HasParticipant(userID string) bool {
	return lo.Contains(c.ParticipantIDs, userID)
}

// Append adds a message to the log and advances the sequence counter.
// The caller persists the record under optimistic concurrency, so a lost
// race discards the in-memory mutation along with the stale copy.
func (c *ChatroomRecord) Append(senderID, text string, at time.Time) MessageRecord {
	msg := MessageRecord{
		SenderID: senderID,
		Text:     text,
		Seq:      c.NextSeq,
		SentAt:   at,
	}
	c.Messages = append(c.Messages, msg)
	c.NextSeq++
	return msg
}

// MostRecentMessage mirrors the client-facing preview line.
func (c ChatroomRecord) MostRecentMessage() string {
	if len(c.Messages) == 0 {
		return NoMessagesYet
	}
	return c.Messages[len(c.Messages)-1].Text
}
