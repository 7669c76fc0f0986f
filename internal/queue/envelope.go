// Package queue implements the outbound delivery engine's dequeue loop
// from spec §4.4: per-route MX/Relay/Local dispatch through
// internal/target/remote, the retry/notify/expiry schedule, sender and
// per-route rate limiting, and delay/failure DSN generation.
//
// Grounded on original_source/crates/smtp/src/outbound/delivery.rs's
// try_deliver/deliver_task state machine (lock event, load message, expire
// recipients, group by domain, retry-schedule selection), adapted to this
// tree's Store façade and task_queue table rather than Stalwart's
// dedicated QueueClass key space.
package queue

import (
	"encoding/json"
	"time"

	"github.com/spilledink/mailcore/internal/coreconfig"
)

// RecipientState is one recipient's progress through delivery, mirroring
// the teacher's Status{Scheduled, TemporaryFailure, PermanentFailure,
// Completed} enum (spec §4.4 step 4/6).
type RecipientState string

const (
	RecipStateScheduled RecipientState = "scheduled"
	RecipStateTempFail  RecipientState = "temp_fail"
	RecipStateDelivered RecipientState = "delivered"
	RecipStatePermFail  RecipientState = "perm_fail"
	RecipStateExpired   RecipientState = "expired"
)

// Recipient tracks one envelope recipient's delivery progress across
// retries.
type Recipient struct {
	Address       string         `json:"address"`
	State         RecipientState `json:"state"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	DelayNotified bool           `json:"delay_notified,omitempty"`
	FinalNotified bool           `json:"final_notified,omitempty"`
}

// Envelope is the durable state of one queued message, serialized as a
// task_queue row's payload. MessageBlobHash references the MIME bytes
// already stored content-addressed by internal/ingest's PutBlob call,
// avoiding a second copy of the message body in the queue row itself.
type Envelope struct {
	ID              uint64      `json:"id"`
	AccountID       uint32      `json:"account_id"`
	MailFrom        string      `json:"mail_from"`
	MessageBlobHash string      `json:"message_blob_hash"`
	VirtualQueue    string      `json:"virtual_queue"`
	Recipients      []Recipient `json:"recipients"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
}

func (e *Envelope) encode() []byte {
	raw, _ := json.Marshal(e)
	return raw
}

func decodeEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// pendingRecipients returns the addresses still awaiting a terminal
// outcome (spec §4.4 step 5's "no recipient is still pending" check).
func (e *Envelope) pendingRecipients() []string {
	var out []string
	for _, r := range e.Recipients {
		if r.State == RecipStateScheduled || r.State == RecipStateTempFail {
			out = append(out, r.Address)
		}
	}
	return out
}

func (e *Envelope) recipient(addr string) *Recipient {
	for i := range e.Recipients {
		if e.Recipients[i].Address == addr {
			return &e.Recipients[i]
		}
	}
	return nil
}

// nextRetryDelay selects retry[min(attempts, len-1)] per spec §4.4's
// retry-schedule paragraph.
func nextRetryDelay(strategy coreconfig.QueueStrategy, attempts int) time.Duration {
	if len(strategy.Retry) == 0 {
		return time.Hour
	}
	idx := attempts
	if idx >= len(strategy.Retry) {
		idx = len(strategy.Retry) - 1
	}
	return time.Duration(strategy.Retry[idx]) * time.Second
}
