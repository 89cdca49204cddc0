package contracts

import "time"

// Direction distinguishes agency mail from our own.
type Direction string

// Message directions.
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one inbound or outbound communication on a case. Inbound
// messages are immutable once stored except for case/thread attachment
// and the processed_at stamp, which is set once by the run that consumed
// the message.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Message struct {
	ID       string    `json:"id"`
	CaseID   string    `json:"case_id,omitempty"` // empty until matched
	ThreadID string    `json:"thread_id,omitempty"`
	Direction Direction `json:"direction"`

	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`

	BodyText string `json:"body_text"`
	BodyHTML string `json:"body_html,omitempty"`

	// InReplyTo carries the provider threading header used during
	// attachment matching.
	InReplyTo         string `json:"in_reply_to,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	MessageType       string `json:"message_type,omitempty"`

	ReceivedAt  *time.Time `json:"received_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	// ProcessedRunID is the run that consumed this inbound message.
	ProcessedRunID string `json:"processed_run_id,omitempty"`

	// ResponseAnalysis is the classifier output folded into the case,
	// kept on the message for audit.
	ResponseAnalysis *Analysis `json:"response_analysis,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// EffectiveReceivedAt orders inbound processing. Messages missing a
// provider timestamp fall back to creation time.
func (m *Message) EffectiveReceivedAt() time.Time {
	if m.ReceivedAt != nil {
		return *m.ReceivedAt
	}
	return m.CreatedAt
}

// Attachment is a file carried by a message. Content lives in the blob
// store; the row keeps only the address.
type Attachment struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	BlobAddress string    `json:"blob_address"`
	CreatedAt   time.Time `json:"created_at"`
}
