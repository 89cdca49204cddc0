package contracts

// Intent is the classifier's reading of what an agency message wants.
type Intent string

// Message intents.
const (
	IntentAcknowledgment  Intent = "acknowledgment"
	IntentRecordsProvided Intent = "records_provided"
	IntentPartialApproval Intent = "partial_approval"
	IntentDenial          Intent = "denial"
	IntentFeeNotice       Intent = "fee_notice"
	IntentClarification   Intent = "clarification"
	IntentNoResponse      Intent = "no_response"
	IntentStatusUpdate    Intent = "status_update"
	IntentReferral        Intent = "referral"
	IntentOther           Intent = "other"
)

// Sentiment is the classifier's reading of tone.
type Sentiment string

// Sentiments, friendliest first.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentHostile  Sentiment = "hostile"
)

// AtMostNegative reports whether the tone is negative or worse.
func (s Sentiment) AtMostNegative() bool {
	return s == SentimentNegative || s == SentimentHostile
}

// FeeAmount is a classifier-extracted money amount.
type FeeAmount struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// ScopeUpdate is a classifier-suggested status change for one scope item.
type ScopeUpdate struct {
	Name   string          `json:"name"`
	Status ScopeItemStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// Analysis is the structured classifier output for one inbound message.
type Analysis struct {
	Intent     Intent    `json:"intent"`
	Sentiment  Sentiment `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	KeyPoints  []string  `json:"key_points,omitempty"`

	ExtractedFeeAmount *FeeAmount `json:"extracted_fee_amount,omitempty"`

	// ConstraintsDetected are raw tags as the classifier emitted them;
	// folding canonicalizes them onto the Constraint set.
	ConstraintsDetected []string `json:"constraints_detected,omitempty"`

	ExemptionCitations []string      `json:"exemption_citations,omitempty"`
	ScopeUpdates       []ScopeUpdate `json:"scope_updates,omitempty"`
}

// Draft is generated outbound content for one action.
type Draft struct {
	Subject  string `json:"subject"`
	BodyText string `json:"body_text"`
	BodyHTML string `json:"body_html,omitempty"`
}
