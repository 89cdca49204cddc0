package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

// Static is a deterministic rule-based classifier and drafter for dev
// and tests. It reads obvious signals (dollar amounts, exemption
// citations, hostile phrasing) and emits fixed-template drafts.
type Static struct{}

var _ Classifier = Static{}
var _ Drafter = Static{}

// feeRe matches "$15.00", "$1,250.50", "$75".
var feeRe = regexp.MustCompile(`\$\s?([0-9][0-9,]*)(?:\.([0-9]{2}))?`)

// exemptionRe matches statutory citations like "Exemption 7(A)" or
// "b(6)".
var exemptionRe = regexp.MustCompile(`(?i)exemption\s+[0-9]+(\([A-Za-z]\))?|\bb\([0-9]\)`)

// Classify applies keyword rules in a fixed order; the first matching
// intent wins.
func (Static) Classify(_ context.Context, req Request) (*contracts.Analysis, error) {
	if req.Message == nil {
		return nil, fmt.Errorf("classify: no message")
	}
	body := strings.ToLower(req.Message.Subject + "\n" + req.Message.BodyText)
	a := &contracts.Analysis{
		Intent:     contracts.IntentOther,
		Sentiment:  contracts.SentimentNeutral,
		Confidence: 0.6,
	}

	if fee := extractFee(req.Message.BodyText); fee != nil &&
		(strings.Contains(body, "cost") || strings.Contains(body, "fee") || strings.Contains(body, "deposit")) {
		a.Intent = contracts.IntentFeeNotice
		a.Confidence = 0.95
		a.ExtractedFeeAmount = fee
		a.ConstraintsDetected = append(a.ConstraintsDetected, "fee required")
		a.KeyPoints = append(a.KeyPoints, fmt.Sprintf("agency quoted $%d.%02d", fee.AmountCents/100, fee.AmountCents%100))
		return a, nil
	}

	if cites := exemptionRe.FindAllString(req.Message.BodyText, -1); len(cites) > 0 ||
		strings.Contains(body, "denied") || strings.Contains(body, "denial") {
		a.Intent = contracts.IntentDenial
		a.Sentiment = contracts.SentimentNegative
		a.Confidence = 0.9
		a.ExemptionCitations = cites
		a.ConstraintsDetected = append(a.ConstraintsDetected, "exemption claimed")
		return a, nil
	}

	if strings.Contains(body, "clarify") || strings.Contains(body, "clarification") ||
		strings.Contains(body, "narrow your request") {
		a.Intent = contracts.IntentClarification
		a.Confidence = 0.85
		a.ConstraintsDetected = append(a.ConstraintsDetected, "needs clarification")
		return a, nil
	}

	if strings.Contains(body, "cease") || strings.Contains(body, "harass") ||
		strings.Contains(body, "do not contact") {
		a.Intent = contracts.IntentOther
		a.Sentiment = contracts.SentimentHostile
		a.Confidence = 0.8
		return a, nil
	}

	if strings.Contains(body, "received your request") || strings.Contains(body, "acknowledg") {
		a.Intent = contracts.IntentAcknowledgment
		a.Confidence = 0.85
		return a, nil
	}

	if strings.Contains(body, "records are attached") || strings.Contains(body, "responsive records") {
		a.Intent = contracts.IntentRecordsProvided
		a.Sentiment = contracts.SentimentPositive
		a.Confidence = 0.85
		return a, nil
	}

	if strings.Contains(body, "referred") || strings.Contains(body, "not the custodian") {
		a.Intent = contracts.IntentReferral
		a.Confidence = 0.8
		a.ConstraintsDetected = append(a.ConstraintsDetected, "referred elsewhere")
		return a, nil
	}

	// Nothing recognized: low confidence on purpose so the planner
	// escalates rather than guessing.
	a.Confidence = 0.4
	return a, nil
}

// Draft renders a minimal plain-text draft per action. Real content
// comes from the model adapter; this keeps dev and tests readable.
func (Static) Draft(_ context.Context, req DraftRequest) (*contracts.Draft, error) {
	if req.Case == nil {
		return nil, fmt.Errorf("draft: no case")
	}
	subject := "Re: " + req.Case.Subject
	var body strings.Builder

	switch req.ActionType {
	case contracts.ActionAcceptFee:
		fee := "the quoted fee"
		if req.Case.FeeQuote != nil {
			fee = fmt.Sprintf("$%d.%02d", req.Case.FeeQuote.AmountCents/100, req.Case.FeeQuote.AmountCents%100)
		}
		fmt.Fprintf(&body, "We accept the assessed fee of %s for our records request. Please proceed with processing.", fee)
	case contracts.ActionNegotiateFee:
		fmt.Fprintf(&body, "The quoted fee appears higher than comparable requests. We ask that the agency itemize the estimate and consider a reduction or partial production.")
	case contracts.ActionDeclineFee:
		fmt.Fprintf(&body, "We decline the quoted fee and ask the agency to close the fee assessment.")
	case contracts.ActionSendFeeWaiverRequest:
		fmt.Fprintf(&body, "We request a fee waiver: disclosure is in the public interest and not primarily commercial.")
	case contracts.ActionSendRebuttal, contracts.ActionSendAppeal:
		fmt.Fprintf(&body, "We appeal the denial of our records request. The cited exemption does not apply to the records sought, and any exempt material can be segregated and redacted.")
	case contracts.ActionSendClarification:
		fmt.Fprintf(&body, "To clarify the scope of our request: %s", req.Case.RequestBody)
	case contracts.ActionSendFollowup:
		fmt.Fprintf(&body, "We are following up on our pending records request. Please provide a status update and an estimated completion date.")
	case contracts.ActionSendStatusUpdate:
		fmt.Fprintf(&body, "Checking in on the status of our records request.")
	case contracts.ActionWithdraw:
		fmt.Fprintf(&body, "We withdraw our records request. No further action is needed.")
	case contracts.ActionReformulateRequest:
		fmt.Fprintf(&body, "%s", req.Case.RequestBody)
	default:
		fmt.Fprintf(&body, "Regarding our public records request: %s", req.Case.Subject)
	}

	if req.Instruction != "" {
		fmt.Fprintf(&body, "\n\n[Adjusted per instruction: %s]", req.Instruction)
	}

	text := body.String()
	return &contracts.Draft{
		Subject:  subject,
		BodyText: text,
		BodyHTML: "<p>" + text + "</p>",
	}, nil
}

// extractFee pulls the largest dollar amount in the body. Deposits ride
// along with estimates; the estimate governs routing.
func extractFee(body string) *contracts.FeeAmount {
	matches := feeRe.FindAllStringSubmatch(body, -1)
	var maxCents int64
	for _, m := range matches {
		whole := strings.ReplaceAll(m[1], ",", "")
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			continue
		}
		cents := n * 100
		if m[2] != "" {
			frac, _ := strconv.ParseInt(m[2], 10, 64)
			cents += frac
		}
		if cents > maxCents {
			maxCents = cents
		}
	}
	if maxCents == 0 {
		return nil
	}
	return &contracts.FeeAmount{AmountCents: maxCents, Currency: "USD"}
}
