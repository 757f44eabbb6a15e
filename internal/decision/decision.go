// Package decision turns a metrics snapshot into BUY or WAIT. Every source
// produces free text carrying the ACTION marker and the text is parsed the
// same way regardless of where it came from.
package decision

import (
	"context"
	"errors"
	"strings"

	"github.com/agenticos/agentos-go/internal/status"
)

// DefaultReason is used when a BUY carries no REASON marker.
const DefaultReason = "Scaling server load"

// Markers of the decision text contract.
const (
	markerBuy    = "ACTION:BUY"
	markerReason = "REASON:"
	textWait     = "ACTION:WAIT"
)

// ErrQuota is returned when the reasoning engine is rate limited. The
// accompanying decision is always WAIT.
var ErrQuota = errors.New("decision: quota exhausted")

// Kind is BUY or WAIT.
type Kind int

const (
	Wait Kind = iota
	Buy
)

func (k Kind) String() string {
	if k == Buy {
		return "BUY"
	}
	return "WAIT"
}

// Decision is one cycle's verdict. Reason is set for BUY only.
type Decision struct {
	Kind   Kind
	Reason string
	Raw    string
}

// Source produces a decision for a snapshot. On error the returned decision
// is WAIT.
type Source interface {
	Decide(ctx context.Context, snap status.Snapshot) (Decision, error)
}

// Parse reads the decision text. Any occurrence of ACTION:BUY means BUY. The
// reason is the text after REASON:, or after the first "|" when there is no
// REASON marker, up to the end of the line; otherwise defaultReason.
func Parse(text, defaultReason string) Decision {
	if defaultReason == "" {
		defaultReason = DefaultReason
	}
	d := Decision{Raw: text}
	if !strings.Contains(text, markerBuy) {
		return d
	}
	d.Kind = Buy
	d.Reason = defaultReason

	rest := text[strings.Index(text, markerBuy)+len(markerBuy):]
	switch {
	case strings.Contains(rest, markerReason):
		rest = rest[strings.Index(rest, markerReason)+len(markerReason):]
	case strings.Contains(rest, "|"):
		rest = rest[strings.Index(rest, "|")+1:]
	default:
		return d
	}
	if i := strings.IndexAny(rest, "\r\n"); i >= 0 {
		rest = rest[:i]
	}
	if reason := strings.Trim(rest, " \t'\"`.*"); reason != "" {
		d.Reason = reason
	}
	return d
}
