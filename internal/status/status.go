// Package status is the status collaborator: the metrics the agent polls and
// the history it reports to. It holds the wire types, an HTTP client for the
// agent side and the service behind cmd/statusd.
package status

import (
	"encoding/json"
	"errors"
	"regexp"

	"github.com/google/uuid"
)

// History statuses.
const (
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusAbandoned = "abandoned"
)

var validStatus = map[string]bool{
	StatusConfirmed: true,
	StatusFailed:    true,
	StatusTimedOut:  true,
	StatusAbandoned: true,
}

// Errors returned by the service and the client.
var (
	ErrInvalidEntry = errors.New("status: invalid history entry")
	ErrUnavailable  = errors.New("status: collaborator unavailable")
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)

// Snapshot is one poll of the metrics endpoint.
type Snapshot struct {
	Load                      int    `json:"load"`
	SubscriptionDaysRemaining int    `json:"subscriptionDaysRemaining"`
	Message                   string `json:"message,omitempty"`
	Paused                    bool   `json:"paused,omitempty"`
}

// UnmarshalJSON also accepts the legacy "sub_days" key.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	type plain Snapshot
	var aux struct {
		plain
		SubDays *int `json:"sub_days"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*s = Snapshot(aux.plain)
	if aux.SubDays != nil && !hasKey(b, "subscriptionDaysRemaining") {
		s.SubscriptionDaysRemaining = *aux.SubDays
	}
	return nil
}

// HistoryEntry is one record of the history interface. TxHash is null when
// nothing was broadcast. A producer that retries a write sets ID so the
// retry is recognised as the same entry.
type HistoryEntry struct {
	ID        string  `json:"id,omitempty"`
	Timestamp string  `json:"timestamp"`
	Reason    string  `json:"reason"`
	TxHash    *string `json:"txHash"`
	Status    string  `json:"status,omitempty"`
}

// UnmarshalJSON also accepts the legacy "tx_hash" key.
func (e *HistoryEntry) UnmarshalJSON(b []byte) error {
	type plain HistoryEntry
	var aux struct {
		plain
		LegacyTxHash *string `json:"tx_hash"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*e = HistoryEntry(aux.plain)
	if e.TxHash == nil && aux.LegacyTxHash != nil {
		e.TxHash = aux.LegacyTxHash
	}
	return nil
}

// Hash returns the transaction hash or "".
func (e HistoryEntry) Hash() string {
	if e.TxHash == nil {
		return ""
	}
	return *e.TxHash
}

// Normalize fills the default status and validates the entry. An entry
// without a status that carries a hash is a confirmed purchase; older
// agents post that shape.
func (e *HistoryEntry) Normalize() error {
	if e.Reason == "" {
		return errors.Join(ErrInvalidEntry, errors.New("reason is required"))
	}
	if e.ID != "" {
		if _, err := uuid.Parse(e.ID); err != nil {
			return errors.Join(ErrInvalidEntry, errors.New("id must be a uuid"))
		}
	}
	if h := e.Hash(); h != "" && !txHashPattern.MatchString(h) {
		return errors.Join(ErrInvalidEntry, errors.New("txHash must be 0x-prefixed hex"))
	}
	if e.TxHash != nil && *e.TxHash == "" {
		e.TxHash = nil
	}
	if e.Status == "" {
		if e.TxHash == nil {
			return errors.Join(ErrInvalidEntry, errors.New("status is required without txHash"))
		}
		e.Status = StatusConfirmed
	}
	if !validStatus[e.Status] {
		return errors.Join(ErrInvalidEntry, errors.New("unknown status "+e.Status))
	}
	if e.Status == StatusConfirmed && e.TxHash == nil {
		return errors.Join(ErrInvalidEntry, errors.New("confirmed entry needs txHash"))
	}
	return nil
}

func hasKey(b []byte, key string) bool {
	var m map[string]json.RawMessage
	if json.Unmarshal(b, &m) != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// StrPtr returns a pointer to s, or nil for "".
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
