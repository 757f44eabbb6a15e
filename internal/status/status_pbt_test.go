package status

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/agenticos/agentos-go/internal/store"
)

// Property: History round-trip
// For any sequence of valid history entries appended through the produced
// interface, the consumed interface returns them in order with the same
// reason, hash and status.
func TestPropertyHistoryRoundTrip(t *testing.T) {
	svc := NewService(store.NewMemory(baseline), baseline)
	srv := httptest.NewServer(NewHandler(svc, nil).Routes())
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		before, err := c.History(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		want := make([]HistoryEntry, 0, n)
		for i := 0; i < n; i++ {
			st := rapid.SampledFrom([]string{StatusConfirmed, StatusFailed, StatusTimedOut, StatusAbandoned}).Draw(rt, "status")
			var hash *string
			if st != StatusFailed || rapid.Bool().Draw(rt, "has_hash") {
				hash = StrPtr(rapid.StringMatching(`0x[0-9a-f]{64}`).Draw(rt, "hash"))
			}
			e := HistoryEntry{
				Timestamp: rapid.StringMatching(`[0-2][0-9]:[0-5][0-9]:[0-5][0-9]`).Draw(rt, "ts"),
				Reason:    rapid.StringMatching(`[A-Za-z][A-Za-z ]{0,40}`).Draw(rt, "reason"),
				TxHash:    hash,
				Status:    st,
			}
			if err := c.AppendHistory(ctx, e); err != nil {
				rt.Fatalf("append %+v: %v", e, err)
			}
			want = append(want, e)
		}

		all, err := c.History(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		got := all[len(before):]
		if len(got) != len(want) {
			rt.Fatalf("got %d new entries, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].Reason != want[i].Reason || got[i].Hash() != want[i].Hash() ||
				got[i].Status != want[i].Status || got[i].Timestamp != want[i].Timestamp {
				rt.Fatalf("entry %d: got %+v, want %+v", i, got[i], want[i])
			}
		}
	})
}
