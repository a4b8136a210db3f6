package report

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{Delivered, "delivered"},
		{Retryable, "retryable"},
		{Permanent, "permanent"},
		{Outcome(42), "outcome(42)"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", int(tt.o), got, tt.want)
		}
	}
}

func TestReport_Fingerprint(t *testing.T) {
	a := Report{APIKey: "k1", Payload: json.RawMessage(`{"error":"boom"}`)}
	b := Report{APIKey: "k1", Payload: json.RawMessage(`{"error":"boom"}`)}
	c := Report{APIKey: "k2", Payload: json.RawMessage(`{"error":"boom"}`)}

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical reports should share a fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("reports for different keys should not share a fingerprint")
	}
}

func TestEntry_JSONShape(t *testing.T) {
	id := uuid.MustParse("6f1c0d0e-8a1b-4c55-9f7e-1b2d3c4e5f60")
	e := Entry{ID: id, Report: Report{APIKey: "key", Payload: json.RawMessage(`{"a":1}`)}}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"id":"6f1c0d0e-8a1b-4c55-9f7e-1b2d3c4e5f60","report":{"apiKey":"key","payload":{"a":1}}}`
	if string(data) != want {
		t.Errorf("got %s\nwant %s", data, want)
	}
}
