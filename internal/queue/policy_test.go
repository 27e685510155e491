package queue

import (
	"errors"
	"testing"
	"time"
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(DefaultPolicies()...)

	p, ok := reg.Lookup("payout.execute")
	if !ok {
		t.Fatal("payout.execute should be registered")
	}
	if p.MaxAttempts != 5 {
		t.Fatalf("payout.execute MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.LeaseDuration != 5*time.Minute {
		t.Fatalf("payout.execute LeaseDuration = %v, want 5m", p.LeaseDuration)
	}

	if _, ok := reg.Lookup("video.frobnicate"); ok {
		t.Fatal("unregistered type should not resolve")
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(
		TypePolicy{Type: "zeta.task", MaxAttempts: 1},
		TypePolicy{Type: "alpha.task", MaxAttempts: 1},
		TypePolicy{Type: "mid.task", MaxAttempts: 1},
	)

	got := reg.Types()
	want := []string{"alpha.task", "mid.task", "zeta.task"}
	if len(got) != len(want) {
		t.Fatalf("Types() returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Types()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidatePayload(t *testing.T) {
	t.Parallel()

	p := TypePolicy{Type: "thumbnail.create", MaxAttempts: 3, Required: []string{"assetId"}}

	if err := p.ValidatePayload([]byte(`{"assetId": "ast_123", "width": 200}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	cases := []struct {
		name    string
		payload []byte
	}{
		{"missing field", []byte(`{"width": 200}`)},
		{"null field", []byte(`{"assetId": null}`)},
		{"empty payload", nil},
		{"not an object", []byte(`["assetId"]`)},
		{"literal null", []byte(`null`)},
		{"malformed", []byte(`{"assetId": `)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := p.ValidatePayload(tc.payload)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("ValidatePayload(%s) = %v, want ErrInvalidPayload", tc.payload, err)
			}
		})
	}
}

func TestValidatePayloadNoRequirements(t *testing.T) {
	t.Parallel()

	p := TypePolicy{Type: "search.sweep", MaxAttempts: 1}

	if err := p.ValidatePayload(nil); err != nil {
		t.Fatalf("nil payload with no requirements rejected: %v", err)
	}
	if err := p.ValidatePayload([]byte(`{}`)); err != nil {
		t.Fatalf("empty object with no requirements rejected: %v", err)
	}
	// Literal null is not the empty object even when nothing is required.
	if err := p.ValidatePayload([]byte(`null`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("ValidatePayload(null) = %v, want ErrInvalidPayload", err)
	}
}
