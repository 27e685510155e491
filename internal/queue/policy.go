// ABOUTME: Closed registry of job types and their retry/lease/validation policy.
// ABOUTME: Enqueue consults it to reject unknown types and freeze per-job attempt budgets.
package queue

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// TypePolicy declares how one job type behaves: its default attempt
// budget, an optional lease duration override for long-running work, and
// the top-level payload fields that must be present at enqueue time.
type TypePolicy struct {
	Type        string
	MaxAttempts int
	// LeaseDuration overrides the server-wide lease length for this type.
	// Zero means the server default applies.
	LeaseDuration time.Duration
	// Required lists top-level payload keys that must exist and be non-null.
	Required []string
}

// ValidatePayload checks payload against the policy's required fields.
// A nil payload is treated as the empty object. Anything that is not a
// JSON object is rejected outright.
func (p TypePolicy) ValidatePayload(payload []byte) error {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
		}
		if fields == nil { // literal JSON null
			return fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
		}
	}
	for _, key := range p.Required {
		raw, ok := fields[key]
		if !ok || string(raw) == "null" {
			return fmt.Errorf("%w: missing required field %q", ErrInvalidPayload, key)
		}
	}
	return nil
}

// Registry maps job types to their policies. It is immutable after
// construction, so lookups are safe from any goroutine without locking.
// Changing a policy only affects jobs enqueued afterwards; existing jobs
// keep the budget frozen onto them at creation.
type Registry struct {
	policies map[string]TypePolicy
}

// NewRegistry builds a registry from the given policies. Later entries
// with a duplicate type replace earlier ones.
func NewRegistry(policies ...TypePolicy) *Registry {
	m := make(map[string]TypePolicy, len(policies))
	for _, p := range policies {
		m[p.Type] = p
	}
	return &Registry{policies: m}
}

// Lookup returns the policy for jobType and whether one is registered.
func (r *Registry) Lookup(jobType string) (TypePolicy, bool) {
	p, ok := r.policies[jobType]
	return p, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.policies))
	for t := range r.policies {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// DefaultPolicies is the job-type table for the marketplace deployment.
// Payout execution gets a long lease because it waits on the payment
// provider; transcodes get one because they are CPU-bound and slow.
func DefaultPolicies() []TypePolicy {
	return []TypePolicy{
		{Type: "thumbnail.create", MaxAttempts: 3, Required: []string{"assetId"}},
		{Type: "media.transcode", MaxAttempts: 3, LeaseDuration: 10 * time.Minute, Required: []string{"assetId", "profile"}},
		{Type: "payout.execute", MaxAttempts: 5, LeaseDuration: 5 * time.Minute, Required: []string{"payoutId"}},
		{Type: "search.reindex", MaxAttempts: 3, Required: []string{"entityType", "entityId"}},
		{Type: "email.send", MaxAttempts: 4, Required: []string{"to", "template"}},
	}
}
