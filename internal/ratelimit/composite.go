package ratelimit

import "context"

// Member names a limiter within a composite. Callers address members by name
// when supplying keys (fingerprint hash, network address), which keeps each
// limiter's policy independently testable.
type Member struct {
	Name    string
	Limiter Limiter
}

// Composite evaluates member limiters and allows a request only on unanimous
// approval. Remaining reports the tightest member budget.
type Composite struct {
	members []Member
}

// NewComposite builds a composite over the provided members.
func NewComposite(members ...Member) *Composite {
	return &Composite{members: append([]Member(nil), members...)}
}

// Check returns Allowed only when every member allows the keyed request.
// Keys are supplied per member name; a member without a key is skipped, so a
// request lacking a fingerprint is still throttled by address.
func (c *Composite) Check(ctx context.Context, keys map[string]string) (Decision, error) {
	decision := Decision{Allowed: true, Remaining: -1}
	for _, member := range c.members {
		key, ok := keys[member.Name]
		if !ok || key == "" {
			continue
		}
		memberDecision, err := member.Limiter.Check(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		if !memberDecision.Allowed {
			decision.Allowed = false
		}
		if decision.Remaining < 0 || memberDecision.Remaining < decision.Remaining {
			decision.Remaining = memberDecision.Remaining
		}
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision, nil
}

// Record records the hit against every member that had a key.
func (c *Composite) Record(ctx context.Context, keys map[string]string) error {
	for _, member := range c.members {
		key, ok := keys[member.Name]
		if !ok || key == "" {
			continue
		}
		if err := member.Limiter.Record(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
