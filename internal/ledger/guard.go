package ledger

import (
	"fmt"
	"strings"
)

// Action is a mutating operation subject to authorization
type Action string

const (
	ActionCreate       Action = "create"
	ActionTransfer     Action = "transfer"
	ActionUpdateStatus Action = "update_status"
)

// StatusPolicy decides who may change a batch's status
type StatusPolicy int

const (
	PolicyOwnerOnly StatusPolicy = iota
	PolicyRegulatorOnly
	PolicyOwnerOrRegulator
)

// ParseStatusPolicy parses owner_only, regulator_only or owner_or_regulator
func ParseStatusPolicy(s string) (StatusPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner_only", "owner":
		return PolicyOwnerOnly, nil
	case "regulator_only", "regulator":
		return PolicyRegulatorOnly, nil
	case "owner_or_regulator", "":
		return PolicyOwnerOrRegulator, nil
	default:
		return 0, fmt.Errorf("unknown status policy %q", s)
	}
}

func (p StatusPolicy) String() string {
	switch p {
	case PolicyOwnerOnly:
		return "owner_only"
	case PolicyRegulatorOnly:
		return "regulator_only"
	case PolicyOwnerOrRegulator:
		return "owner_or_regulator"
	default:
		return fmt.Sprintf("StatusPolicy(%d)", int(p))
	}
}

// Guard authorizes mutating requests against the current batch state
type Guard struct {
	policy     StatusPolicy
	regulators map[Identity]struct{}
}

// NewGuard creates a guard with the given status policy and regulator identities
func NewGuard(policy StatusPolicy, regulators ...Identity) *Guard {
	g := &Guard{
		policy:     policy,
		regulators: make(map[Identity]struct{}, len(regulators)),
	}
	for _, r := range regulators {
		if r != "" {
			g.regulators[r] = struct{}{}
		}
	}
	return g
}

// Policy returns the configured status policy
func (g *Guard) Policy() StatusPolicy { return g.policy }

// IsRegulator reports whether id is a configured regulator
func (g *Guard) IsRegulator(id Identity) bool {
	_, ok := g.regulators[id]
	return ok
}

// Authorize returns nil if requester may perform action on batch.
// batch may be nil for ActionCreate.
func (g *Guard) Authorize(batch *Batch, requester Identity, action Action) error {
	if requester == "" {
		return fmt.Errorf("%w: anonymous requester", ErrUnauthorized)
	}

	switch action {
	case ActionCreate:
		return nil
	case ActionTransfer:
		if batch == nil || requester != batch.CurrentOwner {
			return fmt.Errorf("%w: only the current holder may transfer custody", ErrUnauthorized)
		}
		return nil
	case ActionUpdateStatus:
		if batch == nil {
			return ErrUnauthorized
		}
		isOwner := requester == batch.CurrentOwner
		isRegulator := g.IsRegulator(requester)
		switch g.policy {
		case PolicyOwnerOnly:
			if isOwner {
				return nil
			}
		case PolicyRegulatorOnly:
			if isRegulator {
				return nil
			}
		case PolicyOwnerOrRegulator:
			if isOwner || isRegulator {
				return nil
			}
		}
		return fmt.Errorf("%w: status policy %s", ErrUnauthorized, g.policy)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrUnauthorized, action)
	}
}
