package capability

import "fmt"

// TrustTier classifies how a compiled unit was produced and therefore how
// much runtime enforcement must accompany its host calls. Tier promotion
// policy is external; the VM only consumes the classification.
type TrustTier int

const (
	// Formal code carries machine-checked proofs of its capability use.
	// No runtime checks are performed.
	Formal TrustTier = iota
	// Verified code was proof-checked ahead of time. No runtime checks.
	Verified
	// Empirical code gets runtime capability checks around host calls.
	Empirical
	// Experimental code gets runtime checks and is additionally wrapped in
	// a sandbox boundary that isolates its capability set and catches
	// violations rather than propagating them.
	Experimental
)

// String returns the lowercase tier name.
func (t TrustTier) String() string {
	switch t {
	case Formal:
		return "formal"
	case Verified:
		return "verified"
	case Empirical:
		return "empirical"
	case Experimental:
		return "experimental"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// RequiresRuntimeCheck reports whether host calls made by code of this tier
// must be checked against the active grant set at run time. Formal and
// Verified code had its capability use proof-checked ahead of time.
func (t TrustTier) RequiresRuntimeCheck() bool {
	return t == Empirical || t == Experimental
}

// ParseTier converts a tier name to a TrustTier.
func ParseTier(name string) (TrustTier, error) {
	switch name {
	case "formal":
		return Formal, nil
	case "verified":
		return Verified, nil
	case "empirical":
		return Empirical, nil
	case "experimental":
		return Experimental, nil
	default:
		return 0, fmt.Errorf("unknown trust tier %q", name)
	}
}
