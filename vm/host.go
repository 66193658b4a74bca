package vm

import (
	"context"

	"github.com/praxislang/praxis/capability"
	"github.com/praxislang/praxis/errz"
	"github.com/praxislang/praxis/value"
)

// HostFunc is a host-callable implementation invoked by the HostCall
// instruction. The machine is passed so host functions can allocate heap
// values; they must not retain it past the call.
type HostFunc func(ctx context.Context, m *Machine, args []value.Value) (value.Value, error)

// sandbox is one active sandbox scope. It isolates the machine's grant set
// and installs a local error boundary: a capability violation raised inside
// the scope is caught here, logged, and converted to a result value instead
// of propagating.
type sandbox struct {
	outer      *capability.Set
	frameDepth int
	stackStart int
	recoverIP  int
}

// SandboxViolationSymbol is the interned symbol a sandbox scope yields when
// it catches a violation.
const SandboxViolationSymbol = "sandbox-violation"

// checkCapability consults the granted-capability set for the capability at
// the given registry index. Formal and Verified code skips the check: its
// capability use was proof-checked ahead of time. The check runs at every
// host call, never at frame transitions, so tail calls across a sandbox
// boundary cannot bypass it.
func (m *Machine) checkCapability(capIndex int) error {
	if !m.tier.RequiresRuntimeCheck() {
		return nil
	}
	token, err := m.registry.TokenAt(capIndex)
	if err != nil {
		return errz.New(errz.InvalidBytecode, "%v", err).WithCause(err)
	}
	if !m.caps.Has(token) {
		return errz.NewCapabilityDenied(token.Name())
	}
	return nil
}

// hasCapability reports whether the capability at the given registry index
// is granted. Unknown indices report false rather than erroring, since
// HasCap exists precisely to probe before acting.
func (m *Machine) hasCapability(capIndex int) bool {
	token, err := m.registry.TokenAt(capIndex)
	if err != nil {
		return false
	}
	return m.caps.Has(token)
}

// recoverSandbox handles an error raised while a sandbox scope is active.
// Violations originating within the scope are caught: the grant set is
// restored, frames and stack are unwound to the entry point, the violation
// is logged, and the sandbox-violation symbol becomes the scope's result.
// All other error kinds propagate.
func (m *Machine) recoverSandbox(err error) bool {
	if len(m.sandboxes) == 0 {
		return false
	}
	verr, ok := err.(*errz.Error)
	if !ok {
		return false
	}
	switch verr.Kind {
	case errz.CapabilityDenied, errz.SandboxViolation:
	default:
		return false
	}
	sb := m.sandboxes[len(m.sandboxes)-1]
	m.sandboxes = m.sandboxes[:len(m.sandboxes)-1]

	m.logger.Warn().
		Str("kind", verr.Kind.String()).
		Str("capability", verr.Capability).
		Int("frame_depth", len(m.frames)).
		Msg("sandbox violation caught")

	m.caps = sb.outer
	m.frames = m.frames[:sb.frameDepth]
	m.stack = m.stack[:sb.stackStart]
	m.ip = sb.recoverIP
	m.stack = append(m.stack, m.interner.Symbol(SandboxViolationSymbol))
	return true
}
