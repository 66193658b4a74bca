package vm

import (
	"github.com/praxislang/praxis/capability"
	"github.com/rs/zerolog"
)

// Option configures a Machine.
type Option func(*Machine)

// WithLimits sets the machine's resource limits. Zero-valued fields take
// their defaults; negative fields disable the corresponding limit.
func WithLimits(limits Limits) Option {
	return func(m *Machine) {
		m.limits = limits
	}
}

// WithTrustTier sets the trust tier the program runs under. Formal and
// Verified tiers skip per-call capability checks; Empirical and
// Experimental tiers check every host call at run time.
func WithTrustTier(tier capability.TrustTier) Option {
	return func(m *Machine) {
		m.tier = tier
	}
}

// WithRegistry sets the capability registry used to resolve capability
// operands embedded in bytecode. Programs compiled against a registry must
// execute with the same one.
func WithRegistry(r *capability.Registry) Option {
	return func(m *Machine) {
		m.registry = r
	}
}

// WithCapabilities grants the given capability tokens to the machine.
func WithCapabilities(tokens ...capability.Token) Option {
	return func(m *Machine) {
		for _, t := range tokens {
			m.caps.Grant(t)
		}
	}
}

// WithCapabilitySet replaces the machine's grant set. The set is used
// directly, not copied; callers sharing one set across machines should
// Clone it first.
func WithCapabilitySet(set *capability.Set) Option {
	return func(m *Machine) {
		m.caps = set
	}
}

// WithHostFunction registers a host function under the given id, matching
// the fn-id operand of HostCall instructions.
func WithHostFunction(id int, fn HostFunc) Option {
	return func(m *Machine) {
		m.hostFns[id] = fn
	}
}

// WithLogger sets the machine's logger. The default is a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithObserver attaches an execution observer. Observation has a per-step
// cost; leave unset for production runs.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.observer = o
	}
}

// WithContextCheckInterval sets how many instructions execute between
// deterministic context-cancellation checks. Zero disables the periodic
// check; cancellation is then observed only via the halt flag.
func WithContextCheckInterval(n int) Option {
	return func(m *Machine) {
		m.contextCheckInterval = n
	}
}
