// Package actor runs Praxis programs as communicating actors. Each actor
// owns a private Machine with its own heap, stack, and grant set; the only
// channel between them is capability-gated message passing through the
// system's mailboxes. The scheduler is a deterministic round-robin over
// pending deliveries with a fixed operation budget per turn.
package actor

import (
	"context"
	"fmt"

	"github.com/praxislang/praxis/bytecode"
	"github.com/praxislang/praxis/capability"
	"github.com/praxislang/praxis/value"
	"github.com/praxislang/praxis/vm"
	"github.com/rs/zerolog"
)

// Host function ids every actor machine is wired with. HostSend enqueues a
// message, HostRecv yields the delivery that started the current turn as a
// (sender . payload) pair, HostSelf yields the actor's own id.
const (
	HostSend = 0
	HostRecv = 1
	HostSelf = 2
)

// DefaultTurnBudget is the operation budget granted per delivered message.
const DefaultTurnBudget = 100_000

// System schedules a set of actors. Not safe for concurrent use; it is the
// single owner of every machine it spawns.
type System struct {
	registry *capability.Registry
	sendCap  capability.Token
	recvCap  capability.Token

	logger    zerolog.Logger
	turnOps   int64
	limits    vm.Limits
	tier      capability.TrustTier
	nextID    int64
	actors    map[int64]*actorState
	queue     []delivery
	delivered int
}

type actorState struct {
	id      int64
	machine *vm.Machine
	current *delivery
	turns   int
}

type delivery struct {
	to      int64
	from    int64
	payload *Message
}

// SystemOption configures a System.
type SystemOption func(*System)

// WithLogger sets the system logger.
func WithLogger(logger zerolog.Logger) SystemOption {
	return func(s *System) { s.logger = logger }
}

// WithTurnBudget sets the operation budget granted per delivered message.
func WithTurnBudget(ops int64) SystemOption {
	return func(s *System) { s.turnOps = ops }
}

// WithActorLimits sets the resource limits applied to each spawned machine.
func WithActorLimits(limits vm.Limits) SystemOption {
	return func(s *System) { s.limits = limits }
}

// WithTrustTier sets the trust tier spawned actors run under.
func WithTrustTier(tier capability.TrustTier) SystemOption {
	return func(s *System) { s.tier = tier }
}

// NewSystem creates an empty actor system. The messaging capabilities
// actor.send and actor.recv are registered in its capability registry;
// spawned programs are gated on whichever of them they were granted.
func NewSystem(options ...SystemOption) *System {
	s := &System{
		registry: capability.NewRegistry(),
		sendCap:  capability.NewToken("actor.send"),
		recvCap:  capability.NewToken("actor.recv"),
		logger:   zerolog.Nop(),
		turnOps:  DefaultTurnBudget,
		tier:     capability.Empirical,
		nextID:   1,
		actors:   map[int64]*actorState{},
	}
	s.registry.Register(s.sendCap)
	s.registry.Register(s.recvCap)
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Registry returns the system's capability registry. Programs must be
// compiled against it so their capability operands resolve.
func (s *System) Registry() *capability.Registry {
	return s.registry
}

// SendCap returns the token gating HostSend.
func (s *System) SendCap() capability.Token {
	return s.sendCap
}

// RecvCap returns the token gating HostRecv and HostSelf.
func (s *System) RecvCap() capability.Token {
	return s.recvCap
}

// Spawn creates an actor running the given program and returns its id.
// The actor holds exactly the granted tokens, nothing by default.
func (s *System) Spawn(program *bytecode.Program, grants ...capability.Token) (value.Value, error) {
	id := s.nextID
	a := &actorState{id: id}

	machine, err := vm.New(program,
		vm.WithRegistry(s.registry),
		vm.WithTrustTier(s.tier),
		vm.WithLimits(s.limits),
		vm.WithCapabilities(grants...),
		vm.WithLogger(s.logger.With().Int64("actor", id).Logger()),
		vm.WithHostFunction(HostSend, s.hostSend(a)),
		vm.WithHostFunction(HostRecv, s.hostRecv(a)),
		vm.WithHostFunction(HostSelf, s.hostSelf(a)),
	)
	if err != nil {
		return value.Nil, err
	}
	a.machine = machine
	s.actors[id] = a
	s.nextID++
	s.logger.Debug().Int64("actor", id).Msg("actor spawned")
	return value.NewActorID(id), nil
}

// Send enqueues a message for delivery. from identifies the sender the
// receiver will observe; use the zero actor id for external injections.
func (s *System) Send(from, to value.Value, payload *Message) error {
	if to.Kind() != value.KindActorID {
		return fmt.Errorf("send target is not an actor id")
	}
	s.queue = append(s.queue, delivery{
		to:      to.Int(),
		from:    from.Int(),
		payload: payload,
	})
	return nil
}

// Alive returns the number of actors that have not been terminated.
func (s *System) Alive() int {
	return len(s.actors)
}

// Delivered returns the total number of messages delivered so far.
func (s *System) Delivered() int {
	return s.delivered
}

// Turns returns the number of turns the given actor has taken.
func (s *System) Turns(id value.Value) int {
	if a, ok := s.actors[id.Int()]; ok {
		return a.turns
	}
	return 0
}

// Run delivers queued messages until the queue drains or the context is
// cancelled. One delivery runs the receiver's program once under the turn
// budget. An actor whose turn fails is terminated and its queued messages
// become dead letters.
func (s *System) Run(ctx context.Context) error {
	for len(s.queue) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d := s.queue[0]
		s.queue = s.queue[1:]
		a, ok := s.actors[d.to]
		if !ok {
			s.logger.Debug().Int64("to", d.to).Msg("dead letter dropped")
			continue
		}

		a.current = &d
		a.machine.ExhaustBudget()
		a.machine.RefillBudget(s.turnOps)
		_, err := a.machine.Execute(ctx)
		a.current = nil
		a.turns++
		s.delivered++

		if err != nil {
			s.logger.Error().Err(err).Int64("actor", a.id).Msg("actor terminated")
			delete(s.actors, a.id)
		}
	}
	return nil
}

// hostSend implements HostSend for one actor: args are the target actor id
// and the payload. It returns true when the message was enqueued and false
// when the target does not exist.
func (s *System) hostSend(a *actorState) vm.HostFunc {
	return func(ctx context.Context, m *vm.Machine, args []value.Value) (value.Value, error) {
		if len(args) != 2 {
			return value.Nil, fmt.Errorf("send takes 2 arguments, got %d", len(args))
		}
		to := args[0]
		if to.Kind() != value.KindActorID {
			return value.Nil, fmt.Errorf("send target is not an actor id")
		}
		payload, err := extract(m, args[1])
		if err != nil {
			return value.Nil, err
		}
		if _, ok := s.actors[to.Int()]; !ok {
			s.logger.Debug().
				Int64("from", a.id).
				Int64("to", to.Int()).
				Msg("send to unknown actor")
			return value.False, nil
		}
		s.queue = append(s.queue, delivery{to: to.Int(), from: a.id, payload: payload})
		return value.True, nil
	}
}

// hostRecv implements HostRecv: it rebuilds the delivery that started this
// turn inside the receiving machine as a (sender . payload) pair.
func (s *System) hostRecv(a *actorState) vm.HostFunc {
	return func(ctx context.Context, m *vm.Machine, args []value.Value) (value.Value, error) {
		if a.current == nil {
			return value.Nil, nil
		}
		payload, err := materialize(m, a.current.payload)
		if err != nil {
			return value.Nil, err
		}
		return m.Arena().AllocPair(value.NewActorID(a.current.from), payload)
	}
}

func (s *System) hostSelf(a *actorState) vm.HostFunc {
	return func(ctx context.Context, m *vm.Machine, args []value.Value) (value.Value, error) {
		return value.NewActorID(a.id), nil
	}
}
