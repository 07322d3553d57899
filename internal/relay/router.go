package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/ledzpl/chatrelay/internal/protocol"
)

// Router decides the fan-out of envelopes coming from active sessions.
type Router struct {
	registry *Registry
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time
}

func newRouter(registry *Registry, metrics *Metrics, log *slog.Logger, now func() time.Time) *Router {
	return &Router{
		registry: registry,
		metrics:  metrics,
		log:      log,
		now:      now,
	}
}

// Route dispatches env sent by from and reports whether the sender asked to leave.
func (r *Router) Route(from *Session, env protocol.Envelope) (leave bool) {
	r.metrics.routed(env.Kind)

	switch env.Kind {
	case protocol.KindBroadcast:
		r.log.Info("Broadcast", "user", env.From, "text", env.Body)
		r.fanout(env, r.registry.Sessions())
	case protocol.KindPrivate:
		r.private(from, env)
	case protocol.KindTyping:
		r.log.Debug("Typing", "user", env.From, "typing", env.IsTyping())
		others := lo.Reject(r.registry.Sessions(), func(s *Session, _ int) bool {
			return s == from
		})
		r.fanout(env, others)
	case protocol.KindLeave:
		return true
	default:
		r.log.Debug("Ignoring envelope", "user", env.From, "kind", env.Kind)
	}
	return false
}

func (r *Router) private(from *Session, env protocol.Envelope) {
	target, ok := r.registry.Get(env.To)
	if !ok {
		r.log.Info("Private recipient not found", "user", env.From, "to", env.To)
		r.deliver(from, protocol.NotFound(env.To).Stamp(r.now()))
		return
	}

	r.log.Info("Private", "user", env.From, "to", env.To)
	r.deliver(target, env)
	r.deliver(from, env)
}

func (r *Router) announceJoin(name string) {
	r.fanout(protocol.Joined(name).Stamp(r.now()), r.registry.Sessions())
	r.broadcastPresence()
}

func (r *Router) announceLeave(name string) {
	r.fanout(protocol.Left(name).Stamp(r.now()), r.registry.Sessions())
	r.broadcastPresence()
}

func (r *Router) broadcastPresence() {
	names, sessions := r.registry.view()
	r.fanout(protocol.Presence(names).Stamp(r.now()), sessions)
}

// fanout sends env to every target concurrently and waits for all sends, so a
// target observes envelopes from one origin in the order they were routed.
func (r *Router) fanout(env protocol.Envelope, targets []*Session) {
	if len(targets) == 0 {
		return
	}
	line, err := protocol.Encode(env)
	if err != nil {
		r.log.Error("Encoding failed", "kind", env.Kind, "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target *Session) {
			defer wg.Done()
			r.sendLine(target, line, env.Kind)
		}(target)
	}
	wg.Wait()
}

func (r *Router) deliver(target *Session, env protocol.Envelope) {
	line, err := protocol.Encode(env)
	if err != nil {
		r.log.Error("Encoding failed", "kind", env.Kind, "error", err)
		return
	}
	r.sendLine(target, line, env.Kind)
}

// sendLine swallows the failure of one target and closes it; its own read
// loop then runs the Closing path.
func (r *Router) sendLine(target *Session, line []byte, kind protocol.Kind) {
	if err := target.sendLine(line); err != nil {
		r.metrics.deliveryFailures.Inc()
		target.log.Warn("Delivery failed", "user", target.identity, "kind", kind, "error", err)
		target.close()
	}
}
