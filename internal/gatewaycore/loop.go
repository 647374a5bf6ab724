package gatewaycore

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// RouteStrategy selects how the candidate loop orders the candidate list
// head.
type RouteStrategy string

const (
	StrategyOrdered  RouteStrategy = "ordered"
	StrategyBalanced RouteStrategy = "balanced"
)

// Tracer is the narrow slice of C13 the candidate loop needs. Implemented
// by *trace.Writer in the real binary and a no-op/fake in tests.
type Tracer interface {
	Event(ctx context.Context, name string, kv ...any)
}

// AttemptBuilder builds one outbound attempt for a candidate, given whether
// session affinity should be stripped on this attempt.
type AttemptBuilder interface {
	Build(ctx context.Context, cand Candidate, stripSessionAffinity bool, idx int) (RetryPlan, error)
}

// Loop is C11: it drives C4 through C10 until a candidate responds
// terminally or the pool is exhausted.
type Loop struct {
	Selector   *CandidateSelector
	Cooldown   *CooldownTable
	Quality    *RouteQualityTable
	Inflight   *InflightCounter
	Gate       *RequestGate
	RouteState *RouteStateTable
	Sender     OutboundSender
	Tracer     Tracer

	GateWaitTimeout time.Duration
	Strategy        RouteStrategy
	P2CEnabled      bool
	P2CWindow       int
}

// Result is the outcome of one client request handled by the loop.
type Result struct {
	Response  *http.Response
	AccountID string
	NoAccount bool
	Deadline  bool

	// Guard is the winning candidate's in-flight guard on a success result;
	// nil otherwise. The caller must wrap Response.Body with
	// NewGuardedReadCloser(Response.Body, Guard) before streaming it so the
	// account's in-flight count only drops once the client has consumed the
	// response (released via the guard's own Release/Drop semantics).
	Guard *InflightGuard
}

// Run drives one client request through the candidate loop. keyID/model
// identify the route-state scope; path additionally scopes the request
// gate so /v1/responses and /v1/chat/completions (or /v1/messages) pace
// independently for the same key; builder constructs each candidate's
// outbound attempt.
func (l *Loop) Run(ctx context.Context, keyID, path, model string, builder AttemptBuilder) (*Result, error) {
	traceID := TraceIDFromContext(ctx)
	start := time.Now()

	candidates, err := l.Selector.CollectCandidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		l.trace(ctx, "REQUEST_FINAL", "trace_id", traceID, "status", 503, "error", "no available account")
		return &Result{NoAccount: true}, nil
	}
	l.trace(ctx, "CANDIDATE_POOL", "trace_id", traceID, "size", len(candidates))

	candidates = l.applyRouteStrategy(keyID, model, candidates)

	gateKey := keyID + "\x00" + path + "\x00" + model
	acquired, skipReason := l.Gate.Acquire(ctx, gateKey, l.GateWaitTimeout)
	if acquired {
		l.trace(ctx, "REQUEST_GATE_ACQUIRED", "trace_id", traceID)
		defer l.Gate.Release(gateKey, true)
	} else {
		l.trace(ctx, "REQUEST_GATE_SKIP", "trace_id", traceID, "reason", string(skipReason))
	}

	for idx, cand := range candidates {
		if ctx.Err() != nil {
			l.trace(ctx, "REQUEST_FINAL", "trace_id", traceID, "status", 504, "elapsed_ms", time.Since(start).Milliseconds())
			return &Result{Deadline: true}, nil
		}

		if l.Cooldown.IsInCooldown(cand.Account.AccountID, time.Now()) {
			l.trace(ctx, "CANDIDATE_SKIP", "trace_id", traceID, "account_id", cand.Account.AccountID, "reason", "cooldown")
			continue
		}

		guard, ok := l.Inflight.TryAcquire(cand.Account.AccountID)
		if !ok {
			l.trace(ctx, "CANDIDATE_SKIP", "trace_id", traceID, "account_id", cand.Account.AccountID, "reason", "inflight")
			continue
		}

		l.trace(ctx, "CANDIDATE_START", "trace_id", traceID, "account_id", cand.Account.AccountID, "idx", idx)

		stripAffinity := idx > 0
		plan, berr := builder.Build(ctx, cand, stripAffinity, idx)
		if berr != nil {
			guard.Release()
			slog.LogAttrs(ctx, slog.LevelWarn, "failed to build candidate attempt",
				slog.String("account_id", cand.Account.AccountID), slog.String("error", berr.Error()))
			continue
		}

		resp, kind, rerr := Run(ctx, l.Sender, plan)
		if rerr != nil {
			guard.Release()
			l.Cooldown.Mark(cand.Account.AccountID, ReasonNetwork, time.Now())
			l.trace(ctx, "ATTEMPT_RESULT", "trace_id", traceID, "account_id", cand.Account.AccountID, "error", rerr.Error())
			continue
		}

		l.trace(ctx, "ATTEMPT_RESULT", "trace_id", traceID, "account_id", cand.Account.AccountID, "status", resp.StatusCode)

		switch kind {
		case KindSuccess:
			l.Quality.Record(cand.Account.AccountID, resp.StatusCode, time.Now())
			l.Cooldown.Clear(cand.Account.AccountID)
			l.trace(ctx, "REQUEST_FINAL", "trace_id", traceID, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
			return &Result{Response: resp, AccountID: cand.Account.AccountID, Guard: guard}, nil

		case KindRetriable:
			l.Cooldown.MarkForStatus(cand.Account.AccountID, resp.StatusCode, time.Now())
			l.Quality.Record(cand.Account.AccountID, resp.StatusCode, time.Now())
			guard.Release()
			if idx < len(candidates)-1 {
				continue
			}
			l.trace(ctx, "REQUEST_FINAL", "trace_id", traceID, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
			return &Result{Response: resp, AccountID: cand.Account.AccountID}, nil

		default: // KindTerminalFailure
			l.Cooldown.MarkForStatus(cand.Account.AccountID, resp.StatusCode, time.Now())
			l.Quality.Record(cand.Account.AccountID, resp.StatusCode, time.Now())
			l.trace(ctx, "REQUEST_FINAL", "trace_id", traceID, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
			return &Result{Response: resp, AccountID: cand.Account.AccountID}, nil
		}
	}

	l.trace(ctx, "REQUEST_FINAL", "trace_id", traceID, "status", 503, "error", "no available account", "elapsed_ms", time.Since(start).Milliseconds())
	return &Result{NoAccount: true}, nil
}

// applyRouteStrategy reorders the candidate list head: ordered is a no-op; balanced
// rotates the head by the per-(key, model) cursor; in both modes a P2C
// challenger from the first window positions is swapped to head if its
// penalty is lower than the current head's.
func (l *Loop) applyRouteStrategy(keyID, model string, candidates []Candidate) []Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)

	if l.Strategy == StrategyBalanced && len(ordered) > 1 {
		cursor := l.RouteState.NextCursor(keyID, model, len(ordered))
		ordered = append(ordered[cursor:], ordered[:cursor]...)
	}

	if l.P2CEnabled && len(ordered) > 1 {
		window := l.P2CWindow
		if window <= 0 || window > len(ordered) {
			window = len(ordered)
		}
		idx := l.RouteState.P2CChallenger(keyID, model, window)
		if idx > 0 {
			now := time.Now()
			headPenalty := l.Quality.Penalty(ordered[0].Account.AccountID, now)
			challPenalty := l.Quality.Penalty(ordered[idx].Account.AccountID, now)
			if challPenalty < headPenalty {
				ordered[0], ordered[idx] = ordered[idx], ordered[0]
			}
		}
	}

	return ordered
}

func (l *Loop) trace(ctx context.Context, name string, kv ...any) {
	if l.Tracer == nil {
		return
	}
	l.Tracer.Event(ctx, name, kv...)
}
