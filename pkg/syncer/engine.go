// Package syncer computes and applies catch-up deltas between group logs.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relves/groupsync/internal/telemetry"
	"github.com/relves/groupsync/pkg/eventlog"
	"github.com/relves/groupsync/pkg/types"
)

// Outcome describes what handling a sync message did to the local log.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeNoop       Outcome = "noop"
	OutcomeReissued   Outcome = "reissued"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeGap        Outcome = "gap"
	OutcomeConflict   Outcome = "conflict"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeFailed     Outcome = "failed"
)

// Result reports the effect of Apply or HandlePush.
type Result struct {
	Outcome Outcome
	// Applied counts events newly added to the log.
	Applied int
	// Height is the local height afterwards.
	Height int64
	// Next is the request to send to the peer, if more catching up is needed.
	Next *types.SyncReq
}

// Config configures an Engine.
type Config struct {
	// MaxDelta caps the number of events per response; 0 means unlimited.
	MaxDelta int64
	Logger   *slog.Logger
}

// Engine drives SyncReq/SyncRes exchanges for any number of group logs.
// It keeps no per-group state; the log's current height is the only cursor.
type Engine struct {
	maxDelta int64
	logger   *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		maxDelta: cfg.MaxDelta,
		logger:   cfg.Logger,
	}
}

// Request builds the catch-up request for l at its current height.
func (e *Engine) Request(l *eventlog.Log) types.SyncReq {
	return types.SyncReq{GroupID: l.GroupID(), From: l.CurrentHeight()}
}

// Respond computes the delta (req.From, current] of l.
func (e *Engine) Respond(ctx context.Context, l *eventlog.Log, req types.SyncReq) (types.SyncRes, error) {
	if req.GroupID != l.GroupID() {
		return types.SyncRes{}, fmt.Errorf("sync request for group %d sent to log of group %d", req.GroupID, l.GroupID())
	}

	current, entries, err := l.Since(ctx, req.From, e.maxDelta)
	if err != nil {
		return types.SyncRes{}, err
	}

	res := types.SyncRes{
		GroupID: req.GroupID,
		Current: current,
		From:    req.From,
		To:      current,
	}
	if len(entries) > 0 {
		res.To = entries[len(entries)-1].Height
	}

	for _, en := range entries {
		ev := en.Event
		switch ev.Kind {
		case types.EventMemberJoin:
			m, _, err := l.Member(ctx, ev.Member)
			if err != nil {
				return types.SyncRes{}, err
			}
			res.Added = append(res.Added, types.AddedMember{
				Height: en.Height,
				Member: ev.Member,
				Addr:   m.Addr,
				Name:   ev.Name,
				Avatar: ev.Avatar,
			})
		case types.EventMemberLeave:
			res.Removed = append(res.Removed, types.RemovedMember{Height: en.Height, Member: ev.Member})
		case types.EventMessageCreate:
			res.Messages = append(res.Messages, types.MessageEntry{
				Height:  en.Height,
				Member:  ev.Member,
				Message: ev.Message,
				Time:    ev.Time,
			})
		default:
			return types.SyncRes{}, fmt.Errorf("unknown event kind %q at height %d", ev.Kind, en.Height)
		}
	}

	telemetry.SyncResponsesServed.Inc()
	e.logger.Debug("computed sync delta",
		"groupID", uint64(req.GroupID), "from", res.From, "to", res.To, "current", res.Current,
		"added", len(res.Added), "removed", len(res.Removed), "messages", len(res.Messages))
	return res, nil
}

// Apply applies a received SyncRes to l. If l moved past res.From since the
// request was sent, nothing is applied and Result.Next asks again from the
// local height. Heights applied before an error stay committed.
func (e *Engine) Apply(ctx context.Context, l *eventlog.Log, res types.SyncRes) (Result, error) {
	var result Result
	if res.GroupID != l.GroupID() {
		return result, fmt.Errorf("sync response for group %d applied to log of group %d", res.GroupID, l.GroupID())
	}

	entries := Interleave(res)
	err := l.Update(ctx, func(w *eventlog.Writer) error {
		local := w.Height()
		if res.From != local {
			result.Outcome = OutcomeReissued
			result.Next = &types.SyncReq{GroupID: res.GroupID, From: local}
			return nil
		}
		if res.To <= res.From {
			result.Outcome = OutcomeNoop
			return nil
		}
		if err := checkComplete(res, entries); err != nil {
			return err
		}

		for _, en := range entries {
			applied, err := w.ApplyRemote(en.Height, en.Event)
			if err != nil {
				return fmt.Errorf("apply height %d: %w", en.Height, err)
			}
			if applied {
				result.Applied++
			}
		}
		for _, a := range res.Added {
			if err := w.SetMemberAddr(a.Member, a.Addr); err != nil {
				return err
			}
		}
		result.Outcome = OutcomeApplied
		return nil
	})
	result.Height = l.CurrentHeight()

	if err != nil {
		result.Outcome = outcomeOf(err)
	} else if result.Outcome == OutcomeApplied && res.To < res.Current {
		result.Next = &types.SyncReq{GroupID: res.GroupID, From: res.To}
	}

	telemetry.SyncRoundsTotal.WithLabelValues(string(result.Outcome)).Inc()
	telemetry.EventsAppendedTotal.WithLabelValues("remote").Add(float64(result.Applied))
	e.logger.Debug("applied sync response",
		"groupID", uint64(res.GroupID), "from", res.From, "to", res.To,
		"outcome", result.Outcome, "applied", result.Applied, "height", result.Height)

	return result, err
}

// HandlePush applies a single pushed event. Pushes are advisory: duplicates are
// ignored, the next height is applied, and anything further ahead asks for a
// catch-up from the local height instead.
func (e *Engine) HandlePush(ctx context.Context, l *eventlog.Log, push types.Sync) (Result, error) {
	var result Result
	if push.GroupID != l.GroupID() {
		return result, fmt.Errorf("sync push for group %d applied to log of group %d", push.GroupID, l.GroupID())
	}

	err := l.Update(ctx, func(w *eventlog.Writer) error {
		local := w.Height()
		if push.Height > local+1 {
			result.Outcome = OutcomeGap
			result.Next = &types.SyncReq{GroupID: push.GroupID, From: local}
			return nil
		}

		applied, err := w.ApplyRemote(push.Height, push.Event)
		if err != nil {
			return err
		}
		if applied {
			result.Outcome = OutcomeApplied
			result.Applied = 1
		} else {
			result.Outcome = OutcomeDuplicate
		}
		return nil
	})
	result.Height = l.CurrentHeight()
	if err != nil {
		result.Outcome = outcomeOf(err)
	}

	telemetry.PushesTotal.WithLabelValues(string(result.Outcome)).Inc()
	telemetry.EventsAppendedTotal.WithLabelValues("remote").Add(float64(result.Applied))
	return result, err
}

func outcomeOf(err error) Outcome {
	switch {
	case errors.Is(err, types.ErrConflictingHistory):
		return OutcomeConflict
	case errors.Is(err, types.ErrIncompleteDelta):
		return OutcomeIncomplete
	default:
		return OutcomeFailed
	}
}
