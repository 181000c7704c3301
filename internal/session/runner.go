package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/teamrun/internal/agent"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/ledger"
	"github.com/Iron-Ham/teamrun/internal/logging"
	"github.com/Iron-Ham/teamrun/internal/workspace"
)

// runner owns one session's loop and state.
type runner struct {
	m      *Manager
	agents []domain.Agent
	logger *logging.Logger

	// ctx is cancelled by Stop and by manager shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	sess       domain.Session
	history    []domain.Message
	turnCancel context.CancelFunc
}

func newRunner(m *Manager, sess domain.Session, agents []domain.Agent) *runner {
	ctx, cancel := context.WithCancel(m.baseCtx)
	return &runner{
		m:      m,
		agents: agents,
		logger: m.logger.WithSession(sess.ID).WithTeam(sess.TeamID),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		sess:   sess,
	}
}

func (r *runner) snapshot() *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sess
	return &s
}

func (r *runner) messages() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.history...)
}

// transitionLocked moves the session to status to. Terminal sessions
// reject every transition.
func (r *runner) transitionLocked(to domain.Status, reason, lastErr string) (domain.Status, error) {
	from := r.sess.Status
	if from.IsTerminal() {
		return from, fmt.Errorf("session %s is %s: %w", r.sess.ID, from, domain.ErrTerminalSession)
	}
	if !domain.CanTransition(from, to) {
		return from, fmt.Errorf("session %s: %s -> %s: %w", r.sess.ID, from, to, domain.ErrInvalidTransition)
	}
	now := r.m.now()
	r.sess.Status = to
	r.sess.UpdatedAt = now
	if reason != "" {
		r.sess.Reason = reason
	}
	if lastErr != "" {
		r.sess.LastError = lastErr
	}
	if to.IsTerminal() {
		r.sess.EndedAt = &now
	}
	return from, nil
}

// control handles Pause, Resume and Stop.
func (r *runner) control(ctx context.Context, to domain.Status, reason string) (*domain.Session, error) {
	r.mu.Lock()
	from, err := r.transitionLocked(to, reason, "")
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if to == domain.StatusStopped && r.turnCancel != nil {
		r.turnCancel()
	}
	snap := r.sess
	r.mu.Unlock()

	switch to {
	case domain.StatusStopped:
		r.cancel()
	case domain.StatusRunning:
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}

	r.logger.Info("session status changed", "from", string(from), "to", string(to))
	r.persist(ctx, &snap)
	r.publishStatus(&snap, from)
	return &snap, nil
}

// finish moves the loop into a terminal status. It is a no-op when a
// control command already ended the session.
func (r *runner) finish(to domain.Status, reason string, cause error) {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	r.mu.Lock()
	from, err := r.transitionLocked(to, reason, lastErr)
	snap := r.sess
	r.mu.Unlock()
	if err != nil {
		return
	}

	if to == domain.StatusFailed {
		r.logger.Warn("session failed", "reason", reason, "error", lastErr, "iteration", snap.CurrentIteration)
	} else {
		r.logger.Info("session ended", "status", string(to), "reason", reason, "iterations", snap.CurrentIteration-1)
	}
	r.persist(r.m.baseCtx, &snap)
	r.publishStatus(&snap, from)
}

func (r *runner) persist(ctx context.Context, s *domain.Session) {
	if r.m.store == nil {
		return
	}
	if err := r.m.store.UpdateSession(context.WithoutCancel(ctx), s); err != nil {
		r.logger.Error("failed to persist session", "error", err.Error())
	}
}

func (r *runner) publishStatus(s *domain.Session, prev domain.Status) {
	r.m.pub.Publish(event.NewSessionUpdateEvent(s.ProjectID, s.ID, event.SessionPayload{
		Status:           string(s.Status),
		PreviousStatus:   string(prev),
		CurrentIteration: s.CurrentIteration,
		TotalCost:        s.TotalCost,
		Reason:           s.Reason,
		Error:            s.LastError,
	}))
}

// run is the session loop. A panic in a turn fails the session instead of
// taking the process down.
func (r *runner) run() {
	defer close(r.done)
	defer r.cancel()

	var pc panics.Catcher
	pc.Try(r.loop)
	if rec := pc.Recovered(); rec != nil {
		r.logger.Error("session loop panicked", "panic", rec.String())
		r.finish(domain.StatusFailed, ReasonInternalError, rec.AsError())
	}
	r.m.forget(r.sess.ID)
}

func (r *runner) loop() {
	for {
		if !r.awaitRunning() {
			return
		}
		if !r.turn() {
			return
		}
	}
}

// awaitRunning blocks while the session is paused. It returns false once
// the session is terminal.
func (r *runner) awaitRunning() bool {
	for {
		r.mu.Lock()
		status := r.sess.Status
		r.mu.Unlock()

		switch {
		case status == domain.StatusRunning:
			return true
		case status.IsTerminal():
			return false
		}
		select {
		case <-r.wake:
		case <-r.ctx.Done():
			return false
		}
	}
}

// turn executes one iteration and reports whether the loop should go on.
func (r *runner) turn() bool {
	r.mu.Lock()
	if status := r.sess.Status; status != domain.StatusRunning {
		r.mu.Unlock()
		return !status.IsTerminal()
	}
	iteration := r.sess.CurrentIteration
	if limit := r.m.cfg.MaxIterations; limit > 0 && iteration > limit {
		r.mu.Unlock()
		r.finish(domain.StatusCompleted, ReasonIterationLimit, nil)
		return false
	}
	ag := r.agents[(iteration-1)%len(r.agents)]
	tc := agent.TurnContext{
		SessionID: r.sess.ID,
		TeamID:    r.sess.TeamID,
		ProjectID: r.sess.ProjectID,
		Prompt:    r.sess.Prompt,
		Iteration: iteration,
		Agent:     ag,
		History:   append([]domain.Message(nil), r.history...),
	}
	turnCtx, cancelTurn := context.WithCancel(r.ctx)
	r.turnCancel = cancelTurn
	r.mu.Unlock()

	defer func() {
		cancelTurn()
		r.mu.Lock()
		r.turnCancel = nil
		r.mu.Unlock()
	}()

	reservation, decision := r.m.ledger.Reserve(tc.TeamID, r.m.cfg.EstimatedTurnCost)
	if reservation == nil {
		r.logger.Info("turn refused by budget", "remaining", decision.Remaining, "iteration", iteration)
		r.finish(domain.StatusFailed, ReasonBudgetExhausted, decision.Err())
		return false
	}

	var files workspace.Snapshot
	if r.m.files != nil {
		var err error
		if files, err = r.m.files.Snapshot(tc.ProjectID); err != nil {
			r.logger.Warn("failed to snapshot project files", "error", err.Error())
		}
		tc.Files = files
	}

	r.logger.Debug("turn started", "iteration", iteration, "agent", ag.Name, "role", string(ag.Role))
	result, err := r.generate(turnCtx, tc)
	if err != nil {
		reservation.Release()
		if r.ctx.Err() != nil {
			// Stopped mid-turn; the stop already recorded the status.
			return false
		}
		r.finish(domain.StatusFailed, ReasonTurnFailed, err)
		return false
	}

	spend := reservation.Commit(result.Cost)
	r.recordSpend(spend)

	r.mu.Lock()
	r.sess.TotalCost += result.Cost
	if r.sess.Status.IsTerminal() {
		// The turn outlived a Stop. Its cost is real but its output is dropped.
		snap := r.sess
		r.mu.Unlock()
		r.persist(r.m.baseCtx, &snap)
		return false
	}
	if current := r.sess.CurrentIteration; current != iteration {
		r.mu.Unlock()
		err := &domain.InvariantViolationError{What: fmt.Sprintf("iteration moved from %d to %d during a turn", iteration, current)}
		r.logger.Error("invariant violation", "error", err.Error())
		r.finish(domain.StatusFailed, ReasonInternalError, err)
		return false
	}
	msg := domain.Message{
		ID:        uuid.NewString(),
		SessionID: r.sess.ID,
		AgentName: ag.Name,
		AgentRole: ag.Role,
		Iteration: iteration,
		Content:   result.Message,
		Cost:      result.Cost,
		Timestamp: r.m.now(),
	}
	r.history = append(r.history, msg)
	r.sess.CurrentIteration++
	r.sess.UpdatedAt = msg.Timestamp
	snap := r.sess
	r.mu.Unlock()

	if r.m.store != nil {
		if err := r.m.store.AppendMessage(r.m.baseCtx, &msg); err != nil {
			var iv *domain.InvariantViolationError
			if errors.As(err, &iv) {
				r.logger.Error("invariant violation", "error", err.Error())
				r.finish(domain.StatusFailed, ReasonInternalError, err)
				return false
			}
			r.logger.Error("failed to persist message", "iteration", iteration, "error", err.Error())
		}
	}

	r.m.pub.Publish(event.NewAgentReasoningEvent(snap.ProjectID, snap.ID, event.ReasoningPayload{
		AgentName: ag.Name,
		AgentRole: string(ag.Role),
		Iteration: iteration,
		Content:   result.Message,
		Cost:      result.Cost,
	}))
	r.propose(result.FileOps, files)

	r.logger.Info("turn complete",
		"iteration", iteration,
		"agent", ag.Name,
		"cost", result.Cost,
		"file_ops", len(result.FileOps),
		"done", result.Done)
	r.persist(r.m.baseCtx, &snap)
	r.publishStatus(&snap, snap.Status)

	if result.Done {
		r.finish(domain.StatusCompleted, ReasonAgentDone, nil)
		return false
	}
	return true
}

// generate calls the agent backend, retrying retryable failures up to
// MaxTurnRetries times.
func (r *runner) generate(ctx context.Context, tc agent.TurnContext) (agent.TurnResult, error) {
	eb := backoff.NewExponentialBackOff()
	if r.m.cfg.RetryInitialDelay > 0 {
		eb.InitialInterval = r.m.cfg.RetryInitialDelay
	}
	if r.m.cfg.RetryMaxDelay > 0 {
		eb.MaxInterval = r.m.cfg.RetryMaxDelay
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.m.cfg.MaxTurnRetries)), ctx)

	var (
		result   agent.TurnResult
		attempts int
	)
	op := func() error {
		attempts++
		res, err := r.m.gen.GenerateTurn(ctx, tc)
		if err != nil {
			if ctx.Err() != nil || !agent.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if res.Cost < 0 {
			res.Cost = 0
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("turn failed, retrying",
			"iteration", tc.Iteration,
			"attempt", attempts,
			"retry_in", wait.String(),
			"error", err.Error())
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return agent.TurnResult{}, &domain.ExternalCapabilityError{Capability: "agent turn", Attempts: attempts, Err: err}
	}
	return result, nil
}

// recordSpend persists the team's new spend and surfaces any overshoot.
func (r *runner) recordSpend(spend ledger.SpendResult) {
	if r.m.store != nil {
		if err := r.m.store.UpdateTeamBudgetUsed(r.m.baseCtx, spend.TeamID, spend.Used); err != nil {
			r.logger.Error("failed to persist team spend", "error", err.Error())
		}
	}
	if spend.Overshoot > 0 {
		r.mu.Lock()
		projectID, sessionID := r.sess.ProjectID, r.sess.ID
		r.mu.Unlock()
		r.m.pub.Publish(event.NewBudgetWarningEvent(projectID, sessionID, event.BudgetPayload{
			TeamID:      spend.TeamID,
			BudgetLimit: spend.Limit,
			BudgetUsed:  spend.Used,
			Overshoot:   spend.Overshoot,
		}))
	}
}

// propose forwards a turn's file operations to the reconciler. An op with
// no base fingerprint is proposed against files, the snapshot taken when
// the turn started. A refused operation is logged and does not fail the
// session.
func (r *runner) propose(ops []domain.FileOp, files workspace.Snapshot) {
	if len(ops) == 0 {
		return
	}
	r.mu.Lock()
	projectID, sessionID := r.sess.ProjectID, r.sess.ID
	r.mu.Unlock()

	if r.m.changes == nil {
		r.logger.Warn("no reconciler configured, dropping file operations", "count", len(ops))
		return
	}
	for _, op := range ops {
		if op.BaseFingerprint == "" && files != nil {
			op.BaseFingerprint = files.Base(op.Path)
		}
		_, err := r.m.changes.Propose(r.m.baseCtx, domain.PendingChange{
			ProjectID:       projectID,
			SessionID:       sessionID,
			Operation:       op.Operation,
			Path:            op.Path,
			Content:         op.Content,
			Source:          domain.SourceMultiAgent,
			BaseFingerprint: op.BaseFingerprint,
		})
		if err != nil {
			r.logger.Warn("file operation refused", "path", op.Path, "error", err.Error())
		}
	}
}
