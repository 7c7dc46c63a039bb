package integrations

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"talk2task/domain"
)

const (
	OpCreate       = "create"
	OpUpdateStatus = "update_status"
	OpDelete       = "delete"

	defaultMaxMirrors = 1
)

// CredentialLookup finds a user's active grant for a platform.
type CredentialLookup interface {
	ActiveCredential(ctx context.Context, userID string, platform domain.Platform) (domain.Credential, error)
}

// Claimer hands out exclusive create rights for a task on a platform.
type Claimer interface {
	Claim(ctx context.Context, taskID, platform string) (bool, error)
	Release(ctx context.Context, taskID, platform string) error
}

// FailureSink records failed platform calls for later inspection.
type FailureSink interface {
	RecordFailure(ctx context.Context, userID, taskID string, res domain.DispatchResult) error
}

type DispatcherConfig struct {
	MaxMirrors int
	// Timeout bounds each platform call.
	Timeout time.Duration
}

// Dispatcher fans side effects out to the connected platforms. It never
// returns an error: every outcome is a DispatchResult.
type Dispatcher struct {
	platforms   map[domain.Platform]Platform
	credentials CredentialLookup
	claims      Claimer
	failures    FailureSink
	cfg         DispatcherConfig
	logger      *log.Logger
}

// NewDispatcher wires the adapters. claims and failures may be nil.
func NewDispatcher(cfg DispatcherConfig, credentials CredentialLookup, claims Claimer, failures FailureSink, logger *log.Logger, platforms ...Platform) *Dispatcher {
	if cfg.MaxMirrors <= 0 {
		cfg.MaxMirrors = defaultMaxMirrors
	}
	if logger == nil {
		logger = log.New()
	}
	m := make(map[domain.Platform]Platform, len(platforms))
	for _, p := range platforms {
		m[p.Name()] = p
	}
	return &Dispatcher{platforms: m, credentials: credentials, claims: claims, failures: failures, cfg: cfg, logger: logger}
}

type dispatchTarget struct {
	index    int
	platform Platform
	cred     domain.Credential
}

// Dispatch creates remote objects for the task on the hinted platforms.
// Results are returned in hint order.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task, hints []string, timezone string) []domain.DispatchResult {
	platforms := CanonicalHints(hints)
	results := make([]domain.DispatchResult, len(platforms))

	if task.ExternalID != "" {
		for i, p := range platforms {
			results[i] = domain.DispatchResult{
				Platform:   p,
				Operation:  OpCreate,
				Status:     domain.DispatchAlreadyMirrored,
				ExternalID: task.ExternalID,
			}
		}
		return results
	}

	var targets []dispatchTarget
	for i, p := range platforms {
		results[i] = domain.DispatchResult{Platform: p, Operation: OpCreate}
		adapter, ok := d.platforms[p]
		if !ok {
			results[i].Status = domain.DispatchUnsupportedState
			continue
		}
		cred, err := d.credentials.ActiveCredential(ctx, task.UserID, p)
		if err != nil {
			if domain.IsNotFound(err) {
				results[i].Status = domain.DispatchNotConnected
				continue
			}
			entry := d.logger.WithFields(log.Fields{"user_id": task.UserID, "task_id": task.ID, "platform": p, "op": OpCreate})
			results[i] = d.lookupFailed(ctx, task, results[i], err, entry)
			continue
		}
		if len(targets) >= d.cfg.MaxMirrors {
			results[i].Status = domain.DispatchMirrorLimit
			continue
		}
		targets = append(targets, dispatchTarget{index: i, platform: adapter, cred: cred})
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t dispatchTarget) {
			defer wg.Done()
			results[t.index] = d.create(ctx, task, t, timezone)
		}(t)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) create(ctx context.Context, task domain.Task, t dispatchTarget, timezone string) domain.DispatchResult {
	name := t.platform.Name()
	res := domain.DispatchResult{Platform: name, Operation: OpCreate}
	entry := d.logger.WithFields(log.Fields{"user_id": task.UserID, "task_id": task.ID, "platform": name, "op": OpCreate})

	if d.claims != nil {
		ok, err := d.claims.Claim(ctx, task.ID, string(name))
		if err != nil {
			entry.WithError(err).Warn("dispatch claim unavailable")
		} else if !ok {
			res.Status = domain.DispatchInFlight
			return res
		}
	}

	callCtx, cancel := d.callContext(ctx)
	defer cancel()
	id, err := t.platform.Create(callCtx, t.cred, task, timezone)
	if err != nil {
		if d.claims != nil {
			_ = d.claims.Release(context.WithoutCancel(ctx), task.ID, string(name))
		}
		return d.fail(ctx, task, res, err, entry)
	}
	res.Status = domain.DispatchSucceeded
	res.ExternalID = id
	entry.WithField("external_id", id).Info("task mirrored")
	return res
}

// PropagateStatus reflects the task status on its mirror, if any.
func (d *Dispatcher) PropagateStatus(ctx context.Context, task domain.Task) (domain.DispatchResult, bool) {
	return d.propagate(ctx, task, OpUpdateStatus, func(ctx context.Context, p Platform, cred domain.Credential) error {
		return p.SyncStatus(ctx, cred, task)
	})
}

// PropagateDelete removes the task's mirror, if any.
func (d *Dispatcher) PropagateDelete(ctx context.Context, task domain.Task) (domain.DispatchResult, bool) {
	return d.propagate(ctx, task, OpDelete, func(ctx context.Context, p Platform, cred domain.Credential) error {
		return p.Remove(ctx, cred, task.ExternalID)
	})
}

func (d *Dispatcher) propagate(ctx context.Context, task domain.Task, op string, call func(context.Context, Platform, domain.Credential) error) (domain.DispatchResult, bool) {
	if !task.Mirrored() {
		return domain.DispatchResult{}, false
	}
	res := domain.DispatchResult{Platform: task.ExternalPlatform, Operation: op, ExternalID: task.ExternalID}
	entry := d.logger.WithFields(log.Fields{"user_id": task.UserID, "task_id": task.ID, "platform": task.ExternalPlatform, "op": op})

	adapter, ok := d.platforms[task.ExternalPlatform]
	if !ok {
		res.Status = domain.DispatchUnsupportedState
		return res, true
	}
	cred, err := d.credentials.ActiveCredential(ctx, task.UserID, task.ExternalPlatform)
	if err != nil {
		if !domain.IsNotFound(err) {
			return d.lookupFailed(ctx, task, res, err, entry), true
		}
		res.Status = domain.DispatchNotConnected
		entry.Info("mirror not updated: platform not connected")
		return res, true
	}

	callCtx, cancel := d.callContext(ctx)
	defer cancel()
	if err := call(callCtx, adapter, cred); err != nil {
		return d.fail(ctx, task, res, err, entry), true
	}
	res.Status = domain.DispatchSucceeded
	entry.Debug("mirror updated")
	return res, true
}

func (d *Dispatcher) fail(ctx context.Context, task domain.Task, res domain.DispatchResult, err error, entry *log.Entry) domain.DispatchResult {
	ie := Classify(res.Platform, err)
	res.Status = domain.DispatchFailed
	res.Reason = ie.Reason
	res.Message = err.Error()
	entry.WithField("reason", ie.Reason).WithError(err).Warn("platform call failed")
	if d.failures != nil {
		if ferr := d.failures.RecordFailure(context.WithoutCancel(ctx), task.UserID, task.ID, res); ferr != nil {
			entry.WithError(ferr).Warn("record sync failure")
		}
	}
	return res
}

// lookupFailed reports a credential store error. It is never shown as a
// disconnected platform.
func (d *Dispatcher) lookupFailed(ctx context.Context, task domain.Task, res domain.DispatchResult, err error, entry *log.Entry) domain.DispatchResult {
	res.Status = domain.DispatchFailed
	res.Reason = domain.ReasonRemoteError
	res.Message = err.Error()
	entry.WithError(err).Warn("credential lookup failed")
	if d.failures != nil {
		if ferr := d.failures.RecordFailure(context.WithoutCancel(ctx), task.UserID, task.ID, res); ferr != nil {
			entry.WithError(ferr).Warn("record sync failure")
		}
	}
	return res
}

func (d *Dispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, d.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Supports reports whether an adapter is registered for p.
func (d *Dispatcher) Supports(p domain.Platform) bool {
	_, ok := d.platforms[p]
	return ok
}
