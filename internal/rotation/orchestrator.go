package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/systmms/keyrotate/internal/aging"
	"github.com/systmms/keyrotate/internal/connect"
	"github.com/systmms/keyrotate/internal/credentials"
	dserrors "github.com/systmms/keyrotate/internal/errors"
	"github.com/systmms/keyrotate/internal/logging"
	"github.com/systmms/keyrotate/internal/secretstore"
	"github.com/systmms/keyrotate/internal/secure"
)

// API is the subset of the MTK Connect client the workflow drives
type API interface {
	GetVersion(ctx context.Context) (string, *connect.Outcome)
	GetUserDetails(ctx context.Context, username string) (string, *connect.Outcome)
	GetCurrentUser(ctx context.Context, userID string) ([]connect.Key, *connect.Outcome)
	CreateKey(ctx context.Context, userID string, expiry time.Time) (string, *connect.Outcome)
	DeleteKey(ctx context.Context, userID, keyID string) *connect.Outcome
}

// Dialer returns an API client authenticating as cred
type Dialer func(cred credentials.Credential) API

// CredentialSource supplies the credential a run starts from
type CredentialSource interface {
	Resolve() (credentials.Credential, error)
}

// SecretStore persists the new key into a secret target. A false result
// with a nil error is a handled failure such as a missing secret.
type SecretStore interface {
	UpsertField(ctx context.Context, target secretstore.Target, rawValue string) (bool, error)
}

// Recorder observes finished runs
type Recorder interface {
	Record(ctx context.Context, result *Result) error
}

// Config holds the per-run parameters of the workflow
type Config struct {
	// AccountUsername is the service account whose key is rotated
	AccountUsername string
	RetentionDays   int
	// ExpiryMonths is the lifetime of a newly minted key
	ExpiryMonths int
	ProbeVersion bool
	Primary      secretstore.Target
	Secondary    secretstore.Target
}

// Orchestrator runs the rotation workflow. It holds no per-run state and
// may be reused for successive runs.
type Orchestrator struct {
	cfg       Config
	creds     CredentialSource
	dial      Dialer
	store     SecretStore
	logger    *logging.Logger
	now       func() time.Time
	recorders []Recorder
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock overrides the time source used for expiry and step timing
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithRecorder adds an observer notified after every run
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorders = append(o.recorders, r)
	}
}

// New creates an orchestrator
func New(cfg Config, creds CredentialSource, dial Dialer, store SecretStore, logger *logging.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.ExpiryMonths < 1 {
		cfg.ExpiryMonths = 1
	}
	o := &Orchestrator{
		cfg:    cfg,
		creds:  creds,
		dial:   dial,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the state of one rotation run through the stages
type run struct {
	*Orchestrator
	ctx    context.Context
	result *Result

	username string
	userID   string
	keys     *secure.KeyBuffer
	api      API
}

// outcome is what a stage reports back to the chain
type outcome struct {
	status  StepStatus
	message string
	err     error
}

func succeeded(format string, args ...interface{}) outcome {
	return outcome{status: StepSuccess, message: fmt.Sprintf(format, args...)}
}

func failed(err error) outcome {
	return outcome{status: StepFailed, err: err}
}

// Run executes the workflow once. It stops at the first failing stage and
// never undoes the work of completed stages. The returned result is
// complete even when the run halted.
func (o *Orchestrator) Run(ctx context.Context) *Result {
	r := &run{
		Orchestrator: o,
		ctx:          ctx,
		result: &Result{
			Account:   o.cfg.AccountUsername,
			StartedAt: o.now(),
			Status:    RunHalted,
		},
	}
	defer func() {
		if r.keys != nil {
			r.keys.Destroy()
		}
	}()

	completed := r.step(StageResolveCredentials, r.resolveCredentials) &&
		r.step(StageProbeVersion, r.probeVersion) &&
		r.step(StageResolveUserID, r.resolveUserID) &&
		r.step(StageCreateKey, r.createKey) &&
		r.step(StagePersistPrimarySecret, r.persistPrimary) &&
		r.step(StagePersistSecondarySecret, r.persistSecondary) &&
		r.step(StageFetchKeysForAging, r.fetchKeysForAging) &&
		r.step(StageDeleteAgedKeys, r.deleteAgedKeys) &&
		r.step(StageVerifyActiveKey, r.verifyActiveKey)

	r.result.FinishedAt = o.now()
	if completed {
		r.result.Status = RunCompleted
		o.logger.Info("Rotation completed in %s", r.result.Duration().Round(time.Millisecond))
	} else {
		o.logger.Error("Rotation halted at %s: %v", r.result.HaltedAt, r.result.Err)
		if hint := dserrors.Suggest(r.result.Err); hint != "" {
			o.logger.Info("Hint: %s", hint)
		}
	}

	for _, rec := range o.recorders {
		if err := rec.Record(ctx, r.result); err != nil {
			o.logger.Warn("Failed to record run: %v", err)
		}
	}
	return r.result
}

// step runs one stage and reports whether the chain may continue
func (r *run) step(stage Stage, fn func() outcome) bool {
	started := r.now()

	var out outcome
	if err := r.ctx.Err(); err != nil {
		out = failed(fmt.Errorf("run cancelled: %w", err))
	} else {
		r.logger.Debug("Stage %s started", stage)
		out = fn()
	}
	out.message = r.logger.Scrub(out.message)
	out.err = r.scrub(out.err)

	r.result.Steps = append(r.result.Steps, StepResult{
		Stage:       stage,
		Status:      out.status,
		StartedAt:   started,
		CompletedAt: r.now(),
		Message:     out.message,
		Err:         out.err,
	})

	if out.status == StepFailed {
		r.result.HaltedAt = stage
		r.result.Err = dserrors.StageError{Stage: string(stage), Err: out.err}
		return false
	}
	r.logger.Debug("Stage %s finished: %s", stage, out.status)
	return true
}

// scrub strips registered keys from err's text. The chain stays intact for
// errors.Is and errors.As.
func (r *run) scrub(err error) error {
	if err == nil {
		return nil
	}
	msg := r.logger.Scrub(err.Error())
	if msg == err.Error() {
		return err
	}
	return scrubbedError{msg: msg, err: err}
}

type scrubbedError struct {
	msg string
	err error
}

func (e scrubbedError) Error() string { return e.msg }
func (e scrubbedError) Unwrap() error { return e.err }

func (r *run) resolveCredentials() outcome {
	cred, err := r.creds.Resolve()
	if err != nil {
		return failed(err)
	}
	r.logger.AddSecret(cred.Key)

	r.username = cred.Username
	r.keys = secure.NewKeyBuffer(cred.Key)
	r.api = r.dial(cred)
	return succeeded("authenticating as %s with key %s", cred.Username, logging.MaskKey(cred.Key))
}

func (r *run) probeVersion() outcome {
	if !r.cfg.ProbeVersion {
		return outcome{status: StepSkipped, message: "version probe disabled"}
	}
	version, res := r.api.GetVersion(r.ctx)
	if err := res.Error(); err != nil {
		r.logger.Warn("Version probe failed, continuing: %v", err)
		return outcome{status: StepWarning, message: "version unavailable", err: err}
	}
	r.logger.Info("MTK Connect version %s", version)
	return succeeded("version %s", version)
}

func (r *run) resolveUserID() outcome {
	userID, res := r.api.GetUserDetails(r.ctx, r.cfg.AccountUsername)
	if err := res.Error(); err != nil {
		return failed(err)
	}
	r.userID = userID
	r.result.AccountID = userID
	r.logger.Info("Resolved account %s to user id %s", r.cfg.AccountUsername, userID)
	return succeeded("user id %s", userID)
}

func (r *run) createKey() outcome {
	expiry := AddMonths(r.now().UTC(), r.cfg.ExpiryMonths)

	newKey, res := r.api.CreateKey(r.ctx, r.userID, expiry)
	if err := res.Error(); err != nil {
		return failed(err)
	}
	r.logger.AddSecret(newKey)

	r.keys.Promote(newKey)
	r.api = r.dial(credentials.Credential{Username: r.username, Key: newKey})
	r.result.NewKeyPrefix = logging.KeyPrefix(newKey)

	r.logger.Info("Created key %s expiring %s", logging.MaskKey(newKey), expiry.Format(connect.ExpiryLayout))
	return succeeded("key %s expires %s", logging.MaskKey(newKey), expiry.Format(connect.ExpiryLayout))
}

func (r *run) persist(target secretstore.Target) outcome {
	key, err := r.keys.Active()
	if err != nil {
		return failed(err)
	}
	ok, err := r.store.UpsertField(r.ctx, target, key)
	if err != nil {
		return failed(err)
	}
	if !ok {
		return failed(fmt.Errorf("secret %s could not be updated", target))
	}
	return succeeded("updated %s", target)
}

func (r *run) persistPrimary() outcome {
	return r.persist(r.cfg.Primary)
}

func (r *run) persistSecondary() outcome {
	out := r.persist(r.cfg.Secondary)
	if out.status == StepFailed {
		r.logger.Error("Secrets diverge: %s holds the new key, %s still holds the previous key", r.cfg.Primary, r.cfg.Secondary)
	}
	return out
}

func (r *run) fetchKeysForAging() outcome {
	keys, res := r.api.GetCurrentUser(r.ctx, r.userID)
	if err := res.Error(); err != nil {
		return failed(err)
	}
	active, err := r.keys.Active()
	if err != nil {
		return failed(err)
	}

	sel := aging.Policy{RetentionDays: r.cfg.RetentionDays}.Select(keys, active)
	r.result.Retirement = sel

	if !sel.Matched {
		r.logger.Warn("No listed key matches active key %s, retiring nothing", logging.MaskKey(active))
		return outcome{status: StepWarning, message: fmt.Sprintf("%d keys listed, none matches the active key", len(keys))}
	}
	r.logger.Info("Retirement threshold %s, %d of %d keys eligible", sel.Threshold.Format("2006-01-02"), len(sel.IDs), len(keys))
	return succeeded("threshold %s, %d eligible", sel.Threshold.Format("2006-01-02"), len(sel.IDs))
}

func (r *run) deleteAgedKeys() outcome {
	sel := r.result.Retirement
	if sel.Empty() {
		r.logger.Info("No keys to delete")
		return outcome{status: StepSkipped, message: "no keys to delete"}
	}

	for _, id := range sel.IDs {
		if id == "" {
			r.logger.Error("Refusing to delete a key without id")
			r.result.DeleteFailed = append(r.result.DeleteFailed, id)
			continue
		}
		if id == sel.ActiveID {
			// A zero-day window puts the active key on the threshold date
			r.logger.Warn("Keeping active key %s although it is on the retirement threshold", id)
			continue
		}
		if err := r.api.DeleteKey(r.ctx, r.userID, id).Error(); err != nil {
			r.logger.Error("Failed to delete key %s: %v", id, err)
			r.result.DeleteFailed = append(r.result.DeleteFailed, id)
			continue
		}
		r.logger.Info("Deleted key %s", id)
		r.result.Deleted = append(r.result.Deleted, id)
	}

	if len(r.result.DeleteFailed) > 0 {
		return outcome{
			status:  StepPartial,
			message: fmt.Sprintf("deleted %d, failed %d", len(r.result.Deleted), len(r.result.DeleteFailed)),
		}
	}
	return succeeded("deleted %d", len(r.result.Deleted))
}

func (r *run) verifyActiveKey() outcome {
	keys, res := r.api.GetCurrentUser(r.ctx, r.userID)
	if err := res.Error(); err != nil {
		if res != nil && res.Class == connect.ClassSuccess && errors.Is(err, connect.ErrMalformedResponse) {
			// The new key authenticated; only the listing could not be read
			r.logger.Warn("Key %s authenticated but the key list is unreadable: %v", r.result.NewKeyPrefix, err)
			return outcome{status: StepWarning, message: "authenticated, key list unreadable", err: err}
		}
		return failed(err)
	}
	for _, k := range keys {
		if logging.KeyPrefix(k.Prefix) == r.result.NewKeyPrefix {
			return succeeded("key %s is operative", r.result.NewKeyPrefix)
		}
	}
	r.logger.Warn("Authenticated with the new key but it is not in the key list")
	return succeeded("authenticated with key %s", r.result.NewKeyPrefix)
}

// AddMonths adds n calendar months to t, clamping the day to the end of the
// target month (Jan 31 + 1 month is Feb 28 or 29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}
