package rotation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/keyrotate/internal/connect"
	"github.com/systmms/keyrotate/internal/credentials"
	dserrors "github.com/systmms/keyrotate/internal/errors"
	"github.com/systmms/keyrotate/internal/logging"
	"github.com/systmms/keyrotate/internal/secretstore"
)

const (
	oldKey = "old0key0longenoughvalue"
	newKey = "abcd1234restofthekeyxyz"
)

var (
	now = time.Date(2026, 10, 14, 9, 15, 0, 0, time.UTC)

	primary   = secretstore.Target{Namespace: "mtk-connect", Name: "mtk-connect-apikey", Field: "password"}
	secondary = secretstore.Target{Namespace: "jenkins", Name: "jenkins-mtk-connect-apikey", Field: "password"}
)

func succeededOutcome(op string) *connect.Outcome {
	return &connect.Outcome{Operation: op, OK: true, Class: connect.ClassSuccess, StatusCode: 200}
}

func httpFailure(op string, code int) *connect.Outcome {
	return &connect.Outcome{Operation: op, Class: connect.StatusClass(code / 100), StatusCode: code, Body: []byte(`{"error":"nope"}`)}
}

type call struct {
	op  string
	key string
	arg string
}

// fakeAPI records every call along with the key it authenticated with
type fakeAPI struct {
	calls []call

	version    *connect.Outcome
	userID     string
	userDetail *connect.Outcome
	created    string
	create     *connect.Outcome
	keyList    []connect.Key
	fetch      *connect.Outcome
	verify     *connect.Outcome
	deleteFail map[string]bool
	fetches    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		version:    succeededOutcome(connect.OpGetVersion),
		userID:     "u1",
		userDetail: succeededOutcome(connect.OpGetUserDetails),
		created:    newKey,
		create:     succeededOutcome(connect.OpCreateKey),
		keyList:    []connect.Key{{ID: "k-new", Prefix: "abcd1234", CreationTime: now}},
		fetch:      succeededOutcome(connect.OpGetCurrentUser),
		verify:     succeededOutcome(connect.OpGetCurrentUser),
		deleteFail: map[string]bool{},
	}
}

func (f *fakeAPI) dialer() Dialer {
	return func(cred credentials.Credential) API {
		return &authedAPI{fake: f, key: cred.Key}
	}
}

func (f *fakeAPI) ops() []string {
	ops := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		ops = append(ops, c.op)
	}
	return ops
}

func (f *fakeAPI) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type authedAPI struct {
	fake *fakeAPI
	key  string
}

func (a *authedAPI) record(op, arg string) {
	a.fake.calls = append(a.fake.calls, call{op: op, key: a.key, arg: arg})
}

func (a *authedAPI) GetVersion(context.Context) (string, *connect.Outcome) {
	a.record(connect.OpGetVersion, "")
	return "2.5.0", a.fake.version
}

func (a *authedAPI) GetUserDetails(_ context.Context, username string) (string, *connect.Outcome) {
	a.record(connect.OpGetUserDetails, username)
	return a.fake.userID, a.fake.userDetail
}

func (a *authedAPI) GetCurrentUser(_ context.Context, userID string) ([]connect.Key, *connect.Outcome) {
	a.record(connect.OpGetCurrentUser, userID)
	a.fake.fetches++
	if a.fake.fetches == 1 {
		return a.fake.keyList, a.fake.fetch
	}
	return a.fake.keyList, a.fake.verify
}

func (a *authedAPI) CreateKey(_ context.Context, userID string, expiry time.Time) (string, *connect.Outcome) {
	a.record(connect.OpCreateKey, expiry.Format(connect.ExpiryLayout))
	if !a.fake.create.OK {
		return "", a.fake.create
	}
	return a.fake.created, a.fake.create
}

func (a *authedAPI) DeleteKey(_ context.Context, userID, keyID string) *connect.Outcome {
	a.record(connect.OpDeleteKey, keyID)
	if a.fake.deleteFail[keyID] {
		return httpFailure(connect.OpDeleteKey, 500)
	}
	return succeededOutcome(connect.OpDeleteKey)
}

type upsert struct {
	target secretstore.Target
	value  string
}

type fakeStore struct {
	writes  []upsert
	missing map[string]bool
	faults  map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{missing: map[string]bool{}, faults: map[string]error{}}
}

func (s *fakeStore) UpsertField(_ context.Context, target secretstore.Target, rawValue string) (bool, error) {
	if err := s.faults[target.Namespace]; err != nil {
		return false, err
	}
	if s.missing[target.Namespace] {
		return false, nil
	}
	s.writes = append(s.writes, upsert{target: target, value: rawValue})
	return true, nil
}

type staticCreds struct {
	cred credentials.Credential
	err  error
}

func (s staticCreds) Resolve() (credentials.Credential, error) {
	return s.cred, s.err
}

type captureRecorder struct {
	results []*Result
}

func (c *captureRecorder) Record(_ context.Context, r *Result) error {
	c.results = append(c.results, r)
	return nil
}

func testConfig() Config {
	return Config{
		AccountUsername: "mtk-connect-admin",
		RetentionDays:   2,
		ExpiryMonths:    1,
		ProbeVersion:    true,
		Primary:         primary,
		Secondary:       secondary,
	}
}

type harness struct {
	api   *fakeAPI
	store *fakeStore
	creds staticCreds
	cfg   Config
	logs  *bytes.Buffer
}

func newHarness() *harness {
	return &harness{
		api:   newFakeAPI(),
		store: newFakeStore(),
		creds: staticCreds{cred: credentials.Credential{Username: "operator", Key: oldKey}},
		cfg:   testConfig(),
		logs:  &bytes.Buffer{},
	}
}

func (h *harness) run(t *testing.T, opts ...Option) *Result {
	t.Helper()
	logger := logging.NewWithWriter(h.logs, true, true)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	o := New(h.cfg, h.creds, h.api.dialer(), h.store, logger, opts...)
	return o.Run(context.Background())
}

func stepStatuses(r *Result) map[Stage]StepStatus {
	out := make(map[Stage]StepStatus, len(r.Steps))
	for _, s := range r.Steps {
		out[s.Stage] = s.Status
	}
	return out
}

func TestRunScenarioA_NothingToRetire(t *testing.T) {
	h := newHarness()

	result := h.run(t)

	require.True(t, result.Completed(), "run halted: %v", result.Err)
	assert.Empty(t, result.HaltedAt)
	assert.NoError(t, result.Err)
	assert.Equal(t, "u1", result.AccountID)
	assert.Equal(t, "abcd1234", result.NewKeyPrefix)
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), result.Retirement.Threshold)

	assert.Equal(t, []string{
		connect.OpGetVersion,
		connect.OpGetUserDetails,
		connect.OpCreateKey,
		connect.OpGetCurrentUser,
		connect.OpGetCurrentUser,
	}, h.api.ops())
	assert.Zero(t, h.api.count(connect.OpDeleteKey))

	require.Len(t, h.store.writes, 2)
	assert.Equal(t, primary, h.store.writes[0].target)
	assert.Equal(t, secondary, h.store.writes[1].target)
	assert.Equal(t, newKey, h.store.writes[0].value)
	assert.Equal(t, newKey, h.store.writes[1].value)

	statuses := stepStatuses(result)
	assert.Equal(t, StepSkipped, statuses[StageDeleteAgedKeys])
	assert.Equal(t, StepSuccess, statuses[StageVerifyActiveKey])
	assert.Len(t, result.Steps, len(Stages))
	assert.Contains(t, h.logs.String(), "No keys to delete")
}

func TestRunScenarioB_RetiresOldKey(t *testing.T) {
	h := newHarness()
	h.api.keyList = []connect.Key{
		{ID: "k-old", Prefix: "zzzz9999", CreationTime: now.AddDate(0, 0, -5)},
		{ID: "k-new", Prefix: "abcd1234", CreationTime: now},
	}

	result := h.run(t)

	require.True(t, result.Completed())
	assert.Equal(t, 1, h.api.count(connect.OpDeleteKey))
	assert.Equal(t, []string{"k-old"}, result.Deleted)
	assert.Empty(t, result.DeleteFailed)
	for _, c := range h.api.calls {
		if c.op == connect.OpDeleteKey {
			assert.Equal(t, "k-old", c.arg)
		}
	}
	assert.NotContains(t, h.logs.String(), "No keys to delete")
}

func TestRunScenarioC_NoMatchingUserHaltsBeforeMutation(t *testing.T) {
	h := newHarness()
	h.api.userDetail = &connect.Outcome{
		Operation:  connect.OpGetUserDetails,
		Class:      connect.ClassSuccess,
		StatusCode: 200,
		Err:        connect.ErrNoMatchingUser,
	}

	result := h.run(t)

	assert.False(t, result.Completed())
	assert.Equal(t, StageResolveUserID, result.HaltedAt)
	assert.ErrorIs(t, result.Err, connect.ErrNoMatchingUser)

	var stageErr dserrors.StageError
	require.ErrorAs(t, result.Err, &stageErr)
	assert.Equal(t, string(StageResolveUserID), stageErr.Stage)

	assert.Zero(t, h.api.count(connect.OpCreateKey))
	assert.Zero(t, h.api.count(connect.OpDeleteKey))
	assert.Empty(t, h.store.writes)
	assert.Empty(t, result.NewKeyPrefix)
}

func TestRunHaltsOnUserLookupStatusFailures(t *testing.T) {
	for _, code := range []int{302, 401, 404, 500, 503} {
		t.Run(fmt.Sprintf("HTTP %d", code), func(t *testing.T) {
			h := newHarness()
			h.api.userDetail = httpFailure(connect.OpGetUserDetails, code)

			result := h.run(t)

			assert.Equal(t, StageResolveUserID, result.HaltedAt)
			assert.Zero(t, h.api.count(connect.OpCreateKey))

			var apiErr dserrors.APIError
			require.ErrorAs(t, result.Err, &apiErr)
			assert.Equal(t, code, apiErr.StatusCode)
		})
	}
}

func TestRunMissingCredentialsMakesNoRemoteCalls(t *testing.T) {
	h := newHarness()
	h.creds = staticCreds{err: dserrors.ConfigError{Field: "MTK_KEY_UPD_PASSWORD", Message: "environment variable is not set"}}

	result := h.run(t)

	assert.Equal(t, StageResolveCredentials, result.HaltedAt)
	assert.Empty(t, h.api.calls)
	assert.Empty(t, h.store.writes)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, StepFailed, result.Steps[0].Status)
}

func TestRunCreateKeyFailureTouchesNoSecret(t *testing.T) {
	h := newHarness()
	h.api.create = httpFailure(connect.OpCreateKey, 500)

	result := h.run(t)

	assert.Equal(t, StageCreateKey, result.HaltedAt)
	assert.Empty(t, h.store.writes)
}

func TestRunPrimaryFailurePreventsSecondary(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeStore)
	}{
		{"secret missing", func(s *fakeStore) { s.missing["mtk-connect"] = true }},
		{"api fault", func(s *fakeStore) { s.faults["mtk-connect"] = errors.New("forbidden") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			tt.setup(h.store)

			result := h.run(t)

			assert.Equal(t, StagePersistPrimarySecret, result.HaltedAt)
			assert.Empty(t, h.store.writes)
			_, attempted := result.Step(StagePersistSecondarySecret)
			assert.False(t, attempted)
			assert.Zero(t, h.api.count(connect.OpGetCurrentUser))
		})
	}
}

func TestRunSecondaryFailureLeavesDivergence(t *testing.T) {
	h := newHarness()
	h.store.missing["jenkins"] = true

	result := h.run(t)

	assert.Equal(t, StagePersistSecondarySecret, result.HaltedAt)
	require.Len(t, h.store.writes, 1)
	assert.Equal(t, primary, h.store.writes[0].target)
	assert.Contains(t, h.logs.String(), "Secrets diverge")
	assert.Zero(t, h.api.count(connect.OpGetCurrentUser))
}

func TestRunReauthenticatesWithNewKey(t *testing.T) {
	h := newHarness()
	h.api.keyList = []connect.Key{
		{ID: "k-old", Prefix: "zzzz9999", CreationTime: now.AddDate(0, 0, -5)},
		{ID: "k-new", Prefix: "abcd1234", CreationTime: now},
	}

	h.run(t)

	for _, c := range h.api.calls {
		switch c.op {
		case connect.OpGetVersion, connect.OpGetUserDetails, connect.OpCreateKey:
			assert.Equal(t, oldKey, c.key, c.op)
		default:
			assert.Equal(t, newKey, c.key, c.op)
		}
	}
}

func TestRunDeletionFailuresDoNotHalt(t *testing.T) {
	h := newHarness()
	h.api.keyList = []connect.Key{
		{ID: "k-1", Prefix: "zzzz0001", CreationTime: now.AddDate(0, 0, -9)},
		{ID: "k-2", Prefix: "zzzz0002", CreationTime: now.AddDate(0, 0, -7)},
		{ID: "k-3", Prefix: "zzzz0003", CreationTime: now.AddDate(0, 0, -3)},
		{ID: "k-new", Prefix: "abcd1234", CreationTime: now},
	}
	h.api.deleteFail["k-2"] = true

	result := h.run(t)

	require.True(t, result.Completed())
	assert.Equal(t, 3, h.api.count(connect.OpDeleteKey))
	assert.Equal(t, []string{"k-1", "k-3"}, result.Deleted)
	assert.Equal(t, []string{"k-2"}, result.DeleteFailed)
	assert.Equal(t, StepPartial, stepStatuses(result)[StageDeleteAgedKeys])
}

func TestRunRefusesKeyWithoutID(t *testing.T) {
	h := newHarness()
	h.api.keyList = []connect.Key{
		{ID: "", Prefix: "zzzz9999", CreationTime: now.AddDate(0, 0, -12)},
		{ID: "k-old", Prefix: "zzzz0001", CreationTime: now.AddDate(0, 0, -5)},
		{ID: "k-new", Prefix: "abcd1234", CreationTime: now},
	}

	result := h.run(t)

	require.True(t, result.Completed())
	for _, c := range h.api.calls {
		if c.op == connect.OpDeleteKey {
			assert.NotEmpty(t, c.arg)
		}
	}
	assert.Equal(t, []string{"k-old"}, result.Deleted)
	assert.Equal(t, []string{""}, result.DeleteFailed)
	assert.Equal(t, StepPartial, stepStatuses(result)[StageDeleteAgedKeys])
}

func TestRunVerifyToleratesUnreadableKeyList(t *testing.T) {
	h := newHarness()
	h.api.verify = &connect.Outcome{
		Operation:  connect.OpGetCurrentUser,
		Class:      connect.ClassSuccess,
		StatusCode: 200,
		Err:        fmt.Errorf("%w: key k9 has invalid creationTime", connect.ErrMalformedResponse),
	}

	result := h.run(t)

	require.True(t, result.Completed(), "run halted: %v", result.Err)
	assert.Equal(t, StepWarning, stepStatuses(result)[StageVerifyActiveKey])
}

func TestRunScrubsKeysFromErrors(t *testing.T) {
	h := newHarness()
	h.api.userDetail = &connect.Outcome{
		Operation:  connect.OpGetUserDetails,
		Class:      connect.ClassClientError,
		StatusCode: 401,
		Body:       []byte(`{"error":"key ` + oldKey + ` rejected"}`),
	}

	result := h.run(t)

	require.Equal(t, StageResolveUserID, result.HaltedAt)
	assert.NotContains(t, result.Err.Error(), oldKey)
	assert.Contains(t, result.Err.Error(), "[REDACTED] rejected")
	for _, step := range result.Steps {
		if step.Err != nil {
			assert.NotContains(t, step.Err.Error(), oldKey, step.Stage)
		}
		assert.NotContains(t, step.Message, oldKey, step.Stage)
	}

	var apiErr dserrors.APIError
	require.ErrorAs(t, result.Err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
}

func TestRunVerifyIsTheFinalSignal(t *testing.T) {
	h := newHarness()
	h.api.verify = httpFailure(connect.OpGetCurrentUser, 401)

	result := h.run(t)

	assert.False(t, result.Completed())
	assert.Equal(t, StageVerifyActiveKey, result.HaltedAt)
	assert.Len(t, h.store.writes, 2)
}

func TestRunFetchFailureHaltsBeforeDeletion(t *testing.T) {
	h := newHarness()
	h.api.fetch = &connect.Outcome{Operation: connect.OpGetCurrentUser, Class: connect.ClassTransport, Err: errors.New("connection refused")}

	result := h.run(t)

	assert.Equal(t, StageFetchKeysForAging, result.HaltedAt)
	assert.Zero(t, h.api.count(connect.OpDeleteKey))
}

func TestRunWithoutPrefixMatchRetiresNothing(t *testing.T) {
	h := newHarness()
	h.api.keyList = []connect.Key{
		{ID: "k-old", Prefix: "zzzz9999", CreationTime: now.AddDate(0, 0, -30)},
	}

	result := h.run(t)

	require.True(t, result.Completed())
	assert.False(t, result.Retirement.Matched)
	assert.Zero(t, h.api.count(connect.OpDeleteKey))
	assert.Equal(t, StepWarning, stepStatuses(result)[StageFetchKeysForAging])
}

func TestRunZeroRetentionKeepsActiveKey(t *testing.T) {
	h := newHarness()
	h.cfg.RetentionDays = 0
	h.api.keyList = []connect.Key{
		{ID: "k-sibling", Prefix: "zzzz9999", CreationTime: now.Add(-time.Hour)},
		{ID: "k-new", Prefix: "abcd1234", CreationTime: now},
	}

	result := h.run(t)

	require.True(t, result.Completed())
	assert.Equal(t, []string{"k-sibling"}, result.Deleted)
	for _, c := range h.api.calls {
		if c.op == connect.OpDeleteKey {
			assert.NotEqual(t, "k-new", c.arg)
		}
	}
}

func TestRunVersionProbeNeverGates(t *testing.T) {
	h := newHarness()
	h.api.version = httpFailure(connect.OpGetVersion, 404)

	result := h.run(t)

	require.True(t, result.Completed())
	assert.Equal(t, StepWarning, stepStatuses(result)[StageProbeVersion])
}

func TestRunVersionProbeDisabled(t *testing.T) {
	h := newHarness()
	h.cfg.ProbeVersion = false

	result := h.run(t)

	require.True(t, result.Completed())
	assert.Zero(t, h.api.count(connect.OpGetVersion))
	assert.Equal(t, StepSkipped, stepStatuses(result)[StageProbeVersion])
}

func TestRunExpiryIsOneMonthAhead(t *testing.T) {
	h := newHarness()

	h.run(t)

	for _, c := range h.api.calls {
		if c.op == connect.OpCreateKey {
			assert.Equal(t, "2026-11-14T09:15:00Z", c.arg)
		}
	}
}

func TestRunCancelledContextHaltsAtFirstStage(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(h.cfg, h.creds, h.api.dialer(), h.store, logging.Discard())
	result := o.Run(ctx)

	assert.Equal(t, StageResolveCredentials, result.HaltedAt)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Empty(t, h.api.calls)
}

func TestRunNotifiesRecorders(t *testing.T) {
	h := newHarness()
	rec := &captureRecorder{}

	result := h.run(t, WithRecorder(rec))

	require.Len(t, rec.results, 1)
	assert.Same(t, result, rec.results[0])
}

func TestRunNeverLogsKeys(t *testing.T) {
	h := newHarness()

	h.run(t)

	logs := h.logs.String()
	assert.NotContains(t, logs, oldKey)
	assert.NotContains(t, logs, newKey)
	assert.Contains(t, logs, "abcd1234")
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		in   time.Time
		n    int
		want time.Time
	}{
		{time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), 1, time.Date(2026, 11, 14, 9, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC), 1, time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)},
		{time.Date(2028, 1, 31, 0, 0, 0, 0, time.UTC), 1, time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 15, 0, 0, 0, 0, time.UTC), 1, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), 3, time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AddMonths(tt.in, tt.n), "%s + %d months", tt.in, tt.n)
	}
}
