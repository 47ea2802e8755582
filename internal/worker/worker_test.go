package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pebble/pebble-agent/internal/agenterr"
	"github.com/pebble/pebble-agent/internal/backend"
	"github.com/pebble/pebble-agent/internal/result"
)

func TestIdlePollsSleepPollIntervalAndKeepCounterAtZero(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &stubSource{}
	sleeps, sleep := recordSleeps(cancel, 2)

	w := &Worker{ID: 1, Backend: source, Executor: &stubRunner{}, Config: Config{PollInterval: 5 * time.Second}, Sleep: sleep}
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	assertSleeps(t, *sleeps, 5*time.Second, 5*time.Second)
	if got := w.Status().ConsecutiveErrors; got != 0 {
		t.Fatalf("ConsecutiveErrors = %d, want 0", got)
	}
	if source.pollCount() != 2 {
		t.Fatalf("poll calls = %d, want 2", source.pollCount())
	}
}

func TestLoopErrorsBackOffExponentiallyWithCap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopErr := agenterr.New(agenterr.Loop, "poll returned a job without an id")
	source := &stubSource{polls: repeatPoll(pollResponse{err: loopErr}, 7)}
	sleeps, sleep := recordSleeps(cancel, 7)

	w := &Worker{ID: 1, Backend: source, Executor: &stubRunner{}, Sleep: sleep}
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	assertSleeps(t, *sleeps,
		2*time.Second, 4*time.Second, 8*time.Second, 16*time.Second, 32*time.Second,
		60*time.Second, 60*time.Second,
	)
	if got := w.Status().ConsecutiveErrors; got != 7 {
		t.Fatalf("ConsecutiveErrors = %d, want 7", got)
	}
}

func TestHandledJobResetsCounterWithoutSleeping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopErr := errors.New("boom")
	source := &stubSource{polls: []pollResponse{
		{err: loopErr},
		{err: loopErr},
		{job: &backend.Job{ID: backend.StringJobID("j1"), SQL: "SELECT 1"}},
	}}
	sleeps, sleep := recordSleeps(cancel, 3)

	w := &Worker{ID: 1, Backend: source, Executor: &stubRunner{}, Config: Config{PollInterval: 5 * time.Second}, Sleep: sleep}
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	assertSleeps(t, *sleeps, 2*time.Second, 4*time.Second, 5*time.Second)
	if got := w.Status().ConsecutiveErrors; got != 0 {
		t.Fatalf("ConsecutiveErrors = %d, want 0", got)
	}
	if got := w.Status().JobsSucceeded; got != 1 {
		t.Fatalf("JobsSucceeded = %d, want 1", got)
	}
}

func TestProcessOnceReportsResult(t *testing.T) {
	source := &stubSource{polls: []pollResponse{
		{job: &backend.Job{ID: backend.IntJobID(7), SQL: "SELECT 1", TimeoutSeconds: 15}},
	}}
	runner := &stubRunner{result: result.ExecutionResult{
		Columns:  []string{"?column?"},
		Rows:     [][]any{{int64(1)}},
		RowCount: 1,
		ByteSize: 3,
	}}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	ticks := 0
	w := &Worker{ID: 3, Backend: source, Executor: runner, Clock: func() time.Time {
		ticks++
		return now.Add(time.Duration(ticks) * 250 * time.Millisecond)
	}}

	handled, err := w.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if !handled {
		t.Fatal("expected job to be handled")
	}
	if len(runner.calls) != 1 || runner.calls[0].sql != "SELECT 1" || runner.calls[0].timeout != 15 {
		t.Fatalf("executor calls = %+v", runner.calls)
	}
	reports := source.completions()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	got := reports[0]
	if got.JobID.String() != "7" || got.Error != "" || got.Result == nil || got.Result.RowCount != 1 {
		t.Fatalf("completion = %+v", got)
	}
	if got.ExecutionTime != 250*time.Millisecond {
		t.Fatalf("ExecutionTime = %s", got.ExecutionTime)
	}
}

func TestProcessOnceReportsValidationFailure(t *testing.T) {
	source := &stubSource{polls: []pollResponse{
		{job: &backend.Job{ID: backend.StringJobID("j2"), SQL: "DELETE FROM users"}},
	}}
	runner := &stubRunner{err: agenterr.New(agenterr.Validation, "query validation failed: Query contains forbidden keyword: DELETE")}
	w := &Worker{ID: 1, Backend: source, Executor: runner}

	handled, err := w.ProcessOnce(context.Background())
	if err != nil || !handled {
		t.Fatalf("ProcessOnce() = %v, %v", handled, err)
	}
	reports := source.completions()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if reports[0].Result != nil {
		t.Fatal("expected no result on failure")
	}
	if !strings.Contains(reports[0].Error, "DELETE") {
		t.Fatalf("Error = %q", reports[0].Error)
	}
	if got := w.Status().JobsFailed; got != 1 {
		t.Fatalf("JobsFailed = %d, want 1", got)
	}
}

func TestExecutorPanicIsReportedAsJobFailure(t *testing.T) {
	source := &stubSource{polls: []pollResponse{
		{job: &backend.Job{ID: backend.StringJobID("j3"), SQL: "SELECT 1"}},
	}}
	w := &Worker{ID: 1, Backend: source, Executor: &stubRunner{panicWith: "nil map"}}

	handled, err := w.ProcessOnce(context.Background())
	if !handled {
		t.Fatal("expected job to be handled")
	}
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v, want nil", err)
	}
	reports := source.completions()
	if len(reports) != 1 || reports[0].Error != "internal error: nil map" {
		t.Fatalf("reports = %+v", reports)
	}
	if got := w.Status().JobsFailed; got != 1 {
		t.Fatalf("JobsFailed = %d, want 1", got)
	}
}

func TestExecutorPanicResetsCounterAndPollsAgain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &stubSource{polls: []pollResponse{
		{err: errors.New("boom")},
		{job: &backend.Job{ID: backend.StringJobID("j5"), SQL: "SELECT 1"}},
	}}
	sleeps, sleep := recordSleeps(cancel, 2)

	w := &Worker{ID: 1, Backend: source, Executor: &stubRunner{panicWith: "nil map"}, Config: Config{PollInterval: 5 * time.Second}, Sleep: sleep}
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// One backoff for the poll error, then the panicking job is handled and
	// the next empty poll waits the normal interval.
	assertSleeps(t, *sleeps, 2*time.Second, 5*time.Second)
	if got := w.Status().ConsecutiveErrors; got != 0 {
		t.Fatalf("ConsecutiveErrors = %d, want 0", got)
	}
	if got := len(source.completions()); got != 1 {
		t.Fatalf("reports = %d, want 1", got)
	}
}

func TestPollPanicBecomesLoopError(t *testing.T) {
	source := &stubSource{polls: []pollResponse{{panicWith: "decoder exploded"}}}
	w := &Worker{ID: 1, Backend: source, Executor: &stubRunner{}}

	handled, err := w.ProcessOnce(context.Background())
	if handled {
		t.Fatal("expected no job")
	}
	if !agenterr.Is(err, agenterr.Loop) {
		t.Fatalf("ProcessOnce() error = %v, want loop error", err)
	}
}

func TestClaimedJobFinishesAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &stubSource{polls: []pollResponse{
		{job: &backend.Job{ID: backend.StringJobID("j4"), SQL: "SELECT pg_sleep(1)"}},
	}}
	runner := &stubRunner{beforeReturn: cancel}
	w := &Worker{ID: 1, Backend: source, Executor: runner, Sleep: func(context.Context, time.Duration) error {
		t.Fatal("worker should stop without sleeping")
		return nil
	}}

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if runner.calls[0].ctxErr != nil {
		t.Fatalf("executor ctx error = %v", runner.calls[0].ctxErr)
	}
	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.reports) != 1 || source.reportCtxErrs[0] != nil {
		t.Fatalf("reports = %d, ctx errors = %v", len(source.reports), source.reportCtxErrs)
	}
	if got := w.Status().State; got != StateStopped {
		t.Fatalf("State = %q", got)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 2 * time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 5, want: 32 * time.Second},
		{attempt: 6, want: 60 * time.Second},
		{attempt: 64, want: 60 * time.Second},
	}
	for _, tc := range tests {
		if got := Backoff(tc.attempt, time.Minute); got != tc.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestStatusIncludesLastContact(t *testing.T) {
	contact := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	w := &Worker{ID: 2, Backend: &stubSource{lastContact: contact}}
	status := w.Status()
	if status.State != StateStarting {
		t.Fatalf("State = %q", status.State)
	}
	if status.LastContact == nil || !status.LastContact.Equal(contact) {
		t.Fatalf("LastContact = %v", status.LastContact)
	}
}

type pollResponse struct {
	job       *backend.Job
	err       error
	panicWith string
}

func repeatPoll(resp pollResponse, n int) []pollResponse {
	out := make([]pollResponse, n)
	for i := range out {
		out[i] = resp
	}
	return out
}

type stubSource struct {
	mu            sync.Mutex
	polls         []pollResponse
	polled        int
	reports       []backend.Completion
	reportCtxErrs []error
	lastContact   time.Time
}

func (s *stubSource) Poll(context.Context) (*backend.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled++
	if len(s.polls) == 0 {
		return nil, nil
	}
	next := s.polls[0]
	s.polls = s.polls[1:]
	if next.panicWith != "" {
		panic(next.panicWith)
	}
	return next.job, next.err
}

func (s *stubSource) Report(ctx context.Context, completion backend.Completion) backend.ReportOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, completion)
	s.reportCtxErrs = append(s.reportCtxErrs, ctx.Err())
	return backend.ReportDelivered
}

func (s *stubSource) LastContact() time.Time {
	return s.lastContact
}

func (s *stubSource) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polled
}

func (s *stubSource) completions() []backend.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Completion(nil), s.reports...)
}

type runnerCall struct {
	sql     string
	timeout int
	ctxErr  error
}

type stubRunner struct {
	result       result.ExecutionResult
	err          error
	panicWith    string
	beforeReturn func()
	calls        []runnerCall
}

func (r *stubRunner) Execute(ctx context.Context, sqlText string, timeoutSeconds int) (result.ExecutionResult, error) {
	if r.panicWith != "" {
		panic(r.panicWith)
	}
	if r.beforeReturn != nil {
		r.beforeReturn()
	}
	r.calls = append(r.calls, runnerCall{sql: sqlText, timeout: timeoutSeconds, ctxErr: ctx.Err()})
	if r.err != nil {
		return result.ExecutionResult{}, r.err
	}
	if r.result.Columns == nil {
		return result.Empty(), nil
	}
	return r.result, nil
}

func recordSleeps(cancel context.CancelFunc, limit int) (*[]time.Duration, func(context.Context, time.Duration) error) {
	var sleeps []time.Duration
	return &sleeps, func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) >= limit {
			cancel()
			return ctx.Err()
		}
		return nil
	}
}

func assertSleeps(t *testing.T, got []time.Duration, want ...time.Duration) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", got, want)
		}
	}
}
