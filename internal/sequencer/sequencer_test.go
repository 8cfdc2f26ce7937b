package sequencer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/faucet"
	"ChainPilot/internal/pipeline"
)

var (
	self  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice = common.HexToAddress("0x2222222222222222222222222222222222222222")
	bob   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type recordingActions struct {
	calls    []string
	targets  []common.Address
	status   map[string]pipeline.Status
	approval map[string]pipeline.Status
	cancelOn string
	cancel   context.CancelFunc
}

func (r *recordingActions) Address() common.Address { return self }

func (r *recordingActions) do(name string) (pipeline.Outcome, error) {
	r.calls = append(r.calls, name)
	if r.cancelOn == name && r.cancel != nil {
		r.cancel()
	}
	status := pipeline.StatusConfirmed
	if s, ok := r.status[name]; ok {
		status = s
	}
	out := pipeline.Outcome{Action: name, Status: status}
	if st, ok := r.approval[name]; ok {
		out.Approval = &pipeline.Outcome{Action: pipeline.ActionApprove, Status: st}
	}
	if status == pipeline.StatusFailed {
		return out, xerrors.New(xerrors.CodeReverted, "reverted")
	}
	return out, nil
}

func (r *recordingActions) Transfer(_ context.Context, to common.Address) (pipeline.Outcome, error) {
	r.targets = append(r.targets, to)
	return r.do(pipeline.ActionTransfer)
}
func (r *recordingActions) Wrap(context.Context) (pipeline.Outcome, error) {
	return r.do(pipeline.ActionWrap)
}
func (r *recordingActions) Unwrap(context.Context) (pipeline.Outcome, error) {
	return r.do(pipeline.ActionUnwrap)
}
func (r *recordingActions) Deposit(context.Context) (pipeline.Outcome, error) {
	return r.do(pipeline.ActionDeposit)
}
func (r *recordingActions) Withdraw(context.Context) (pipeline.Outcome, error) {
	return r.do(pipeline.ActionWithdraw)
}
func (r *recordingActions) SwapWETHToUSDC(context.Context) (pipeline.Outcome, error) {
	return r.do(pipeline.ActionSwapWETHUSDC)
}
func (r *recordingActions) SwapUSDCToWETH(context.Context) (pipeline.Outcome, error) {
	return r.do(pipeline.ActionSwapUSDCWETH)
}

type stubFaucet struct {
	errs   map[string]error
	tokens []string
}

func (f *stubFaucet) Claim(_ context.Context, _ common.Address, token string) ([]faucet.Claim, error) {
	f.tokens = append(f.tokens, token)
	if err := f.errs[token]; err != nil {
		return nil, err
	}
	return []faucet.Claim{{Tx: "0x01", Amount: "1", TokenSymbol: token, Success: true}}, nil
}

type sleepRecorder struct{ n int }

func (s *sleepRecorder) sleep(ctx context.Context, _ time.Duration) error {
	s.n++
	return ctx.Err()
}

func newTestSequencer(actions Actions, fc Faucet, tasks config.TasksConfig, recipients []common.Address, sleeps *sleepRecorder) *Sequencer {
	return New(actions, fc, tasks, config.DelaysConfig{BetweenRequests: config.Range{Min: 1, Max: 2}}, recipients,
		WithRand(rand.New(rand.NewPCG(7, 7))),
		WithSleep(sleeps.sleep),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestRunAllFollowsConfiguredOrder(t *testing.T) {
	actions := &recordingActions{}
	sleeps := &sleepRecorder{}
	tasks := config.TasksConfig{IDs: []int{5, 42, 3, 9, 6, 4}}
	seq := newTestSequencer(actions, nil, tasks, nil, sleeps)

	report, err := seq.Run(context.Background(), config.TaskAll)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{pipeline.ActionWrap, pipeline.ActionDeposit, pipeline.ActionUnwrap, pipeline.ActionWithdraw}
	if !reflect.DeepEqual(actions.calls, want) {
		t.Fatalf("unexpected order %v", actions.calls)
	}
	if !reflect.DeepEqual(report.Tasks, []int{5, 3, 6, 4}) {
		t.Fatalf("unexpected tasks %v", report.Tasks)
	}
	if report.Confirmed != 4 || report.Actions() != 4 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestFailedActionDoesNotStopSequence(t *testing.T) {
	actions := &recordingActions{status: map[string]pipeline.Status{
		pipeline.ActionWrap:    pipeline.StatusFailed,
		pipeline.ActionDeposit: pipeline.StatusSkipped,
	}}
	tasks := config.TasksConfig{IDs: []int{5, 3, 6}}
	seq := newTestSequencer(actions, nil, tasks, nil, &sleepRecorder{})

	report, err := seq.Run(context.Background(), config.TaskAll)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions.calls) != 3 {
		t.Fatalf("expected all three actions, got %v", actions.calls)
	}
	if report.Failed != 1 || report.Skipped != 1 || report.Confirmed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestSwapsRepeatWithPausesBetween(t *testing.T) {
	actions := &recordingActions{}
	sleeps := &sleepRecorder{}
	seq := newTestSequencer(actions, nil, config.TasksConfig{NumberOfSwap: 3}, nil, sleeps)

	if _, err := seq.Run(context.Background(), config.TaskSwapUSDCWETH); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions.calls) != 3 {
		t.Fatalf("expected 3 swaps, got %d", len(actions.calls))
	}
	if sleeps.n != 2 {
		t.Fatalf("expected 2 pauses, got %d", sleeps.n)
	}
}

func TestSwapApprovalsAreCounted(t *testing.T) {
	actions := &recordingActions{
		status: map[string]pipeline.Status{pipeline.ActionSwapUSDCWETH: pipeline.StatusFailed},
		approval: map[string]pipeline.Status{
			pipeline.ActionSwapWETHUSDC: pipeline.StatusConfirmed,
			pipeline.ActionSwapUSDCWETH: pipeline.StatusFailed,
		},
	}
	seq := newTestSequencer(actions, nil, config.TasksConfig{NumberOfSwap: 1}, nil, &sleepRecorder{})

	report, err := seq.Run(context.Background(), config.TaskSwapWETHUSDC)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Confirmed != 2 || report.Actions() != 2 {
		t.Fatalf("approval and swap should both count: %+v", report)
	}
	if report.Outcomes[0].Action != pipeline.ActionApprove || report.Outcomes[1].Action != pipeline.ActionSwapWETHUSDC {
		t.Fatalf("approval should precede the swap: %+v", report.Outcomes)
	}

	report, err = seq.Run(context.Background(), config.TaskSwapUSDCWETH)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 2 || report.Confirmed != 0 {
		t.Fatalf("failed approval and swap should both count: %+v", report)
	}
}

func TestTransfersVisitEveryRecipientExceptSelf(t *testing.T) {
	actions := &recordingActions{}
	seq := newTestSequencer(actions, nil, config.TasksConfig{}, []common.Address{alice, self, bob}, &sleepRecorder{})

	if _, err := seq.Run(context.Background(), config.TaskTransfer); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(actions.targets, []common.Address{alice, bob}) {
		t.Fatalf("unexpected targets %v", actions.targets)
	}
}

func TestTransfersPickRandomRecipients(t *testing.T) {
	actions := &recordingActions{}
	seq := newTestSequencer(actions, nil, config.TasksConfig{NumberOfTransfer: 5}, []common.Address{alice, self, bob}, &sleepRecorder{})

	if _, err := seq.Run(context.Background(), config.TaskTransfer); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions.targets) != 5 {
		t.Fatalf("expected 5 transfers, got %d", len(actions.targets))
	}
	for _, to := range actions.targets {
		if to != alice && to != bob {
			t.Fatalf("unexpected recipient %s", to)
		}
	}
}

func TestTransfersGenerateRecipientWhenListEmpty(t *testing.T) {
	actions := &recordingActions{}
	seq := newTestSequencer(actions, nil, config.TasksConfig{NumberOfTransfer: 2}, nil, &sleepRecorder{})

	if _, err := seq.Run(context.Background(), config.TaskTransfer); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(actions.targets) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(actions.targets))
	}
	for _, to := range actions.targets {
		if to == (common.Address{}) || to == self {
			t.Fatalf("unexpected generated recipient %s", to)
		}
	}
}

func TestFaucetSkipsIneligibleAndStopsOnCaptcha(t *testing.T) {
	fc := &stubFaucet{errs: map[string]error{
		"ETH":  xerrors.New(xerrors.CodeFaucetIneligible, ""),
		"USDC": xerrors.New(xerrors.CodeCaptchaUnavailable, ""),
	}}
	tasks := config.TasksConfig{FaucetTokens: []string{"ETH", "WBTC", "USDC", "MOG"}}
	seq := newTestSequencer(&recordingActions{}, fc, tasks, nil, &sleepRecorder{})

	report, err := seq.Run(context.Background(), config.TaskFaucet)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(fc.tokens, []string{"ETH", "WBTC", "USDC"}) {
		t.Fatalf("unexpected claim order %v", fc.tokens)
	}
	if report.Claims != 1 {
		t.Fatalf("expected one successful claim, got %d", report.Claims)
	}
}

func TestRunStopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	actions := &recordingActions{cancelOn: pipeline.ActionDeposit, cancel: cancel}
	tasks := config.TasksConfig{IDs: []int{3, 4, 5}}
	seq := newTestSequencer(actions, nil, tasks, nil, &sleepRecorder{})

	_, err := seq.Run(ctx, config.TaskAll)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(actions.calls) != 1 {
		t.Fatalf("expected no action after cancellation, got %v", actions.calls)
	}
}

func TestRunRejectsUnknownTask(t *testing.T) {
	seq := newTestSequencer(&recordingActions{}, nil, config.TasksConfig{}, nil, &sleepRecorder{})
	if _, err := seq.Run(context.Background(), 12); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
