package executor_test

import (
	"slices"
	"testing"

	"github.com/samueljero/TCPwn/internal/executor"
)

func TestStageTransitionTable(t *testing.T) {
	t.Parallel()

	fullTeardown := []executor.Action{
		executor.ActionMarkSystemFailure, executor.ActionCancelTimers,
		executor.ActionTeardownCapture, executor.ActionTeardownProxy, executor.ActionTeardownMonitor,
	}

	tests := []struct {
		name        string
		stage       executor.Stage
		event       executor.Event
		wantStage   executor.Stage
		wantActions []executor.Action
	}{
		{"Idle+OK", executor.StageIdle, executor.EventOK, executor.StageCleanup, nil},

		// =============================================================
		// Best-effort stages
		// =============================================================
		{"Cleanup+OK", executor.StageCleanup, executor.EventOK, executor.StageStartMonitor, nil},
		{"Cleanup+Fail ignored", executor.StageCleanup, executor.EventFail, executor.StageStartMonitor, nil},
		{"CaptureStart+Skip", executor.StageCaptureStart, executor.EventSkip, executor.StageRunTraffic, nil},
		{"CaptureStart+Fail ignored", executor.StageCaptureStart, executor.EventFail, executor.StageRunTraffic, nil},
		{"CaptureStop+Skip", executor.StageCaptureStop, executor.EventSkip, executor.StageQueryStats, nil},
		{"CaptureStop+Fail ignored", executor.StageCaptureStop, executor.EventFail, executor.StageQueryStats, nil},
		{"FinalCleanup+Fail ignored", executor.StageFinalCleanup, executor.EventFail, executor.StageEvaluate, nil},

		// =============================================================
		// Start failures tear down in reverse start order
		// =============================================================
		{
			"StartMonitor+Fail", executor.StageStartMonitor, executor.EventFail, executor.StageDone,
			[]executor.Action{executor.ActionMarkSystemFailure, executor.ActionTeardownMonitor},
		},
		{
			"StartProxy+Fail", executor.StageStartProxy, executor.EventFail, executor.StageDone,
			[]executor.Action{executor.ActionMarkSystemFailure, executor.ActionTeardownProxy, executor.ActionTeardownMonitor},
		},
		{
			"SendStrategy+Fail", executor.StageSendStrategy, executor.EventFail, executor.StageDone,
			[]executor.Action{
				executor.ActionMarkSystemFailure, executor.ActionCancelTimers,
				executor.ActionTeardownProxy, executor.ActionTeardownMonitor,
			},
		},
		{"RunTraffic+Fail", executor.StageRunTraffic, executor.EventFail, executor.StageDone, fullTeardown},
		{
			"QueryStats+Fail", executor.StageQueryStats, executor.EventFail, executor.StageDone,
			[]executor.Action{
				executor.ActionMarkSystemFailure, executor.ActionCancelTimers,
				executor.ActionTeardownProxy, executor.ActionTeardownMonitor,
			},
		},

		// =============================================================
		// Stop stages
		// =============================================================
		{
			"QueryStats+OK cancels timers", executor.StageQueryStats, executor.EventOK, executor.StageStopProxy,
			[]executor.Action{executor.ActionCancelTimers},
		},
		{
			"StopProxy+Fail continues", executor.StageStopProxy, executor.EventFail, executor.StageStopMonitor,
			[]executor.Action{executor.ActionMarkSystemFailure},
		},
		{
			"StopMonitor+Fail continues", executor.StageStopMonitor, executor.EventFail, executor.StageFinalCleanup,
			[]executor.Action{executor.ActionMarkSystemFailure},
		},
		{"Evaluate+OK", executor.StageEvaluate, executor.EventOK, executor.StageDone, nil},

		// =============================================================
		// Unlisted pairs
		// =============================================================
		{"RunTraffic+Skip unlisted", executor.StageRunTraffic, executor.EventSkip, executor.StageDone, fullTeardown},
		{"Done+OK unlisted", executor.StageDone, executor.EventOK, executor.StageDone, fullTeardown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := executor.ApplyEvent(tt.stage, tt.event)
			if res.From != tt.stage {
				t.Errorf("From = %s, want %s", res.From, tt.stage)
			}
			if res.To != tt.wantStage {
				t.Errorf("To = %s, want %s", res.To, tt.wantStage)
			}
			if !slices.Equal(res.Actions, tt.wantActions) {
				t.Errorf("Actions = %v, want %v", res.Actions, tt.wantActions)
			}
		})
	}
}

// The all-OK path visits every stage exactly once, in order.
func TestStageHappyPath(t *testing.T) {
	t.Parallel()

	want := []executor.Stage{
		executor.StageIdle, executor.StageCleanup, executor.StageStartMonitor,
		executor.StageStartProxy, executor.StageSendStrategy, executor.StageCaptureStart,
		executor.StageRunTraffic, executor.StageCaptureStop, executor.StageQueryStats,
		executor.StageStopProxy, executor.StageStopMonitor, executor.StageFinalCleanup,
		executor.StageEvaluate, executor.StageDone,
	}

	var got []executor.Stage
	stage := executor.StageIdle
	for range 32 {
		got = append(got, stage)
		if stage == executor.StageDone {
			break
		}
		res := executor.ApplyEvent(stage, executor.EventOK)
		if !res.Known {
			t.Fatalf("no OK transition from %s", stage)
		}
		if slices.Contains(res.Actions, executor.ActionMarkSystemFailure) {
			t.Errorf("%s+OK marks a system failure", stage)
		}
		stage = res.To
	}
	if !slices.Equal(got, want) {
		t.Errorf("path = %v, want %v", got, want)
	}
}

// Every stage reaches Done for every event, and timers are always
// cancelled before the proxy is torn down or stopped.
func TestStageTableTerminates(t *testing.T) {
	t.Parallel()

	events := []executor.Event{executor.EventOK, executor.EventFail, executor.EventSkip}
	for stage := executor.StageIdle; stage < executor.StageDone; stage++ {
		for _, ev := range events {
			res := executor.ApplyEvent(stage, ev)
			if res.To <= stage && res.To != executor.StageDone {
				t.Errorf("%s+%s moves backwards to %s", stage, ev, res.To)
			}
			if i := slices.Index(res.Actions, executor.ActionTeardownProxy); i >= 0 && stage >= executor.StageSendStrategy {
				if j := slices.Index(res.Actions, executor.ActionCancelTimers); j < 0 || j > i {
					t.Errorf("%s+%s tears down proxy before cancelling timers: %v", stage, ev, res.Actions)
				}
			}
		}
	}
}

func TestStageStrings(t *testing.T) {
	t.Parallel()

	for stage := executor.StageIdle; stage <= executor.StageDone; stage++ {
		if stage.String() == "Unknown" {
			t.Errorf("stage %d has no name", stage)
		}
	}
	if executor.Stage(200).String() != "Unknown" {
		t.Error("out of range stage should be Unknown")
	}
	if executor.EventSkip.String() != "Skip" || executor.ActionTeardownMonitor.String() != "TeardownMonitor" {
		t.Error("event/action names")
	}
}
