package executor

// This file implements the test stage machine as a pure function over a
// transition table. Stage bodies live in run.go; this table alone decides
// ordering, which failures are fatal, and which teardown actions follow.
//
//	Idle -> Cleanup -> StartMonitor -> StartProxy -> SendStrategy
//	     -> CaptureStart -> RunTraffic -> CaptureStop -> QueryStats
//	     -> StopProxy -> StopMonitor -> FinalCleanup -> Evaluate -> Done
//
// A failed start stage (StartMonitor, StartProxy, SendStrategy,
// RunTraffic, QueryStats) jumps straight to Done, tearing down whatever
// was started in reverse start order and marking the run a system
// failure. Cleanup and capture failures are logged and ignored. A crashed
// proxy or monitor at stop time marks a system failure but the remaining
// stop stages still run.

// Stage is one step of a test run.
type Stage uint8

const (
	StageIdle Stage = iota
	StageCleanup
	StageStartMonitor
	StageStartProxy
	StageSendStrategy
	StageCaptureStart
	StageRunTraffic
	StageCaptureStop
	StageQueryStats
	StageStopProxy
	StageStopMonitor
	StageFinalCleanup
	StageEvaluate
	StageDone
)

// String returns the human-readable name of the stage.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "Idle"
	case StageCleanup:
		return "Cleanup"
	case StageStartMonitor:
		return "StartMonitor"
	case StageStartProxy:
		return "StartProxy"
	case StageSendStrategy:
		return "SendStrategy"
	case StageCaptureStart:
		return "CaptureStart"
	case StageRunTraffic:
		return "RunTraffic"
	case StageCaptureStop:
		return "CaptureStop"
	case StageQueryStats:
		return "QueryStats"
	case StageStopProxy:
		return "StopProxy"
	case StageStopMonitor:
		return "StopMonitor"
	case StageFinalCleanup:
		return "FinalCleanup"
	case StageEvaluate:
		return "Evaluate"
	case StageDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Event is the outcome of a stage body.
type Event uint8

const (
	// EventOK means the stage completed.
	EventOK Event = iota

	// EventFail means the stage could not complete.
	EventFail

	// EventSkip means the stage was disabled (capture off).
	EventSkip
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventOK:
		return "OK"
	case EventFail:
		return "Fail"
	case EventSkip:
		return "Skip"
	default:
		return "Unknown"
	}
}

// Action is a side-effect the runner executes after a transition, in the
// order listed.
type Action uint8

const (
	// ActionMarkSystemFailure forces the verdict to SystemFailure.
	ActionMarkSystemFailure Action = iota + 1

	// ActionCancelTimers stops delayed strategy actions and waits for any
	// callback already running.
	ActionCancelTimers

	// ActionTeardownCapture kills the packet capture without fetching it.
	ActionTeardownCapture

	// ActionTeardownProxy interrupts the proxy if it is still running.
	ActionTeardownProxy

	// ActionTeardownMonitor interrupts the monitor if it is still running.
	ActionTeardownMonitor
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionMarkSystemFailure:
		return "MarkSystemFailure"
	case ActionCancelTimers:
		return "CancelTimers"
	case ActionTeardownCapture:
		return "TeardownCapture"
	case ActionTeardownProxy:
		return "TeardownProxy"
	case ActionTeardownMonitor:
		return "TeardownMonitor"
	default:
		return "Unknown"
	}
}

type stageEvent struct {
	stage Stage
	event Event
}

type transition struct {
	next    Stage
	actions []Action
}

// StageResult holds the outcome of applying an event to a stage.
type StageResult struct {
	From    Stage
	To      Stage
	Actions []Action

	// Known is false when the (stage, event) pair has no table entry; the
	// run then ends as a system failure.
	Known bool
}

//nolint:gochecknoglobals // transition table is intentionally package-level.
var stageTable = map[stageEvent]transition{
	{StageIdle, EventOK}: {next: StageCleanup},

	// Leftovers from a previous run are best effort.
	{StageCleanup, EventOK}:   {next: StageStartMonitor},
	{StageCleanup, EventFail}: {next: StageStartMonitor},

	{StageStartMonitor, EventOK}: {next: StageStartProxy},
	{StageStartMonitor, EventFail}: {
		next:    StageDone,
		actions: []Action{ActionMarkSystemFailure, ActionTeardownMonitor},
	},

	{StageStartProxy, EventOK}: {next: StageSendStrategy},
	{StageStartProxy, EventFail}: {
		next:    StageDone,
		actions: []Action{ActionMarkSystemFailure, ActionTeardownProxy, ActionTeardownMonitor},
	},

	{StageSendStrategy, EventOK}: {next: StageCaptureStart},
	{StageSendStrategy, EventFail}: {
		next:    StageDone,
		actions: []Action{ActionMarkSystemFailure, ActionCancelTimers, ActionTeardownProxy, ActionTeardownMonitor},
	},

	// Capture is diagnostic only.
	{StageCaptureStart, EventOK}:   {next: StageRunTraffic},
	{StageCaptureStart, EventSkip}: {next: StageRunTraffic},
	{StageCaptureStart, EventFail}: {next: StageRunTraffic},

	{StageRunTraffic, EventOK}: {next: StageCaptureStop},
	{StageRunTraffic, EventFail}: {
		next: StageDone,
		actions: []Action{
			ActionMarkSystemFailure, ActionCancelTimers,
			ActionTeardownCapture, ActionTeardownProxy, ActionTeardownMonitor,
		},
	},

	{StageCaptureStop, EventOK}:   {next: StageQueryStats},
	{StageCaptureStop, EventSkip}: {next: StageQueryStats},
	{StageCaptureStop, EventFail}: {next: StageQueryStats},

	// Delayed actions must not reach a proxy that is being stopped.
	{StageQueryStats, EventOK}: {
		next:    StageStopProxy,
		actions: []Action{ActionCancelTimers},
	},
	{StageQueryStats, EventFail}: {
		next:    StageDone,
		actions: []Action{ActionMarkSystemFailure, ActionCancelTimers, ActionTeardownProxy, ActionTeardownMonitor},
	},

	{StageStopProxy, EventOK}: {next: StageStopMonitor},
	{StageStopProxy, EventFail}: {
		next:    StageStopMonitor,
		actions: []Action{ActionMarkSystemFailure},
	},

	{StageStopMonitor, EventOK}: {next: StageFinalCleanup},
	{StageStopMonitor, EventFail}: {
		next:    StageFinalCleanup,
		actions: []Action{ActionMarkSystemFailure},
	},

	{StageFinalCleanup, EventOK}:   {next: StageEvaluate},
	{StageFinalCleanup, EventFail}: {next: StageEvaluate},

	{StageEvaluate, EventOK}: {next: StageDone},
}

// ApplyEvent applies ev to stage and returns the next stage and the
// actions to run. It has no side effects. Pairs missing from the table
// end the run: the result carries Known=false, To=StageDone and the full
// teardown action list.
func ApplyEvent(stage Stage, ev Event) StageResult {
	tr, ok := stageTable[stageEvent{stage: stage, event: ev}]
	if !ok {
		return StageResult{
			From: stage,
			To:   StageDone,
			Actions: []Action{
				ActionMarkSystemFailure, ActionCancelTimers,
				ActionTeardownCapture, ActionTeardownProxy, ActionTeardownMonitor,
			},
		}
	}
	return StageResult{
		From:    stage,
		To:      tr.next,
		Actions: tr.actions,
		Known:   true,
	}
}
