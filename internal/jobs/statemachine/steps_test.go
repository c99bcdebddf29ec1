package statemachine

import (
	"testing"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

func TestMergeSteps(t *testing.T) {
	base := []jobs.StepDetail{
		{TaskID: "a", StepName: "Prepare", State: jobs.StepRunning, Progress: 10},
		{TaskID: "b", State: jobs.StepFinished, Progress: 100},
		{TaskID: "c", State: jobs.StepSkipped, Message: "not taken"},
	}
	tests := []struct {
		name    string
		update  jobs.StepDetail
		changed bool
		want    jobs.StepState
		task    string
	}{
		{"new task is appended", jobs.StepDetail{TaskID: "d", State: jobs.StepRunning}, true, jobs.StepRunning, "d"},
		{"running to finished", jobs.StepDetail{TaskID: "a", State: jobs.StepFinished, Progress: 100}, true, jobs.StepFinished, "a"},
		{"same rank last wins", jobs.StepDetail{TaskID: "a", State: jobs.StepRunning, Progress: 50}, true, jobs.StepRunning, "a"},
		{"stale running ignored", jobs.StepDetail{TaskID: "b", State: jobs.StepRunning}, false, jobs.StepFinished, "b"},
		{"finished to failed", jobs.StepDetail{TaskID: "b", State: jobs.StepFailed}, true, jobs.StepFailed, "b"},
		{"skipped is final", jobs.StepDetail{TaskID: "c", State: jobs.StepFinished}, false, jobs.StepSkipped, "c"},
		{"unknown state ignored", jobs.StepDetail{TaskID: "a", State: "QUEUED"}, false, jobs.StepRunning, "a"},
		{"finished can become skipped", jobs.StepDetail{TaskID: "b", State: jobs.StepSkipped}, true, jobs.StepSkipped, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, changed := mergeSteps(base, []jobs.StepDetail{tt.update})
			if changed != tt.changed {
				t.Fatalf("changed=%v, want %v", changed, tt.changed)
			}
			var got *jobs.StepDetail
			for i := range out {
				if out[i].TaskID == tt.task {
					got = &out[i]
				}
			}
			if got == nil || got.State != tt.want {
				t.Fatalf("task %s: got %+v, want state %s", tt.task, got, tt.want)
			}
		})
	}
	if base[0].State != jobs.StepRunning || base[0].Progress != 10 {
		t.Fatalf("mergeSteps must not mutate its input")
	}
}

func TestMergeStepsKeepsStartTimeAndName(t *testing.T) {
	base := []jobs.StepDetail{{TaskID: "a", StepName: "Train", State: jobs.StepRunning}}
	out, _ := mergeSteps(base, []jobs.StepDetail{{TaskID: "a", State: jobs.StepFinished}})
	if out[0].StepName != "Train" {
		t.Fatalf("expected step name to carry over, got %q", out[0].StepName)
	}
}
