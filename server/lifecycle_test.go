package server

import (
	"errors"
	"testing"
)

// fakeService records start/stop calls against a shared trace so ordering
// can be asserted.
type fakeService struct {
	name     string
	trace    *[]string
	startErr error
	stopErr  error
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start() error {
	*f.trace = append(*f.trace, "start:"+f.name)
	return f.startErr
}

func (f *fakeService) Stop() error {
	*f.trace = append(*f.trace, "stop:"+f.name)
	return f.stopErr
}

func TestLifecycleOrdering(t *testing.T) {
	lm := NewLifecycleManager(DefaultLifecycleConfig())
	var trace []string

	// Registered out of priority order on purpose.
	lm.Register(&fakeService{name: "gateway", trace: &trace}, 30)
	lm.Register(&fakeService{name: "store", trace: &trace}, 10)
	lm.Register(&fakeService{name: "registry", trace: &trace}, 20)

	if errs := lm.StartAll(); len(errs) != 0 {
		t.Fatalf("start errors: %v", errs)
	}
	if errs := lm.StopAll(); len(errs) != 0 {
		t.Fatalf("stop errors: %v", errs)
	}

	want := []string{
		"start:store", "start:registry", "start:gateway",
		"stop:gateway", "stop:registry", "stop:store",
	}
	if len(trace) != len(want) {
		t.Fatalf("trace %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %s, want %s", i, trace[i], want[i])
		}
	}
}

func TestLifecycleFailedStartIsReported(t *testing.T) {
	lm := NewLifecycleManager(DefaultLifecycleConfig())
	var trace []string
	boom := errors.New("no database")

	lm.Register(&fakeService{name: "store", trace: &trace, startErr: boom}, 10)
	lm.Register(&fakeService{name: "registry", trace: &trace}, 20)

	errs := lm.StartAll()
	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Fatalf("want the store failure surfaced, got %v", errs)
	}
	if lm.GetState("store") != StateFailed {
		t.Fatalf("failed service state = %s", lm.GetState("store"))
	}
	if lm.GetState("registry") != StateRunning {
		t.Fatalf("later service should still run, state = %s", lm.GetState("registry"))
	}
	if lm.RunningCount() != 1 {
		t.Fatalf("running count = %d, want 1", lm.RunningCount())
	}

	// StopAll only touches running services.
	lm.StopAll()
	for _, ev := range trace {
		if ev == "stop:store" {
			t.Fatalf("failed service must not be stopped: %v", trace)
		}
	}
}

func TestLifecycleDuplicateName(t *testing.T) {
	lm := NewLifecycleManager(DefaultLifecycleConfig())
	var trace []string
	if err := lm.Register(&fakeService{name: "x", trace: &trace}, 1); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := lm.Register(&fakeService{name: "x", trace: &trace}, 2); err == nil {
		t.Fatalf("duplicate name should be rejected")
	}
	if lm.ServiceCount() != 1 {
		t.Fatalf("service count = %d, want 1", lm.ServiceCount())
	}
}

func TestLifecycleUnknownServiceState(t *testing.T) {
	lm := NewLifecycleManager(DefaultLifecycleConfig())
	if st := lm.GetState("ghost"); st != StateFailed {
		t.Fatalf("unknown service state = %s, want failed", st)
	}
}
