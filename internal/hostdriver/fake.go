package hostdriver

import (
	"context"
	"sync"

	"github.com/newellz2/lxrmq-go/internal/apierr"
	"github.com/newellz2/lxrmq-go/internal/model"
)

// Fake is an in-memory Driver used by the Instance Service tests. Its FailCreateCall/FailExecuteCall hooks let a test make
// the Nth call to a given method fail, so the create pipeline's failure
// compensations are directly exercisable.
type Fake struct {
	mu        sync.Mutex
	instances map[string]model.Instance

	createCalls  int
	executeCalls int
	deleteCalls  int

	// FailCreateCall, when non-zero, makes the FailCreateCall'th Create
	// call (1-indexed) return FailErr instead of succeeding.
	FailCreateCall int
	// FailExecuteCall, when non-zero, makes the FailExecuteCall'th Execute
	// call (1-indexed) return FailErr instead of succeeding.
	FailExecuteCall int
	// FailErr is the error returned on an injected failure. Defaults to a
	// generic DriverError if nil.
	FailErr error
}

// NewFake returns an empty Fake driver.
func NewFake() *Fake {
	return &Fake{instances: make(map[string]model.Instance)}
}

func (f *Fake) failErr() error {
	if f.FailErr != nil {
		return f.FailErr
	}
	return apierr.New(apierr.DriverError, "fake driver: injected failure")
}

func (f *Fake) Create(_ context.Context, spec model.Instance) (model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.FailCreateCall != 0 && f.createCalls == f.FailCreateCall {
		return model.Instance{}, f.failErr()
	}

	spec.Status = "stopped"
	if spec.Location == "" {
		spec.Location = "fake-node"
	}
	if spec.Devices == nil {
		spec.Devices = map[string]model.Device{}
	} else {
		cp := make(map[string]model.Device, len(spec.Devices))
		for k, v := range spec.Devices {
			cp[k] = v
		}
		spec.Devices = cp
	}
	f.instances[spec.ID] = spec
	return spec, nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return apierr.New(apierr.NotFound, "no such instance %q", id)
	}
	inst.Status = "running"
	f.instances[id] = inst
	return nil
}

func (f *Fake) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return apierr.New(apierr.NotFound, "no such instance %q", id)
	}
	inst.Status = "running"
	f.instances[id] = inst
	return nil
}

func (f *Fake) Status(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return "", apierr.New(apierr.NotFound, "no such instance %q", id)
	}
	return inst.Status, nil
}

func (f *Fake) Get(_ context.Context, id string) (model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return model.Instance{}, apierr.New(apierr.NotFound, "no such instance %q", id)
	}
	return inst, nil
}

func (f *Fake) List(_ context.Context) ([]model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *Fake) UpdateDevice(_ context.Context, id, deviceName string, dev model.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return apierr.New(apierr.NotFound, "no such instance %q", id)
	}
	if inst.Devices == nil {
		inst.Devices = map[string]model.Device{}
	}
	inst.Devices[deviceName] = dev
	f.instances[id] = inst
	return nil
}

// Save is a no-op on Fake: UpdateDevice already commits in place.
func (f *Fake) Save(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return apierr.New(apierr.NotFound, "no such instance %q", id)
	}
	return nil
}

func (f *Fake) Execute(_ context.Context, id string, argv []string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.executeCalls++
	if f.FailExecuteCall != 0 && f.executeCalls == f.FailExecuteCall {
		return ExecResult{}, f.failErr()
	}

	if _, ok := f.instances[id]; !ok {
		return ExecResult{}, apierr.New(apierr.NotFound, "no such instance %q", id)
	}
	return ExecResult{Stdout: "", Stderr: "", ExitCode: 0}, nil
}

func (f *Fake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	delete(f.instances, id)
	return nil
}

// DeleteCalls returns how many times Delete has been called.
func (f *Fake) DeleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteCalls
}
