package instance

import (
	"context"
	"strings"
	"testing"

	"github.com/newellz2/lxrmq-go/internal/apierr"
	"github.com/newellz2/lxrmq-go/internal/config"
	"github.com/newellz2/lxrmq-go/internal/hostdriver"
	"github.com/newellz2/lxrmq-go/internal/kvlock"
	"github.com/newellz2/lxrmq-go/internal/model"
	"github.com/newellz2/lxrmq-go/internal/portalloc"
	"github.com/newellz2/lxrmq-go/internal/template"
)

func newTestService(t *testing.T, driver hostdriver.Driver) *Service {
	t.Helper()
	templates, err := template.Load("testdata", ".json.tmpl")
	if err != nil {
		t.Fatalf("template.Load: %v", err)
	}
	ports := portalloc.New(portalloc.Config{
		KV:        kvlock.NewFakeClient(),
		LockName:  "ports",
		Start:     9000,
		End:       9009,
		Instances: driver,
	})
	nodes := NewStaticNodeLocator(map[string]config.NodeConfig{
		"fake-node": {Name: "fake-node", Address: "10.0.0.9"},
	})
	return New(driver, ports, templates, nodes, []string{"lxadmin"})
}

func TestCreateHappyPath(t *testing.T) {
	driver := hostdriver.NewFake()
	svc := newTestService(t, driver)

	msg := model.CreateMessage{Environment: model.Environment{
		ID:   "env-1",
		Name: "cs135-section1",
		Instance: model.Instance{
			Name:     "student-container",
			Template: "cs135-f23",
		},
		User: model.User{Username: "user0"},
	}}

	env, err := svc.Create(context.Background(), msg, "user0")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if env.Instance.ID == "" || len(env.Instance.ID) != idLength {
		t.Errorf("Instance.ID = %q, want a %d-char id", env.Instance.ID, idLength)
	}
	if env.Instance.Location != "fake-node" {
		t.Errorf("Location = %q, want fake-node", env.Instance.Location)
	}
	if env.Instance.Status != "" {
		t.Errorf("Status = %q, want empty per step 10", env.Instance.Status)
	}
	if len(env.Instance.Devices) != 3 {
		t.Fatalf("Devices = %v, want 3 entries", env.Instance.Devices)
	}
	for name, dev := range env.Instance.Devices {
		if !strings.HasPrefix(dev.Listen, "tcp:10.0.0.9:") {
			t.Errorf("device %s Listen = %q, want tcp:10.0.0.9:<port>", name, dev.Listen)
		}
	}

	pending, err := svc.Ports.PendingSnapshot(context.Background())
	if err != nil {
		t.Fatalf("PendingSnapshot: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after create = %v, want empty (all released)", pending)
	}
}

func TestCreateDeniedWhenUserMismatch(t *testing.T) {
	driver := hostdriver.NewFake()
	svc := newTestService(t, driver)

	msg := model.CreateMessage{Environment: model.Environment{
		Instance: model.Instance{Name: "x", Template: "cs135-f23"},
		User:     model.User{Username: "user0"},
	}}

	_, err := svc.Create(context.Background(), msg, "user1")
	kind, _ := apierr.KindOf(err)
	if kind != apierr.PermissionDenied {
		t.Fatalf("KindOf(err) = %v, want PermissionDenied", kind)
	}
}

func TestCreateResourceExhaustedReleasesReservedPorts(t *testing.T) {
	driver := hostdriver.NewFake()
	svc := newTestService(t, driver)
	// Shrink the range via a fresh allocator so 3 ports don't fit.
	svc.Ports = portalloc.New(portalloc.Config{
		KV:        kvlock.NewFakeClient(),
		LockName:  "ports",
		Start:     9000,
		End:       9001,
		Instances: driver,
	})

	msg := model.CreateMessage{Environment: model.Environment{
		Instance: model.Instance{Name: "x", Template: "cs135-f23"},
		User:     model.User{Username: "user0"},
	}}

	_, err := svc.Create(context.Background(), msg, "user0")
	kind, _ := apierr.KindOf(err)
	if kind != apierr.ResourceExhausted {
		t.Fatalf("KindOf(err) = %v, want ResourceExhausted", kind)
	}

	pending, err := svc.Ports.PendingSnapshot(context.Background())
	if err != nil {
		t.Fatalf("PendingSnapshot: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after a failed reserve = %v, want empty (released)", pending)
	}
}

func TestCreateDriverFailureAttemptsCleanup(t *testing.T) {
	driver := hostdriver.NewFake()
	driver.FailCreateCall = 1
	svc := newTestService(t, driver)

	msg := model.CreateMessage{Environment: model.Environment{
		Instance: model.Instance{Name: "x", Template: "cs135-f23"},
		User:     model.User{Username: "user0"},
	}}

	_, err := svc.Create(context.Background(), msg, "user0")
	kind, _ := apierr.KindOf(err)
	if kind != apierr.DriverError {
		t.Fatalf("KindOf(err) = %v, want DriverError", kind)
	}

	if got := driver.DeleteCalls(); got != 1 {
		t.Errorf("driver.DeleteCalls() = %d, want 1 (cleanup attempted after a failed create)", got)
	}

	pending, err := svc.Ports.PendingSnapshot(context.Background())
	if err != nil {
		t.Fatalf("PendingSnapshot: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after a failed create = %v, want empty (released)", pending)
	}
}

func setupRestartableInstance(t *testing.T, driver *hostdriver.Fake) {
	t.Helper()
	_, err := driver.Create(context.Background(), model.Instance{
		ID:   "inst-1",
		Name: "student-container",
		Config: map[string]string{
			model.ConfigLXUser:       "user0",
			model.ConfigLXInstanceID: "inst-1",
			model.ConfigLXEnvID:      "env-1",
		},
	})
	if err != nil {
		t.Fatalf("driver.Create: %v", err)
	}
}

func TestOperateRestartSuccess(t *testing.T) {
	driver := hostdriver.NewFake()
	setupRestartableInstance(t, driver)
	svc := newTestService(t, driver)

	msg := model.OperationMessage{Instance: "inst-1", Operation: model.OpRestart}
	record, err := svc.Operate(context.Background(), msg, "user0")
	if err != nil {
		t.Fatalf("Operate: %v", err)
	}
	if record.Status != "running" {
		t.Errorf("Status = %q, want running", record.Status)
	}
	if record.ID != "inst-1" || record.Environment.ID != "env-1" {
		t.Errorf("record = %+v, want id=inst-1 environment.id=env-1", record)
	}
}

func TestOperateDeniedForNonOwner(t *testing.T) {
	driver := hostdriver.NewFake()
	setupRestartableInstance(t, driver)
	svc := newTestService(t, driver)

	msg := model.OperationMessage{Instance: "inst-1", Operation: model.OpRestart}
	_, err := svc.Operate(context.Background(), msg, "user1")
	kind, _ := apierr.KindOf(err)
	if kind != apierr.PermissionDenied {
		t.Fatalf("KindOf(err) = %v, want PermissionDenied", kind)
	}

	status, err := driver.Status(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != "stopped" {
		t.Errorf("Status after denied restart = %q, want stopped (restart must not run)", status)
	}
}

func TestOperateMissingInstanceIsNotFoundForAdmin(t *testing.T) {
	driver := hostdriver.NewFake()
	svc := newTestService(t, driver)

	msg := model.OperationMessage{Instance: "does-not-exist", Operation: model.OpStatus}
	_, err := svc.Operate(context.Background(), msg, "lxadmin")
	kind, _ := apierr.KindOf(err)
	if kind != apierr.NotFound {
		t.Fatalf("KindOf(err) = %v, want NotFound even for an admin caller", kind)
	}
}

func TestOperateRejectsUnknownOperation(t *testing.T) {
	driver := hostdriver.NewFake()
	setupRestartableInstance(t, driver)
	svc := newTestService(t, driver)

	msg := model.OperationMessage{Instance: "inst-1", Operation: model.Operation("delete")}
	_, err := svc.Operate(context.Background(), msg, "user0")
	kind, _ := apierr.KindOf(err)
	if kind != apierr.InvalidOperation {
		t.Fatalf("KindOf(err) = %v, want InvalidOperation", kind)
	}
}
