package hostdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/newellz2/lxrmq-go/internal/apierr"
	"github.com/newellz2/lxrmq-go/internal/model"
)

const instanceLabel = "lxrmq.instance=1"

// DockerCLI manages one container per instance by shelling out to the
// `docker` CLI via an Executor (local os/exec or remote SSH).
//
// UpdateDevice+Save on DockerCLI is necessarily a local bookkeeping
// operation: Docker has no API to add a published port to an already-
// running container. Devices staged by UpdateDevice are held in a local
// cache and are reported by Get and List; they do not change the
// container itself, whose published ports are the ones Create derived
// from the spec's devices.
type DockerCLI struct {
	exec Executor

	mu        sync.Mutex
	devices   map[string]map[string]model.Device // instance id -> device name -> device
	apiSocket string                              // Docker Engine API socket for Execute
}

// NewDockerCLI builds a DockerCLI driver that runs `docker` through exec.
// apiSocket is the Docker Engine API unix socket used by Execute (e.g.
// "/var/run/docker.sock"); it is only reachable when exec is a
// LocalExecutor, since it assumes a local daemon socket.
func NewDockerCLI(exec Executor, apiSocket string) *DockerCLI {
	if apiSocket == "" {
		apiSocket = "/var/run/docker.sock"
	}
	return &DockerCLI{
		exec:      exec,
		devices:   make(map[string]map[string]model.Device),
		apiSocket: apiSocket,
	}
}

func (d *DockerCLI) Create(ctx context.Context, spec model.Instance) (model.Instance, error) {
	args := []string{"create", "--name", spec.ID, "--label", instanceLabel}

	for k, v := range spec.Config {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, dev := range spec.Devices {
		if !dev.IsTCPProxy() {
			continue
		}
		port, ok := dev.ListenPort()
		if !ok {
			continue
		}
		args = append(args, "-p", fmt.Sprintf("%d:%d", port, port))
	}
	args = append(args, spec.Template)

	if _, err := d.exec.Run(ctx, "docker", args...); err != nil {
		return model.Instance{}, apierr.Wrap(apierr.DriverError, err, "docker create %s", spec.ID)
	}

	spec.Status = "stopped"
	spec.Location = d.exec.Host()
	return spec, nil
}

func (d *DockerCLI) Start(ctx context.Context, id string) error {
	if _, err := d.exec.Run(ctx, "docker", "start", id); err != nil {
		return apierr.Wrap(apierr.DriverError, err, "docker start %s", id)
	}
	return nil
}

func (d *DockerCLI) Restart(ctx context.Context, id string) error {
	if _, err := d.exec.Run(ctx, "docker", "restart", id); err != nil {
		return apierr.Wrap(apierr.DriverError, err, "docker restart %s", id)
	}
	return nil
}

func (d *DockerCLI) Status(ctx context.Context, id string) (string, error) {
	out, err := d.exec.Run(ctx, "docker", "inspect", "--format", "{{.State.Status}}", id)
	if err != nil {
		return "", apierr.Wrap(apierr.DriverError, err, "docker inspect %s", id)
	}
	return strings.TrimSpace(out), nil
}

// dockerInspectEntry is the subset of `docker inspect`'s JSON array this
// driver reads.
type dockerInspectEntry struct {
	Name  string `json:"Name"`
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Image string   `json:"Image"`
		Env   []string `json:"Env"`
	} `json:"Config"`
}

func (d *DockerCLI) Get(ctx context.Context, id string) (model.Instance, error) {
	out, err := d.exec.Run(ctx, "docker", "inspect", id)
	if err != nil {
		return model.Instance{}, apierr.New(apierr.NotFound, "no such instance %q", id)
	}
	var entries []dockerInspectEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil || len(entries) == 0 {
		return model.Instance{}, apierr.Wrap(apierr.DriverError, err, "decode docker inspect %s", id)
	}
	return d.toInstance(id, entries[0]), nil
}

func (d *DockerCLI) List(ctx context.Context) ([]model.Instance, error) {
	out, err := d.exec.Run(ctx, "docker", "ps", "-a", "--filter", "label="+instanceLabel, "--format", "{{.Names}}")
	if err != nil {
		return nil, apierr.Wrap(apierr.DriverError, err, "docker ps")
	}
	names := strings.Fields(out)
	if len(names) == 0 {
		return nil, nil
	}

	args := append([]string{"inspect"}, names...)
	raw, err := d.exec.Run(ctx, "docker", args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.DriverError, err, "docker inspect (list)")
	}
	var entries []dockerInspectEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, apierr.Wrap(apierr.DriverError, err, "decode docker inspect (list)")
	}

	out2 := make([]model.Instance, 0, len(entries))
	for _, e := range entries {
		id := strings.TrimPrefix(e.Name, "/")
		out2 = append(out2, d.toInstance(id, e))
	}
	return out2, nil
}

func (d *DockerCLI) toInstance(id string, e dockerInspectEntry) model.Instance {
	d.mu.Lock()
	devices := d.devices[id]
	d.mu.Unlock()

	merged := make(map[string]model.Device, len(devices))
	for k, v := range devices {
		merged[k] = v
	}

	cfg := make(map[string]string, len(e.Config.Env))
	for _, kv := range e.Config.Env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			cfg[parts[0]] = parts[1]
		}
	}

	return model.Instance{
		ID:       id,
		Name:     id,
		Status:   e.State.Status,
		Template: e.Config.Image,
		Devices:  merged,
		Config:   cfg,
		Location: d.exec.Host(),
	}
}

// UpdateDevice stages a device change locally; see the DockerCLI doc
// comment for why it cannot mutate a running container's published ports.
func (d *DockerCLI) UpdateDevice(_ context.Context, id, deviceName string, dev model.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.devices[id] == nil {
		d.devices[id] = make(map[string]model.Device)
	}
	d.devices[id][deviceName] = dev
	return nil
}

// Save is a no-op: UpdateDevice already committed to the local cache.
// Kept as a distinct method to match the Driver interface's stage/commit
// shape, which other drivers may use transactionally.
func (d *DockerCLI) Save(_ context.Context, _ string) error {
	return nil
}

func (d *DockerCLI) Delete(ctx context.Context, id string) error {
	_, _ = d.exec.Run(ctx, "docker", "rm", "-f", id)
	d.mu.Lock()
	delete(d.devices, id)
	d.mu.Unlock()
	return nil
}
