// Package instance implements the create and operate pipelines: the
// permission-checked, at-least-once request handlers that compose the
// Port Allocator, Template Store, and Host Driver.
package instance

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/newellz2/lxrmq-go/internal/apierr"
	"github.com/newellz2/lxrmq-go/internal/hostdriver"
	"github.com/newellz2/lxrmq-go/internal/model"
	"github.com/newellz2/lxrmq-go/internal/portalloc"
	"github.com/newellz2/lxrmq-go/internal/template"
)

// idAlphabet and idLength match the original system's
// nanoid.generate(NANOID_SET, 16) call precisely.
const (
	idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz-"
	idLength   = 16
)

// NodeLocator resolves a driver-assigned location to the node address the
// create pipeline rewrites proxy devices to.
type NodeLocator interface {
	// Address returns the configured address for location, and whether it
	// is known.
	Address(location string) (string, bool)
	// Name returns the configured name for location (reported back on the
	// environment in the create pipeline's final result).
	Name(location string) (string, bool)
}

// Service runs the create and operate pipelines.
type Service struct {
	Driver    hostdriver.Driver
	Ports     *portalloc.Allocator
	Templates *template.Store
	Nodes     NodeLocator
	Admins    map[string]bool
}

// New builds a Service. admins is the closed configured admin set
//.
func New(driver hostdriver.Driver, ports *portalloc.Allocator, templates *template.Store, nodes NodeLocator, admins []string) *Service {
	adminSet := make(map[string]bool, len(admins))
	for _, a := range admins {
		adminSet[a] = true
	}
	return &Service{Driver: driver, Ports: ports, Templates: templates, Nodes: nodes, Admins: adminSet}
}

// Permission reports whether user may perform op against the named
// instance: true when user is an admin, or when the instance's
// environment.LX_USER config matches user. A missing instance is surfaced
// as a *apierr.Error{Kind: NotFound}, never as a denial.
func (s *Service) Permission(ctx context.Context, op, name, user string) (bool, error) {
	if s.Admins[user] {
		return true, nil
	}

	inst, err := s.Driver.Get(ctx, name)
	if err != nil {
		return false, err
	}
	return inst.Config[model.ConfigLXUser] == user, nil
}

// Create runs the ten-step create pipeline.
func (s *Service) Create(ctx context.Context, msg model.CreateMessage, user string) (model.Environment, error) {
	env := msg.Environment

	// Step 1: authorize.
	if !s.Admins[user] && env.User.Username != user {
		return model.Environment{}, apierr.New(apierr.PermissionDenied, "user %q may not create instances for %q", user, env.User.Username)
	}

	// Step 2: assign id.
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return model.Environment{}, apierr.Wrap(apierr.InternalError, err, "generate instance id")
	}
	env.Instance.ID = id

	// Step 3: resolve template.
	templateName := env.Instance.Template
	if templateName == "" {
		templateName = env.DefaultTemplateName()
	}
	tmpl, err := s.Templates.Get(templateName)
	if err != nil {
		return model.Environment{}, err
	}

	log.Info().Str("instance_id", id).Str("template", templateName).Msg("instance: resolved template")

	// Step 4: reserve ports.
	needed := templatePortCount(tmpl)
	var ports []int
	if needed > 0 {
		ports, err = s.Ports.Reserve(ctx, needed)
		if err != nil {
			return model.Environment{}, err
		}
		if len(ports) < needed {
			s.releaseAll(ctx, ports)
			return model.Environment{}, apierr.New(apierr.ResourceExhausted, "need %d ports, only %d available", needed, len(ports))
		}
	}
	log.Info().Str("instance_id", id).Ints("ports", ports).Msg("instance: reserved ports")

	// Step 5: render spec.
	spec, err := s.Templates.Render(templateName, template.RenderContext{Environment: env, Ports: ports})
	if err != nil {
		s.releaseAll(ctx, ports)
		return model.Environment{}, err
	}
	spec.ID = id

	// Step 6: create.
	created, err := s.Driver.Create(ctx, spec)
	if err != nil {
		s.releaseAll(ctx, ports)
		if delErr := s.Driver.Delete(ctx, id); delErr != nil {
			log.Warn().Err(delErr).Str("instance_id", id).Msg("instance: cleanup of partially created instance failed")
		}
		return model.Environment{}, err
	}
	log.Info().Str("instance_id", id).Str("location", created.Location).Msg("instance: created")

	// Step 7: rewrite proxy listen addresses.
	if err := s.rewriteDevices(ctx, &created); err != nil {
		// The instance stays in place with a log entry; rewriting devices
		// is best-effort and not worth tearing down an otherwise-good
		// instance over.
		log.Warn().Err(err).Str("instance_id", id).Msg("instance: device rewrite failed, instance left in place")
	}

	// Step 8: post-commands.
	s.runPostCommands(ctx, id, tmpl, env, ports)

	// Step 9: release pending.
	for _, p := range ports {
		if err := s.Ports.ReleasePending(ctx, p); err != nil {
			log.Warn().Err(err).Int("port", p).Msg("instance: release pending port failed")
		}
	}

	// Step 10: return.
	env.Instance = created
	env.Instance.Status = ""
	if name, ok := s.Nodes.Name(created.Location); ok {
		env.Instance.Location = name
	}

	return env, nil
}

func (s *Service) rewriteDevices(ctx context.Context, inst *model.Instance) error {
	addr, ok := s.Nodes.Address(inst.Location)
	if !ok {
		return apierr.New(apierr.InternalError, "no address configured for location %q", inst.Location)
	}

	rewritten := make(map[string]model.Device, len(inst.Devices))
	for name, dev := range inst.Devices {
		if dev.IsTCPProxy() {
			dev = dev.RewriteHost(addr)
			if err := s.Driver.UpdateDevice(ctx, inst.ID, name, dev); err != nil {
				return err
			}
		}
		rewritten[name] = dev
	}
	if err := s.Driver.Save(ctx, inst.ID); err != nil {
		return err
	}
	inst.Devices = rewritten
	return nil
}

func (s *Service) runPostCommands(ctx context.Context, id string, tmpl template.Template, env model.Environment, ports []int) {
	for _, argv := range tmpl.Commands() {
		rendered, err := s.Templates.RenderList(argv, template.RenderContext{Environment: env, Ports: ports})
		if err != nil {
			log.Warn().Err(err).Str("instance_id", id).Strs("argv", argv).Msg("instance: post-command render failed")
			continue
		}
		result, err := s.Driver.Execute(ctx, id, rendered)
		if err != nil {
			log.Warn().Err(err).Str("instance_id", id).Strs("argv", rendered).Msg("instance: post-command execute failed")
			continue
		}
		if result.ExitCode != 0 {
			// Logged, not fatal.
			log.Warn().Str("instance_id", id).Strs("argv", rendered).Int("exit_code", result.ExitCode).Str("stderr", result.Stderr).Msg("instance: post-command exited non-zero")
		}
	}
}

func (s *Service) releaseAll(ctx context.Context, ports []int) {
	for _, p := range ports {
		if err := s.Ports.ReleasePending(ctx, p); err != nil {
			log.Warn().Err(err).Int("port", p).Msg("instance: compensating release failed")
		}
	}
}

// Operate runs the operate pipeline: authorize, whitelist-check, dispatch,
// status record.
func (s *Service) Operate(ctx context.Context, msg model.OperationMessage, user string) (model.StatusRecord, error) {
	allowed, err := s.Permission(ctx, string(msg.Operation), msg.Instance, user)
	if err != nil {
		return model.StatusRecord{}, err
	}
	if !allowed {
		return model.StatusRecord{}, apierr.New(apierr.PermissionDenied, "user %q may not perform %q on %q", user, msg.Operation, msg.Instance)
	}

	switch msg.Operation {
	case model.OpRestart, model.OpStatus:
	default:
		return model.StatusRecord{}, apierr.New(apierr.InvalidOperation, "unsupported operation %q", msg.Operation)
	}

	inst, err := s.Driver.Get(ctx, msg.Instance)
	if err != nil {
		return model.StatusRecord{}, err
	}

	if msg.Operation == model.OpRestart {
		if err := s.Driver.Restart(ctx, msg.Instance); err != nil {
			return model.StatusRecord{}, err
		}
	}

	status, err := s.Driver.Status(ctx, msg.Instance)
	if err != nil {
		return model.StatusRecord{}, err
	}

	return model.StatusRecord{
		ID:     inst.Config[model.ConfigLXInstanceID],
		Type:   "instance_status",
		Name:   inst.Name,
		Status: status,
		Environment: model.StatusRecordEnvironment{
			ID: inst.Config[model.ConfigLXEnvID],
		},
	}, nil
}

func templatePortCount(t template.Template) int {
	tmplField, _ := t.Doc["template"].(map[string]any)
	raw, ok := tmplField["ports"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
