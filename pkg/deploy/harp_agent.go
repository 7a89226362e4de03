package deploy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// harpAgent drives the ExApp lifecycle routes HaRP exposes for one backend:
// "docker/exapp" for Docker engines behind HaRP, "k8s/exapp" for Kubernetes
type harpAgent struct {
	*harpClient
	prefix string
	// noun names the managed object in error messages
	noun   string
	logger zerolog.Logger
}

func newHarpAgent(h *harpClient, prefix, noun string, logger zerolog.Logger) *harpAgent {
	return &harpAgent{harpClient: h, prefix: prefix, noun: noun, logger: logger}
}

func (a *harpAgent) route(action string) string {
	return a.prefix + "/" + action
}

func logName(name, role string) string {
	if role == "" {
		return name
	}
	return name + "/" + role
}

// exists reports whether HaRP knows the ExApp. The raw reply is returned so
// callers can read extra fields.
func (a *harpAgent) exists(ctx context.Context, name, role string) (bool, *harpReply, error) {
	reply, err := a.post(ctx, a.route("exists"), namePayload{Name: name, RoleSuffix: role}, 0)
	if err != nil {
		return false, nil, fmt.Errorf("failed to communicate with HaRP to check %s existence for ExApp %q: %w", a.noun, logName(name, role), err)
	}
	if reply.Status != http.StatusOK {
		a.logger.Error().Int("status", reply.Status).Str("body", reply.text()).Msg("exists check failed")
		return false, reply, fmt.Errorf("failed to check %s existence for ExApp %q (status %d). Details: %s", a.noun, logName(name, role), reply.Status, reply.text())
	}
	var data struct {
		Exists bool `json:"exists"`
	}
	if err := reply.decode(&data); err != nil {
		return false, reply, fmt.Errorf("%s/exists for ExApp %q: %w", a.prefix, logName(name, role), err)
	}
	return data.Exists, reply, nil
}

// remove deletes the ExApp if HaRP reports it as existing
func (a *harpAgent) remove(ctx context.Context, name, role string, removeData bool) error {
	exists, _, err := a.exists(ctx, name, role)
	if err != nil {
		return err
	}
	if !exists {
		a.logger.Info().Str("name", logName(name, role)).Msg("ExApp does not exist, no removal needed")
		return nil
	}

	payload := struct {
		namePayload
		RemoveData bool `json:"remove_data"`
	}{namePayload{Name: name, RoleSuffix: role}, removeData}

	reply, err := a.post(ctx, a.route("remove"), payload, 0)
	if err != nil {
		return fmt.Errorf("failed to communicate with HaRP to remove ExApp %q: %w", logName(name, role), err)
	}
	if reply.Status != http.StatusNoContent {
		a.logger.Error().Int("status", reply.Status).Str("body", reply.text()).Msg("remove failed")
		return fmt.Errorf("failed to remove %s ExApp %q (status %d). Details: %s", a.noun, logName(name, role), reply.Status, reply.text())
	}
	a.logger.Info().Str("name", logName(name, role)).Msg("ExApp removed")
	return nil
}

// create posts a create payload and expects 201 {name[, id]}
func (a *harpAgent) create(ctx context.Context, name, role string, payload interface{}) error {
	reply, err := a.post(ctx, a.route("create"), payload, 0)
	if err != nil {
		return fmt.Errorf("failed to communicate with HaRP agent for %s creation: %w", a.noun, err)
	}
	if reply.Status != http.StatusCreated {
		a.logger.Error().Int("status", reply.Status).Str("body", reply.text()).Msg("create failed")
		return fmt.Errorf("failed to create %s ExApp (status %d). Check HaRP logs. Details: %s", a.noun, reply.Status, reply.text())
	}
	var data struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	if err := reply.decode(&data); err != nil || data.Name == "" {
		return fmt.Errorf("invalid response from HaRP agent after %s creation: %s", a.noun, reply.text())
	}
	a.logger.Info().Str("name", logName(name, role)).Str("created", data.Name).Str("id", data.ID).Msg("ExApp created")
	return nil
}

// toggle calls start or stop. 204 means done, 200 means it already was.
func (a *harpAgent) toggle(ctx context.Context, action, name, role string, ignoreIfAlready bool) error {
	reply, err := a.post(ctx, a.route(action), namePayload{Name: name, RoleSuffix: role}, 0)
	if err != nil {
		return fmt.Errorf("failed to communicate with HaRP to %s ExApp %q: %w", action, logName(name, role), err)
	}
	switch reply.Status {
	case http.StatusNoContent:
		a.logger.Info().Str("name", logName(name, role)).Msgf("ExApp %s succeeded", action)
		return nil
	case http.StatusOK:
		if ignoreIfAlready {
			return nil
		}
		return fmt.Errorf("%s ExApp %q: %w", a.noun, logName(name, role), ErrAlreadyInState)
	default:
		a.logger.Error().Int("status", reply.Status).Str("body", reply.text()).Msgf("%s failed", action)
		return fmt.Errorf("failed to %s %s ExApp %q (status %d). Details: %s", action, a.noun, logName(name, role), reply.Status, reply.text())
	}
}

// installCertificates is best effort: failures are logged, never returned
func (a *harpAgent) installCertificates(ctx context.Context, name, role, bundlePath string, installFRP bool, timeout time.Duration) {
	payload := certsPayload{
		namePayload:       namePayload{Name: name, RoleSuffix: role},
		SystemCertsBundle: readCABundle(bundlePath, os.ReadFile),
		InstallFRPCerts:   installFRP,
	}
	if payload.SystemCertsBundle == nil && bundlePath != "" {
		a.logger.Warn().Str("path", bundlePath).Msg("system CA bundle not readable, system certs will not be installed")
	}

	reply, err := a.post(ctx, a.route("install_certificates"), payload, timeout)
	if err != nil {
		a.logger.Warn().Err(err).Msg("certificate installation failed")
		return
	}
	if reply.Status != http.StatusNoContent {
		a.logger.Warn().Int("status", reply.Status).Str("body", reply.text()).Msg("certificate installation returned unexpected status")
		return
	}
	a.logger.Info().Str("name", logName(name, role)).Msg("certificate installation completed")
}

// waitForStart long-polls HaRP. started:false is reported as ErrNotReady,
// transport failures as regular errors.
func (a *harpAgent) waitForStart(ctx context.Context, name, role string, timeout time.Duration) error {
	reply, err := a.post(ctx, a.route("wait_for_start"), namePayload{Name: name, RoleSuffix: role}, timeout)
	if err != nil {
		return fmt.Errorf("failed to wait for ExApp %q start: %w", logName(name, role), err)
	}
	if reply.Status != http.StatusOK {
		return fmt.Errorf("failed to wait for ExApp %q start (status %d). Details: %s", logName(name, role), reply.Status, reply.text())
	}
	var data waitForStartReply
	if err := reply.decode(&data); err != nil {
		return err
	}
	if !data.Started {
		a.logger.Warn().Str("status", data.Status).Str("health", data.Health).Str("reason", data.Reason).Msg("ExApp did not become ready")
		return fmt.Errorf("%s for ExApp %q %w (status: %s, reason: %s)", a.noun, logName(name, role), ErrNotReady, data.Status, data.Reason)
	}
	a.logger.Info().Str("name", logName(name, role)).Str("status", data.Status).Msg("ExApp is ready")
	return nil
}
