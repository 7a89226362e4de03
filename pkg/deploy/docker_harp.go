package deploy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// harpCreatePayload is the body of docker/exapp/create
type harpCreatePayload struct {
	namePayload
	ImageID              string        `json:"image_id"`
	NetworkMode          string        `json:"network_mode"`
	EnvironmentVariables []string      `json:"environment_variables"`
	RestartPolicy        string        `json:"restart_policy"`
	ComputeDevice        string        `json:"compute_device"`
	MountPoints          []types.Mount `json:"mount_points"`
	StartContainer       bool          `json:"start_container"`
}

func newHarpCreatePayload(params *types.DeployParams, imageRef string) harpCreatePayload {
	c := params.Container
	netMode := c.NetworkMode
	if netMode == "" {
		netMode = types.NetworkBridge
	}
	device := "cpu"
	if c.ComputeDevice != nil && c.ComputeDevice.ID != "" {
		device = c.ComputeDevice.ID
	}
	env := c.Env
	if env == nil {
		env = []string{}
	}
	mounts := c.Mounts
	if mounts == nil {
		mounts = []types.Mount{}
	}
	return harpCreatePayload{
		namePayload:          namePayload{Name: c.Name},
		ImageID:              imageRef,
		NetworkMode:          netMode,
		EnvironmentVariables: env,
		RestartPolicy:        "unless-stopped",
		ComputeDevice:        device,
		MountPoints:          mounts,
		StartContainer:       true,
	}
}

// deployHarp runs steps 95..100 through the HaRP agent once the image has
// been pulled through the engine passthrough
func (d *DockerDriver) deployHarp(ctx context.Context, daemon *types.DaemonConfig, params *types.DeployParams, imageRef string, progress ProgressFunc, logger zerolog.Logger) error {
	name := params.Container.Name
	h, err := newHarpClient(d.settings, daemon)
	if err != nil {
		return stageErr(StageCheckExists, 95, false, err)
	}
	agent := newHarpAgent(h, "docker/exapp", "container", logger)

	progress.report(95)
	exists, _, err := agent.exists(ctx, name, "")
	if err != nil {
		return stageErr(StageCheckExists, 95, false, err)
	}
	mutated := false
	if exists {
		if err := agent.remove(ctx, name, "", false); err != nil {
			return stageErr(StageRemove, 95, false, err)
		}
		mutated = true
	}

	progress.report(96)
	if err := agent.create(ctx, name, "", newHarpCreatePayload(params, imageRef)); err != nil {
		return stageErr(StageCreate, 96, mutated, err)
	}

	progress.report(97)
	agent.installCertificates(ctx, name, "", d.settings.CABundlePath, !daemon.IsHarpDirectConnect(), d.settings.InstallCertsTimeout)

	progress.report(98)
	if err := agent.toggle(ctx, "start", name, "", true); err != nil {
		return stageErr(StageStart, 98, true, err)
	}

	progress.report(99)
	if err := agent.waitForStart(ctx, name, "", harpDockerWaitTimeout); err != nil {
		return stageErr(StageWaitReady, 99, true, err)
	}

	progress.report(100)
	logger.Info().Str("image", imageRef).Msg("ExApp container deployed through HaRP")
	return nil
}

// harpPing checks HaRP's info route
func harpPing(ctx context.Context, s Settings, daemon *types.DaemonConfig) error {
	h, err := newHarpClient(s, daemon)
	if err != nil {
		return err
	}
	reply, err := h.do(ctx, http.MethodGet, "info", nil, 0)
	if err != nil {
		return fmt.Errorf("HaRP of daemon %s did not answer: %w", daemon.Name, err)
	}
	if reply.Status != http.StatusOK {
		return fmt.Errorf("HaRP of daemon %s answered info with status %d", daemon.Name, reply.Status)
	}
	return nil
}
