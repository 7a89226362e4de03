package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextcloud/app-api-sub001/pkg/deploy"
	"github.com/nextcloud/app-api-sub001/pkg/events"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// RegisterDaemon validates and records a daemon. The HaRP shared key is
// encrypted before it is stored.
func (m *Manager) RegisterDaemon(ctx context.Context, daemon *types.DaemonConfig) (*types.DaemonConfig, error) {
	if err := types.Validate(daemon); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := m.registry.ForDaemon(daemon); err != nil {
		return nil, policyErrorf("", err, "daemon %s cannot be registered", daemon.Name)
	}
	if daemon.IsHarp() && daemon.DeployConfig.HaproxyPassword == "" {
		return nil, fmt.Errorf("%w: HaRP daemon %s needs a shared key", ErrInvalidRequest, daemon.Name)
	}

	stored := *daemon
	if stored.DeployConfig.HaproxyPassword != "" {
		if m.settings.Secrets == nil {
			return nil, fmt.Errorf("cannot store the shared key of daemon %s without a secret key", daemon.Name)
		}
		encrypted, err := m.settings.Secrets.EncryptString(stored.DeployConfig.HaproxyPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt shared key of daemon %s: %w", daemon.Name, err)
		}
		stored.DeployConfig.HaproxyPassword = encrypted
	}
	if stored.DisplayName == "" {
		stored.DisplayName = stored.Name
	}
	stored.CreatedAt = time.Now()

	if err := m.store.CreateDaemonConfig(&stored); err != nil {
		return nil, err
	}

	m.events.Publish(&events.Event{
		Type:     events.EventDaemonRegistered,
		Daemon:   stored.Name,
		Metadata: map[string]string{"kind": string(stored.AcceptsDeployID)},
	})
	m.logger.Info().Str("daemon", stored.Name).Str("kind", string(stored.AcceptsDeployID)).Msg("Daemon registered")
	return &stored, nil
}

// UnregisterDaemon removes every ExApp deployed on the daemon, in parallel,
// and then the daemon itself. The daemon stays registered if any removal
// fails.
func (m *Manager) UnregisterDaemon(ctx context.Context, name string) error {
	if _, err := m.store.GetDaemonConfig(name); err != nil {
		return err
	}
	apps, err := m.store.ListExAppsByDaemon(name)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, app := range apps {
		appID := app.AppID
		g.Go(func() error {
			return m.Remove(gctx, appID, RemoveOptions{RemoveData: true})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to remove ExApps of daemon %s: %w", name, err)
	}

	if err := m.store.DeleteDaemonConfig(name); err != nil {
		return fmt.Errorf("failed to unregister daemon %s: %w", name, err)
	}
	m.events.Publish(&events.Event{Type: events.EventDaemonUnregistered, Daemon: name})
	m.logger.Info().Str("daemon", name).Int("exapps_removed", len(apps)).Msg("Daemon unregistered")
	return nil
}

// GetDaemon returns a registered daemon
func (m *Manager) GetDaemon(name string) (*types.DaemonConfig, error) {
	return m.store.GetDaemonConfig(name)
}

// ListDaemons returns every registered daemon
func (m *Manager) ListDaemons() ([]*types.DaemonConfig, error) {
	return m.store.ListDaemonConfigs()
}

// AddRegistryMapping adds or replaces the image registry rewrite for mapping.From
func (m *Manager) AddRegistryMapping(name string, mapping types.RegistryMapping) (*types.DaemonConfig, error) {
	if err := types.Validate(&mapping); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return m.updateDaemon(name, func(d *types.DaemonConfig) error {
		for i, existing := range d.DeployConfig.Registries {
			if existing.From == mapping.From {
				d.DeployConfig.Registries[i] = mapping
				return nil
			}
		}
		d.DeployConfig.Registries = append(d.DeployConfig.Registries, mapping)
		return nil
	})
}

// RemoveRegistryMapping drops the rewrite for a source registry
func (m *Manager) RemoveRegistryMapping(name, from string) (*types.DaemonConfig, error) {
	return m.updateDaemon(name, func(d *types.DaemonConfig) error {
		kept := d.DeployConfig.Registries[:0]
		found := false
		for _, existing := range d.DeployConfig.Registries {
			if existing.From == from {
				found = true
				continue
			}
			kept = append(kept, existing)
		}
		if !found {
			return fmt.Errorf("registry mapping %s on daemon %s: %w", from, name, storage.ErrNotFound)
		}
		d.DeployConfig.Registries = kept
		return nil
	})
}

func (m *Manager) updateDaemon(name string, fn func(d *types.DaemonConfig) error) (*types.DaemonConfig, error) {
	daemon, err := m.store.GetDaemonConfig(name)
	if err != nil {
		return nil, err
	}
	if err := fn(daemon); err != nil {
		return nil, err
	}
	if err := m.store.UpdateDaemonConfig(daemon); err != nil {
		return nil, err
	}
	return daemon, nil
}

// EnsureAIODaemons registers the All-In-One daemons described by the
// environment when this host runs inside Nextcloud AIO. Existing daemons
// are left alone.
func (m *Manager) EnsureAIODaemons(ctx context.Context, flag bool, lookupEnv func(string) (string, bool)) error {
	if !deploy.DetectAIO(flag, lookupEnv) {
		return nil
	}
	for _, daemon := range deploy.AIODaemons(lookupEnv) {
		if _, err := m.store.GetDaemonConfig(daemon.Name); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if _, err := m.RegisterDaemon(ctx, daemon); err != nil {
			return fmt.Errorf("failed to register AIO daemon %s: %w", daemon.Name, err)
		}
	}
	return nil
}
