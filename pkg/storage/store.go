package storage

import (
	"errors"

	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// ErrNotFound is returned (wrapped) by every lookup that misses
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned (wrapped) when a create hits an existing key
var ErrAlreadyExists = errors.New("already exists")

// Store defines the interface for AppAPI bookkeeping
// This is implemented by BoltDB-backed storage
type Store interface {
	// Daemon configs
	CreateDaemonConfig(daemon *types.DaemonConfig) error
	GetDaemonConfig(name string) (*types.DaemonConfig, error)
	ListDaemonConfigs() ([]*types.DaemonConfig, error)
	UpdateDaemonConfig(daemon *types.DaemonConfig) error
	DeleteDaemonConfig(name string) error

	// ExApps
	CreateExApp(app *types.ExApp) error
	GetExApp(appID string) (*types.ExApp, error)
	ListExApps() ([]*types.ExApp, error)
	ListExAppsByDaemon(daemonName string) ([]*types.ExApp, error)
	UpdateExApp(app *types.ExApp) error
	// MutateExApp applies fn to the stored ExApp inside one write transaction
	MutateExApp(appID string, fn func(app *types.ExApp) error) (*types.ExApp, error)
	DeleteExApp(appID string) error

	// Scopes
	SetScopes(appID string, scopes []types.Scope) error
	ListScopes(appID string) ([]types.Scope, error)
	DeleteScopes(appID string) error

	// Utility
	Close() error
}
