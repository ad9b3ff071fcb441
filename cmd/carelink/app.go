package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	goble "github.com/cautelapp/carelink/internal/device/go-ble"
	"github.com/cautelapp/carelink/internal/events"
	"github.com/cautelapp/carelink/internal/pending"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/cautelapp/carelink/internal/provisioning"
	"github.com/cautelapp/carelink/internal/registry"
	"github.com/cautelapp/carelink/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newTransport creates the BLE transport (can be overridden in tests)
var newTransport = func(logger *logrus.Logger, opts goble.Options) device.Transport {
	return goble.NewTransport(logger, &opts)
}

// app is what every command builds from flags, config file and environment.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	tokens backend.TokenSource
	client *backend.Client
	store  pending.Store
	known  *pending.PeripheralIndex

	transport device.Transport
}

func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("api-url"); v != "" {
		cfg.APIURL = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Token = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	tokens := backend.StaticToken(cfg.Token)
	client, err := backend.NewClient(cfg.Backend(), tokens, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		tokens: tokens,
		client: client,
		store:  pending.NewFileStore(cfg.StateDir, logger),
		known:  pending.NewPeripheralIndex(cfg.StateDir, logger),
	}, nil
}

func (a *app) requireToken() error {
	if a.cfg.Token == "" {
		return ErrNoToken
	}
	return nil
}

// userID returns override, or the id carried by the session token
func (a *app) userID(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if err := a.requireToken(); err != nil {
		return "", err
	}
	id, err := backend.UserIDFromToken(a.cfg.Token)
	if err != nil {
		return "", fmt.Errorf("%w; pass --user-id", err)
	}
	return id, nil
}

func (a *app) bleTransport() device.Transport {
	if a.transport == nil {
		a.transport = newTransport(a.logger, a.cfg.Transport())
	}
	return a.transport
}

func (a *app) connectionStream() *events.Stream {
	return events.NewStream(a.cfg.Events(), a.tokens, a.logger)
}

func (a *app) notificationStream() *events.Stream {
	return events.NewNotificationStream(a.cfg.Events(), a.tokens, a.logger)
}

func (a *app) registry(userID string) *registry.Registry {
	return registry.New(a.client, a.store, userID, a.logger).WithIndex(a.known)
}

// machine wires a provisioning machine; stream and reg may be nil
func (a *app) machine(stream *events.Stream, capturer profile.Capturer, reg *registry.Registry) (*provisioning.Machine, error) {
	deps := provisioning.Deps{
		Transport: a.bleTransport(),
		Backend:   a.client,
		Capturer:  capturer,
		Pending:   a.store,
		Logger:    a.logger,
	}
	// typed nils must not leak into the interfaces
	if stream != nil {
		deps.Events = stream
	}
	if reg != nil {
		deps.Registry = reg
	}
	return provisioning.New(a.cfg.Provisioning(), deps)
}

// signalContext is cancelled by Ctrl+C or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
