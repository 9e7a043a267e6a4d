package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"voiceform/internal/bootstrap"
	"voiceform/internal/config"
	"voiceform/internal/domain"
	"voiceform/internal/usecase"
)

// App is the process root: it owns the service graph and runs the session
// loop next to the control API.
type App struct {
	cfg      config.Config
	log      zerolog.Logger
	services bootstrap.Services
	bootErr  error
	ready    bool
}

func NewApp(cfg config.Config, logger zerolog.Logger) *App {
	return &App{cfg: cfg, log: logger}
}

func (a *App) startup(ctx context.Context) error {
	services, err := bootstrap.Build(ctx, a.cfg, a.log)
	if err != nil {
		a.bootErr = err
		a.log.Error().Err(err).Str("code", string(domain.ErrorCodeStartup)).Msg("startup failed")
		return err
	}
	a.services = services
	a.ready = true
	return nil
}

// Run blocks until ctx is cancelled or a component fails. The socket and
// microphone are released by the session loop on the way out.
func (a *App) Run(ctx context.Context) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	defer a.services.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.services.Session.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return a.services.Server.Run(gctx)
	})
	if a.cfg.Session.AutoConnect {
		g.Go(func() error {
			if err := a.services.Session.Connect(gctx); err != nil && !isShutdown(err) {
				a.log.Warn().Err(err).Msg("initial connect failed")
			}
			return nil
		})
	}

	a.log.Info().
		Str("service", a.cfg.Service.URL).
		Str("http", a.cfg.HTTP.Addr).
		Str("audio", a.cfg.Audio.Backend).
		Strs("exporters", a.services.Exporters.Names()).
		Msg("voiceform running")

	return g.Wait()
}

// RuntimeInfo returns non-sensitive config for display.
func (a *App) RuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	storage := "memory"
	if a.cfg.Storage.DatabaseURL != "" {
		storage = "postgres"
	}
	return map[string]string{
		"service":          a.cfg.Service.URL,
		"audioBackend":     a.cfg.Audio.Backend,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
		"templateStorage":  storage,
		"exportDir":        a.cfg.Export.Dir,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if !a.ready {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, usecase.ErrSessionClosed)
}
