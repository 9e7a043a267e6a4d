package bootstrap

import (
	"context"

	"github.com/rs/zerolog"

	"voiceform/internal/api"
	"voiceform/internal/audio"
	"voiceform/internal/capture"
	"voiceform/internal/config"
	"voiceform/internal/connection"
	"voiceform/internal/export"
	"voiceform/internal/identity"
	"voiceform/internal/ports"
	"voiceform/internal/providers/extraction"
	"voiceform/internal/templates"
	"voiceform/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Session   *usecase.Session
	Server    *api.Server
	Events    *api.EventSink
	Templates ports.TemplateStore
	Exporters *export.Registry
	Config    config.Config

	closers []func()
}

// Close releases the store and broker connections. The session is closed
// separately because it owns the socket and the microphone.
func (s Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Build wires all backend dependencies for the current runtime.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (services Services, err error) {
	services.Config = cfg
	defer func() {
		if err != nil {
			services.Close()
			services = Services{}
		}
	}()

	device, err := audio.New(cfg.Audio.Backend, cfg.Audio.RecorderCommand)
	if err != nil {
		return services, err
	}

	if cfg.Storage.DatabaseURL != "" {
		store, err := templates.NewPostgresStore(ctx, cfg.Storage.DatabaseURL, logger)
		if err != nil {
			return services, err
		}
		services.Templates = store
		services.closers = append(services.closers, store.Close)
	} else {
		services.Templates = templates.NewMemoryStore()
	}

	exporters := []ports.Exporter{
		export.NewFileExporter(cfg.Export.Dir),
		export.NewClipboardExporter(),
	}
	if cfg.Export.NATSURL != "" {
		natsExporter, err := export.NewNATSExporter(cfg.Export.NATSURL, cfg.Export.NATSSubject, logger)
		if err != nil {
			return services, err
		}
		exporters = append(exporters, natsExporter)
		services.closers = append(services.closers, natsExporter.Close)
	}
	services.Exporters = export.NewRegistry(exporters...)

	conn := connection.NewManager(
		extraction.NewDialer(extraction.Config{}),
		connection.Config{
			Endpoint:       cfg.Service.URL,
			ConnectTimeout: cfg.Service.ConnectTimeout,
		},
		logger,
	)

	recorder := capture.NewController(device, capture.Config{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		ChunkInterval: cfg.Audio.ChunkInterval,
	}, logger)

	services.Events = api.NewEventSink(logger)
	services.Session = usecase.NewSession(
		conn,
		recorder,
		services.Events,
		identity.NewProvider(cfg.Identity.Name, cfg.Identity.Email),
		usecase.Config{
			InitialTemplate: cfg.Session.Template,
			FinalizeTimeout: cfg.Session.FinalizeTimeout,
		},
		logger,
	)

	services.Server = api.NewServer(
		services.Session,
		services.Events,
		services.Templates,
		services.Exporters,
		cfg.HTTP.Addr,
		logger,
	)
	return services, nil
}
