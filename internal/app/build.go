package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/config"
	"github.com/ent0n29/glasslive/internal/history"
	"github.com/ent0n29/glasslive/internal/httpapi"
	"github.com/ent0n29/glasslive/internal/observability"
	"github.com/ent0n29/glasslive/internal/provider"
	"github.com/ent0n29/glasslive/internal/realtime"
	"github.com/ent0n29/glasslive/internal/session"
	"github.com/ent0n29/glasslive/internal/vision"
	"github.com/ent0n29/glasslive/internal/wire"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Builder  *Builder
	Metrics  *observability.Metrics
	History  history.Store

	// Cleanup should be called on shutdown to release external resources (DB, sessions).
	Cleanup func() error
}

// Build wires the daemon. reg may be nil for a private registry.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.Server.MetricsNamespace, reg)

	store, err := history.NewStore(ctx, cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	builder := NewBuilder(cfg, metrics, logger)

	sessions := session.NewManager(session.Options{
		Builder:           builder,
		History:           store,
		InactivityTimeout: cfg.Server.SessionIdleTimeout,
		RedactHistory:     cfg.History.RedactPII,
		Logger:            logger,
	})
	sessions.SetExpireHook(func(info session.Info) {
		metrics.SessionEvent("expired")
		logger.Info("session expired", zap.String("session_id", info.SessionID))
	})

	var quick httpapi.Recognizer
	if analyzer, err := builder.DefaultVision(); err != nil {
		logger.Warn("quick vision disabled", zap.Error(err))
	} else {
		quick = vision.NewQuickRecognizer(analyzer, logger)
	}

	api := httpapi.New(cfg, sessions, quick, metrics, logger)

	cleanup := func() error {
		sessions.Close()
		var errs []string
		if store != nil {
			if err := store.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Builder:  builder,
		Metrics:  metrics,
		History:  store,
		Cleanup:  cleanup,
	}, nil
}

// Builder turns configuration and per-session overrides into realtime
// sessions. It implements session.Builder.
type Builder struct {
	cfg     config.Config
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewBuilder(cfg config.Config, metrics *observability.Metrics, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{cfg: cfg, metrics: metrics, logger: logger}
}

// Resolve applies req on top of the configured provider. Endpoint overrides
// from configuration are dropped when req selects a different provider.
func (b *Builder) Resolve(req session.CreateRequest) (provider.Resolved, error) {
	settings := b.cfg.ProviderSettings()
	if p := strings.TrimSpace(req.Provider); p != "" && !strings.EqualFold(p, string(settings.Provider)) {
		settings.Provider = provider.ID(strings.ToLower(p))
		settings.Custom = provider.Endpoints{}
		settings.Protocol = ""
	}
	if r := strings.TrimSpace(req.Region); r != "" {
		settings.Region = provider.Region(r)
	}
	if l := strings.TrimSpace(req.Language); l != "" {
		settings.Language = l
	}
	if p := strings.TrimSpace(req.Protocol); p != "" {
		settings.Protocol = wire.Protocol(p)
	}
	return provider.Resolve(settings)
}

// NewSession builds an idle session for resolved. Providers without image
// support get the REST vision fallback when it can be configured.
func (b *Builder) NewSession(resolved provider.Resolved, handler realtime.Handler, capture audio.Source, sink audio.Sink, logger *zap.Logger) (*realtime.Session, error) {
	if logger == nil {
		logger = b.logger
	}
	codec, err := wire.ForProtocol(resolved.Protocol)
	if err != nil {
		return nil, err
	}

	sc := resolved.SessionConfig()
	sc.TurnDetection = b.cfg.TurnDetection()

	var analyzer vision.Analyzer
	if !codec.SupportsImages() {
		client, err := b.VisionClient(resolved)
		if err != nil {
			logger.Warn("vision fallback unavailable", zap.Error(err))
		} else {
			analyzer = client
		}
	}

	rt := b.cfg.Realtime
	return realtime.New(realtime.Options{
		Codec:         codec,
		Endpoints:     resolved.Endpoints,
		APIKey:        resolved.APIKey,
		SessionConfig: sc,
		Vision:        analyzer,
		VisionPrompt:  b.VisionPrompt(resolved.Language),
		Capture:       capture,
		Sink:          sink,
		Handler:       handler,
		Logger:        logger,
		Metrics:       b.metrics,
		IdleTimeout:   rt.IdleTimeout,
		FrameInterval: rt.FrameInterval,
		DrainTimeout:  rt.DrainTimeout,
	})
}

// DefaultVision builds the REST vision client for the configured provider.
func (b *Builder) DefaultVision() (*vision.Client, error) {
	resolved, err := b.Resolve(session.CreateRequest{})
	if err != nil {
		return nil, err
	}
	return b.VisionClient(resolved)
}

func (b *Builder) VisionClient(resolved provider.Resolved) (*vision.Client, error) {
	if strings.TrimSpace(resolved.Endpoints.RESTBaseURL) == "" || strings.TrimSpace(resolved.Endpoints.VisionModel) == "" {
		return nil, errors.New("vision endpoint not configured")
	}
	return vision.New(vision.Config{
		BaseURL:   resolved.Endpoints.RESTBaseURL,
		APIKey:    resolved.APIKey,
		Model:     resolved.Endpoints.VisionModel,
		Timeout:   b.cfg.Vision.Timeout,
		MaxTokens: b.cfg.Vision.MaxTokens,
		Retries:   b.cfg.Vision.Retries,
		Logger:    b.logger,
		Metrics:   b.metrics,
	})
}

// VisionPrompt is the configured prompt or the localized default.
func (b *Builder) VisionPrompt(lang string) string {
	if p := strings.TrimSpace(b.cfg.Vision.Prompt); p != "" {
		return p
	}
	return provider.QuickVisionPrompt(lang)
}
