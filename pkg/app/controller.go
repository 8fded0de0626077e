package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/analysis"
	"warroom-agent/pkg/coach"
	"warroom-agent/pkg/config"
	"warroom-agent/pkg/errors"
	"warroom-agent/pkg/messaging"
	"warroom-agent/pkg/metrics"
	"warroom-agent/pkg/peer"
	"warroom-agent/pkg/telemetry"
	"warroom-agent/pkg/warroom"
)

// Controller wires the full agent together: telemetry channel, peer
// connection, war room mirror, battle coordinator, coaching router and
// the optional analytics publisher. One controller is one agent session.
type Controller struct {
	logger *logrus.Logger
	config *config.Config

	sessionID string

	channel     *telemetry.Channel
	manager     *peer.ConnectionManager
	registry    *warroom.Registry
	coordinator *warroom.Coordinator
	router      *coach.Router
	publisher   *messaging.Publisher

	httpServer *http.Server

	mutex    sync.Mutex
	started  bool
	stopOnce sync.Once
}

// NewController builds the component graph from configuration. Nothing
// connects until Start.
func NewController(cfg *config.Config, logger *logrus.Logger) *Controller {
	sessionID := uuid.New().String()

	channel := telemetry.NewChannel(telemetry.Config{
		URL:                  cfg.Channel.URL,
		BearerToken:          cfg.Identity.BearerToken,
		Backoff:              telemetry.NewFixedBackoff(cfg.Channel.ReconnectInterval),
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		WriteTimeout:         cfg.Channel.WriteTimeout,
		PingInterval:         cfg.Channel.PingInterval,
		SendBufferSize:       cfg.Channel.SendBufferSize,
	}, logger)

	registry := warroom.NewRegistry(channel, warroom.RegistryConfig{
		RemovalGrace: cfg.Registry.EndedGracePeriod,
		SpectatorCap: cfg.Registry.MaxSpectatorsPerCall,
	}, logger)

	coordinator := warroom.NewCoordinator(channel, registry, warroom.CoordinatorConfig{
		PurgeGrace: cfg.Registry.BattleGracePeriod,
	}, logger)

	router := coach.NewRouter(channel, logger)

	publisher := messaging.NewPublisher(logger, messaging.PublisherConfig{
		URL:          cfg.Messaging.AMQPUrl,
		ExchangeName: cfg.Messaging.Exchange,
		RoutingKey:   cfg.Messaging.RoutingKey,
		PublishEvery: cfg.Messaging.SampleEveryN,
	})

	c := &Controller{
		logger:      logger,
		config:      cfg,
		sessionID:   sessionID,
		channel:     channel,
		registry:    registry,
		coordinator: coordinator,
		router:      router,
		publisher:   publisher,
	}

	c.manager = peer.NewConnectionManager(channel, peer.Config{
		SessionID:        sessionID,
		UserID:           cfg.Identity.UserID,
		Role:             cfg.Identity.Role,
		OnStateChanged:   c.handleConnectionState,
		OnVoiceAnalysis:  c.handleVoiceAnalysis,
		STUNServers:      cfg.Peer.STUNServers,
		MediaPortMin:     cfg.Peer.MediaPortMin,
		MediaPortMax:     cfg.Peer.MediaPortMax,
		TickInterval:     cfg.Analysis.TickInterval,
		SampleRate:       cfg.Analysis.SampleRate,
		FFTSize:          cfg.Analysis.FFTSize,
		HandshakeTimeout: cfg.Peer.HandshakeTimeout,
		Backoff:          telemetry.NewFixedBackoff(cfg.Peer.ReconnectInterval),
	}, logger)

	return c
}

// SessionID returns the identifier this agent session reports under
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Registry exposes the war room mirror for UI layers
func (c *Controller) Registry() *warroom.Registry {
	return c.registry
}

// Coordinator exposes the battle coordinator for UI layers
func (c *Controller) Coordinator() *warroom.Coordinator {
	return c.coordinator
}

// Coach exposes the coaching message router for UI layers
func (c *Controller) Coach() *coach.Router {
	return c.router
}

// Start opens the telemetry channel and the analytics publisher and, when
// configured, the local metrics endpoint. The peer connection is started
// separately via StartCall.
func (c *Controller) Start(ctx context.Context) error {
	c.mutex.Lock()
	if c.started {
		c.mutex.Unlock()
		return errors.ErrAlreadyConnected
	}
	c.started = true
	c.mutex.Unlock()

	if err := c.channel.Connect(ctx); err != nil {
		return errors.Wrap(err, "failed to open telemetry channel")
	}

	if c.publisher.Enabled() {
		if err := c.publisher.Connect(); err != nil {
			// Analytics are best-effort; the session runs without them
			c.logger.WithError(err).Warn("Analytics publisher unavailable")
		}
	}

	if c.config.HTTP.Enabled {
		c.startMetricsEndpoint()
	}

	c.logger.WithField("session_id", c.sessionID).Info("Agent session started")
	return nil
}

// StartCall brings up the peer media connection and the analysis pipeline
func (c *Controller) StartCall(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// EndCall tears down the peer media connection
func (c *Controller) EndCall() {
	c.manager.Disconnect()
}

// SetMuted toggles outbound audio transmission
func (c *Controller) SetMuted(muted bool) {
	c.manager.SetMuted(muted)
}

func (c *Controller) handleConnectionState(connected bool) {
	c.logger.WithField("connected", connected).Info("Peer connection state changed")
}

func (c *Controller) handleVoiceAnalysis(report analysis.Report) {
	if err := c.publisher.PublishReport(c.sessionID, report); err != nil {
		c.logger.WithError(err).Debug("Analytics publish failed")
	}
}

func (c *Controller) startMetricsEndpoint() {
	mux := http.NewServeMux()
	mux.Handle(c.config.HTTP.MetricsPath, metrics.Handler())

	c.httpServer = &http.Server{
		Addr:         c.config.HTTP.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		c.logger.WithField("addr", c.config.HTTP.ListenAddr).Info("Metrics endpoint listening")
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.WithError(err).Error("Metrics endpoint failed")
		}
	}()
}

// Shutdown stops every component in dependency order; idempotent
func (c *Controller) Shutdown(ctx context.Context) {
	c.stopOnce.Do(func() {
		c.logger.Info("Shutting down agent session")

		c.manager.Disconnect()
		c.router.Close()
		c.coordinator.Close()
		c.registry.Close()
		c.channel.Close()
		c.publisher.Disconnect()

		if c.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := c.httpServer.Shutdown(shutdownCtx); err != nil {
				c.logger.WithError(err).Warn("Metrics endpoint shutdown failed")
			}
		}

		c.logger.Info("Agent session stopped")
	})
}
