package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"warroom-agent/pkg/analysis"
	"warroom-agent/pkg/metrics"
)

// AnalyticsMessage is the envelope published for downstream analytics
// consumers (dashboards, long-term scoring pipelines)
type AnalyticsMessage struct {
	Kind      string                 `json:"kind"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Report    *analysis.Report       `json:"report,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PublisherConfig holds analytics publisher configuration
type PublisherConfig struct {
	URL          string
	ExchangeName string
	RoutingKey   string
	// PublishEvery thins the snapshot stream: only every Nth analysis
	// report is published. Defaults to 10 (one per second at the 100ms
	// cadence).
	PublishEvery int
}

// Publisher ships analysis reports and battle outcomes to the analytics
// exchange. With no URL configured every call is a no-op, so the pipeline
// never depends on a broker being present.
type Publisher struct {
	logger *logrus.Logger
	config PublisherConfig

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	stopChan  chan struct{}

	reportCount uint64
}

// NewPublisher creates an analytics publisher; Connect must be called
// before publishing does anything
func NewPublisher(logger *logrus.Logger, config PublisherConfig) *Publisher {
	if config.ExchangeName == "" {
		config.ExchangeName = "warroom.analytics"
	}
	if config.RoutingKey == "" {
		config.RoutingKey = "voice.analysis"
	}
	if config.PublishEvery <= 0 {
		config.PublishEvery = 10
	}

	return &Publisher{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Enabled reports whether a broker URL is configured
func (p *Publisher) Enabled() bool {
	return p.config.URL != ""
}

// Connect establishes the broker connection and declares the exchange
func (p *Publisher) Connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if p.config.URL == "" {
		p.logger.Info("AMQP_URL not set, analytics publishing disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)

	go func() {
		conn, err := amqp.Dial(p.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	var err error
	select {
	case result := <-connChan:
		conn = result.conn
		err = result.err
	case <-ctx.Done():
		metrics.RecordAMQPPublish("connect_timeout")
		return fmt.Errorf("connection to AMQP server timed out after 5 seconds")
	}
	if err != nil {
		if metrics.AMQPConnectionErrors != nil {
			metrics.AMQPConnectionErrors.Inc()
		}
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		p.config.ExchangeName,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare analytics exchange: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.stopChan = make(chan struct{})

	p.logger.WithFields(logrus.Fields{
		"url":      p.config.URL,
		"exchange": p.config.ExchangeName,
	}).Info("Connected to analytics broker")

	go p.monitorConnection()
	return nil
}

// PublishReport ships one analysis report, subject to thinning. Returns
// nil without publishing when disabled or between thinning intervals.
func (p *Publisher) PublishReport(sessionID string, report analysis.Report) error {
	if !p.Enabled() {
		return nil
	}

	p.connMutex.Lock()
	p.reportCount++
	due := p.reportCount%uint64(p.config.PublishEvery) == 0
	p.connMutex.Unlock()
	if !due {
		return nil
	}

	return p.publish(AnalyticsMessage{
		Kind:      "voice.analysis",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Report:    &report,
	}, p.config.RoutingKey)
}

// PublishBattleOutcome ships one finished battle result
func (p *Publisher) PublishBattleOutcome(battleID, winnerID string, metadata map[string]interface{}) error {
	if !p.Enabled() {
		return nil
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["winner_id"] = winnerID

	return p.publish(AnalyticsMessage{
		Kind:      "battle.outcome",
		SessionID: battleID,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}, "battle.outcome")
}

func (p *Publisher) publish(message AnalyticsMessage, routingKey string) error {
	p.connMutex.RLock()
	connected := p.connected
	channel := p.channel
	p.connMutex.RUnlock()

	if !connected || channel == nil {
		metrics.RecordAMQPPublish("disconnected")
		return fmt.Errorf("not connected to AMQP server")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal analytics message: %w", err)
	}

	err = channel.Publish(
		p.config.ExchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			// Expire stale telemetry rather than letting queues build up
			Expiration: "3600000",
		},
	)
	if err != nil {
		metrics.RecordAMQPPublish("error")
		return fmt.Errorf("failed to publish analytics message: %w", err)
	}

	metrics.RecordAMQPPublish("ok")
	p.logger.WithFields(logrus.Fields{
		"kind":       message.Kind,
		"session_id": message.SessionID,
	}).Debug("Published analytics message")
	return nil
}

// monitorConnection watches for broker-side closes and reconnects with
// exponential backoff
func (p *Publisher) monitorConnection() {
	closeChan := make(chan *amqp.Error)

	p.connMutex.RLock()
	if p.conn != nil {
		p.conn.NotifyClose(closeChan)
	}
	stop := p.stopChan
	p.connMutex.RUnlock()

	select {
	case <-stop:
		return
	case closeErr := <-closeChan:
		if closeErr == nil {
			return
		}

		p.connMutex.Lock()
		p.connected = false
		p.connMutex.Unlock()
		if metrics.AMQPConnectionErrors != nil {
			metrics.AMQPConnectionErrors.Inc()
		}

		p.logger.WithError(closeErr).Warn("Analytics broker connection closed, reconnecting")

		backoff := time.Second
		for {
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}

			if err := p.Connect(); err == nil {
				p.logger.Info("Reconnected to analytics broker")
				return
			}
			p.logger.Warn("Analytics broker reconnect failed")

			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
}

// Disconnect closes the broker connection; safe when never connected
func (p *Publisher) Disconnect() {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return
	}

	close(p.stopChan)
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.connected = false
	p.logger.Info("Disconnected from analytics broker")
}
