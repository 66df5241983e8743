package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"mediary/internal/tlsutil"
	"mediary/pkg/types"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to a Kafka topic, keyed by client id so
// one device's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	logger zerolog.Logger
	now    func() time.Time
}

// NewKafkaSink builds an asynchronous writer. SSL material is read from the
// PKCS#12 truststore and keystore when security.protocol is SSL.
func NewKafkaSink(cfg types.KafkaConfig, logger zerolog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("audit Kafka topic is required")
	}
	logger = logger.With().Str("component", "KafkaAudit").Logger()

	writerConfig := kafka.WriterConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error().Msgf(msg, args...)
		}),
	}

	if strings.ToUpper(cfg.Security.Protocol) == "SSL" {
		tlsConfig, err := tlsutil.ClientConfig(tlsutil.ClientOptions{
			TruststoreFile:     cfg.Security.SSL.Truststore.Location,
			TruststorePassword: cfg.Security.SSL.Truststore.Password,
			KeystoreFile:       cfg.Security.SSL.Keystore.Location,
			KeystorePassword:   cfg.Security.SSL.Keystore.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		writerConfig.Dialer = &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
			TLS:       tlsConfig,
		}
	}

	logger.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("Kafka audit producer initialized")
	return &KafkaSink{writer: kafka.NewWriter(writerConfig), logger: logger, now: time.Now}, nil
}

func (s *KafkaSink) Record(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", ev.Kind).Msg("Failed to marshal audit event")
		return
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.ClientID), Value: value}); err != nil {
		s.logger.Error().Err(err).Str("kind", ev.Kind).Msg("Failed to write audit event to Kafka")
	}
}

// Close flushes pending events.
func (s *KafkaSink) Close() error {
	s.logger.Info().Msg("Closing Kafka audit producer")
	return s.writer.Close()
}

// New selects the sink for cfg: nothing when disabled, Kafka when brokers are
// configured, the log otherwise.
func New(cfg types.AuditConfig, logger zerolog.Logger) (Sink, error) {
	switch {
	case !cfg.Enabled:
		return Nop{}, nil
	case len(cfg.Kafka.Brokers) > 0:
		return NewKafkaSink(cfg.Kafka, logger)
	default:
		return NewLogSink(logger), nil
	}
}
