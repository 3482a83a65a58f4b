// Package kafka produces device values and health to Kafka clusters and
// consumes write requests from a write topic.
package kafka

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"filedaq/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Defaults for unset cluster settings.
const (
	DefaultWriteMaxAge  = 2 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 100 * time.Millisecond
)

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism builds the configured mechanism, or nil when no username
// is set.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}

	switch SASLMechanism(strings.ToUpper(cfg.SASLMechanism)) {
	case SASLNone:
		return nil, nil
	case SASLPlain:
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	}
	return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
}

func consumerGroup(cfg *config.KafkaConfig) string {
	if cfg.ConsumerGroup != "" {
		return cfg.ConsumerGroup
	}
	return "filedaq-" + cfg.Name + "-writers"
}

func writeMaxAge(cfg *config.KafkaConfig) time.Duration {
	if cfg.WriteMaxAge > 0 {
		return cfg.WriteMaxAge
	}
	return DefaultWriteMaxAge
}

func autoCreateTopics(cfg *config.KafkaConfig) bool {
	return cfg.AutoCreateTopics == nil || *cfg.AutoCreateTopics
}

func maxRetries(cfg *config.KafkaConfig) int {
	if cfg.MaxRetries > 0 {
		return cfg.MaxRetries
	}
	return DefaultMaxRetries
}

func retryBackoff(cfg *config.KafkaConfig) time.Duration {
	if cfg.RetryBackoff > 0 {
		return cfg.RetryBackoff
	}
	return DefaultRetryBackoff
}
