package config

import (
	"os"
	"strings"
	"time"
)

// Server captures process-level configuration.
type Server struct {
	Addr          string
	DatabaseURL   string
	RedisURL      string
	KafkaBrokers  []string
	AuditTopic    string
	JWTSigningKey string
	// AdminToken guards repair routes. Empty means repairs are disabled.
	AdminToken string
}

// ShutdownGrace bounds graceful shutdown on SIGINT.
var ShutdownGrace = 10 * time.Second

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("TRUSTLEDGER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	topic := os.Getenv("TRUSTLEDGER_AUDIT_TOPIC")
	if topic == "" {
		topic = "trustledger.governance.audit"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	var brokers []string
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		brokers = strings.Split(raw, ",")
	}

	return Server{
		Addr:          addr,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		KafkaBrokers:  brokers,
		AuditTopic:    topic,
		JWTSigningKey: jwtSigningKey,
		AdminToken:    os.Getenv("TRUSTLEDGER_ADMIN_TOKEN"),
	}
}
