package main

import (
	"strings"
	"time"
)

type Config struct {
	LogLevel   string `env:"LOG_LEVEL,default=INFO"`
	Host       string `env:"HOST,default=localhost"`
	Port       int    `env:"PORT,default=8080"`
	GRPCPort   int    `env:"GRPC_PORT,default=8081"`
	InstanceID string `env:"INSTANCE_ID"`

	JWTSecret string `env:"JWT_SECRET,required=true"`
	JWTIssuer string `env:"JWT_ISSUER,default=chat-relay"`

	StoreDriver       string `env:"STORE_DRIVER,default=badger"`
	BadgerFilepath    string `env:"BADGER_FILEPATH,default=./data/badger"`
	DatabaseURL       string `env:"DATABASE_URL"`
	ConversationsFile string `env:"CONVERSATIONS_FILE"`

	BrokerDriver         string        `env:"BROKER_DRIVER,default=memory"`
	RedisURL             string        `env:"REDIS_URL,default=redis://localhost:6379/0"`
	NATSURL              string        `env:"NATS_URL,default=nats://localhost:4222"`
	BrokerPrefix         string        `env:"BROKER_PREFIX,default=chat"`
	BrokerBackoffInitial time.Duration `env:"BROKER_BACKOFF_INITIAL,default=500ms"`
	BrokerBackoffMax     time.Duration `env:"BROKER_BACKOFF_MAX,default=30s"`

	PresenceGrace        time.Duration `env:"PRESENCE_GRACE,default=7s"`
	TypingTTL            time.Duration `env:"TYPING_TTL,default=3s"`
	HistoryPageSize      int           `env:"HISTORY_PAGE_SIZE,default=50"`
	HistoryMaxPage       int           `env:"HISTORY_MAX_PAGE,default=200"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256"`
	MalformedFrameLimit  int           `env:"MALFORMED_FRAME_LIMIT,default=5"`
	MalformedFrameWindow time.Duration `env:"MALFORMED_FRAME_WINDOW,default=10s"`
	MembershipCacheSize  int           `env:"MEMBERSHIP_CACHE_SIZE,default=1024"`
	MembershipCacheTTL   time.Duration `env:"MEMBERSHIP_CACHE_TTL,default=30s"`
	PersistTimeout       time.Duration `env:"PERSIST_TIMEOUT,default=5s"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	PingInterval         time.Duration `env:"PING_INTERVAL,default=30s"`
	MaxBodyLength        int           `env:"MAX_BODY_LENGTH,default=4096"`

	CensoredWords        string        `env:"CENSORED_WORDS"`
	CensoredWordsDir     string        `env:"CENSORED_WORDS_DIR"`
	CharacterReplacement string        `env:"CHARACTER_REPLACEMENT,default=*"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=1s"`
	MetricInterval       time.Duration `env:"METRIC_INTERVAL,default=15s"`
}

// Words returns the comma separated CENSORED_WORDS, trimmed.
func (c Config) Words() []string {
	var words []string
	for _, w := range strings.Split(c.CensoredWords, ",") {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return words
}

func (c Config) Replacement() rune {
	for _, r := range c.CharacterReplacement {
		return r
	}
	return '*'
}
