// Package config loads the environment-driven settings shared by the
// gateway and brain binaries into immutable records, read once at
// startup and passed by value from there on.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

func init() {
	// Best effort: local dev convenience only, never required.
	_ = godotenv.Load()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GatewayConfig holds everything cmd/gateway needs, loaded once.
type GatewayConfig struct {
	TwitchNick     string
	TwitchOAuth    string // empty if using a token file
	TwitchChannels []string

	TokenFile          string
	AppClientID        string
	AppClientSecret    string
	TokenMinTTLSec     int

	RedisURL      string
	StreamIn      string
	StreamOut     string
	ConsumerGroup string
	ConsumerName  string

	RateLimitCount      int
	RateLimitWindowSec  int

	MetricsAddr string
	LogLevel    string
}

// LoadGatewayConfig reads spec.md §6's Gateway-relevant env vars.
func LoadGatewayConfig() (GatewayConfig, error) {
	channels := splitCSV(getEnv("TWITCH_CHANNELS", ""))
	if len(channels) == 0 {
		return GatewayConfig{}, fmt.Errorf("config: TWITCH_CHANNELS is empty")
	}
	for i, c := range channels {
		channels[i] = strings.ToLower(strings.TrimPrefix(c, "#"))
	}

	tokenFile := strings.TrimSpace(os.Getenv("TWITCH_TOKEN_FILE"))
	oauth := strings.TrimSpace(os.Getenv("TWITCH_OAUTH"))
	if oauth == "" && tokenFile == "" {
		return GatewayConfig{}, fmt.Errorf("config: provide TWITCH_OAUTH or TWITCH_TOKEN_FILE")
	}

	clientID := strings.TrimSpace(os.Getenv("TWITCH_APP_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("TWITCH_APP_CLIENT_SECRET"))
	if tokenFile != "" && (clientID == "" || clientSecret == "") {
		return GatewayConfig{}, fmt.Errorf("config: TWITCH_TOKEN_FILE requires TWITCH_APP_CLIENT_ID and TWITCH_APP_CLIENT_SECRET")
	}

	nick := strings.ToLower(strings.TrimSpace(os.Getenv("TWITCH_NICK")))
	if nick == "" {
		return GatewayConfig{}, fmt.Errorf("config: TWITCH_NICK is required")
	}

	return GatewayConfig{
		TwitchNick:         nick,
		TwitchOAuth:        oauth,
		TwitchChannels:     channels,
		TokenFile:          tokenFile,
		AppClientID:        clientID,
		AppClientSecret:    clientSecret,
		TokenMinTTLSec:     getEnvInt("TWITCH_TOKEN_MIN_TTL_SEC", 120),
		RedisURL:           getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		StreamIn:           getEnv("REDIS_STREAM_IN", "twitch:in"),
		StreamOut:          getEnv("REDIS_STREAM_OUT", "twitch:out"),
		ConsumerGroup:      getEnv("REDIS_CONSUMER_GROUP", "twitch-gateway"),
		ConsumerName:       getEnv("REDIS_CONSUMER_NAME", "gateway-1"),
		RateLimitCount:     getEnvInt("RATE_LIMIT_COUNT", 20),
		RateLimitWindowSec: getEnvInt("RATE_LIMIT_WINDOW_SEC", 30),
		MetricsAddr:        getEnv("GATEWAY_METRICS_ADDR", ":9101"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}, nil
}

// BrainConfig holds everything cmd/brain needs, loaded once.
type BrainConfig struct {
	RedisURL         string
	StreamIn         string
	StreamOut        string
	ConsumerGroupIn  string
	ConsumerNameIn   string

	BotNick          string
	ChannelAllowlist []string // empty => allow all

	Banwords []string
	MinLen   int

	WindowSec       int
	MaxItems        int
	MaxContextMsgs  int

	BatchSec        int
	QuietAfterSec   int
	BusyChatMsgs10s int

	SpeakEverySec     int
	TopicCooldownSec  int
	MentionCooldownSec int
	AICooldownSec     int

	MaxOutLen        int
	AutoSpeakEnabled bool

	OllamaURL            string
	OllamaModel          string
	OllamaTemperature    float64
	OllamaNumCtx         int
	OllamaNumPredict     int
	OllamaTopP           float64
	OllamaRepeatPenalty  float64
	OllamaTimeoutSec     int
	OllamaThink          bool
	OllamaForceRU        bool
	OllamaRetryNonRU     bool

	MetricsAddr string
	LogLevel    string
}

// LoadBrainConfig reads spec.md §6's Brain-relevant env vars.
func LoadBrainConfig() (BrainConfig, error) {
	allow := splitCSV(getEnv("CHANNEL_ALLOWLIST", ""))
	for i, c := range allow {
		allow[i] = strings.ToLower(strings.TrimPrefix(c, "#"))
	}

	return BrainConfig{
		RedisURL:        getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		StreamIn:        getEnv("REDIS_STREAM_IN", "twitch:in"),
		StreamOut:       getEnv("REDIS_STREAM_OUT", "twitch:out"),
		ConsumerGroupIn: getEnv("REDIS_CONSUMER_GROUP", "ai-brain"),
		ConsumerNameIn:  getEnv("REDIS_CONSUMER_NAME", "brain-1"),

		BotNick:          strings.ToLower(getEnv("BOT_NICK", "mybot")),
		ChannelAllowlist: allow,

		Banwords: splitCSV(getEnv("BANWORDS", "")),
		MinLen:   getEnvInt("MIN_TEXT_LEN", 3),

		WindowSec:      getEnvInt("WINDOW_SEC", 60),
		MaxItems:       getEnvInt("MAX_ITEMS", 200),
		MaxContextMsgs: getEnvInt("MAX_CONTEXT_MSGS", 15),

		BatchSec:        getEnvInt("BATCH_SEC", 45),
		QuietAfterSec:   getEnvInt("QUIET_AFTER_SEC", 30),
		BusyChatMsgs10s: getEnvInt("BUSY_CHAT_MSGS_10S", 8),

		SpeakEverySec:      getEnvInt("SPEAK_EVERY_SEC", 180),
		TopicCooldownSec:   getEnvInt("TOPIC_COOLDOWN_SEC", 600),
		MentionCooldownSec: getEnvInt("MENTION_COOLDOWN_SEC", 60),
		AICooldownSec:      getEnvInt("AI_COOLDOWN_SEC", 20),

		MaxOutLen:        getEnvInt("MAX_OUT_LEN", 350),
		AutoSpeakEnabled: getEnvBool("AUTO_SPEAK_ENABLED", true),

		OllamaURL:           getEnv("OLLAMA_URL", ""),
		OllamaModel:         getEnv("OLLAMA_MODEL", "llama3.1"),
		OllamaTemperature:   getEnvFloat("OLLAMA_TEMPERATURE", 0.7),
		OllamaNumCtx:        getEnvInt("OLLAMA_NUM_CTX", 4096),
		OllamaNumPredict:    getEnvInt("OLLAMA_NUM_PREDICT", 128),
		OllamaTopP:          getEnvFloat("OLLAMA_TOP_P", 0.9),
		OllamaRepeatPenalty: getEnvFloat("OLLAMA_REPEAT_PENALTY", 1.1),
		OllamaTimeoutSec:    getEnvInt("OLLAMA_TIMEOUT_SEC", 45),
		OllamaThink:         getEnvBool("OLLAMA_THINK", false),
		OllamaForceRU:       getEnvBool("OLLAMA_FORCE_RU", false),
		OllamaRetryNonRU:    getEnvBool("OLLAMA_RETRY_NON_RU", true),

		MetricsAddr: getEnv("BRAIN_METRICS_ADDR", ":9102"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}, nil
}
