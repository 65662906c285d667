// Package config handles engine configuration
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/alvyn-tbh/buddy-companion-sub001/internal/conditioner"
	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
	"github.com/alvyn-tbh/buddy-companion-sub001/internal/session"
)

// Pipeline modes.
const (
	ModeTurns  = "turns"
	ModeDuplex = "duplex"
)

// Chat providers.
const (
	ProviderHTTP   = "http"
	ProviderGemini = "gemini"
)

type Config struct {
	HTTPAddr  string
	GRPCAddr  string
	LogLevel  string
	LogFormat string
	OTLPURL   string

	AllowedOrigins []string

	SampleRate      int
	FrameSize       int
	InputDevice     string
	AudioParamsFile string
	Audio           conditioner.AudioPipelineParams

	PipelineMode string
	Session      session.SessionConfig

	SpeechRegion   string
	SpeechKey      string
	SpeechTokenURL string
	SpeechTTSURL   string
	SpeechSTTURL   string
	AvatarURL      string
	AvatarProbeURL string
	LocalTTSBinary string

	ChatProvider    string
	ChatURL         string
	ChatTimeout     time.Duration
	SystemPrompt    string
	HistoryMaxTurns int
	GeminiAPIKey    string
	GeminiModel     string

	BootstrapTimeout   time.Duration
	ValidationTimeout  time.Duration
	NegotiationTimeout time.Duration
	UpgradeInterval    time.Duration
	UpgradeMaxInterval time.Duration

	RealtimeURL   string
	RealtimeKey   string
	RealtimeModel string
	RealtimeVoice string
	RealtimeMute  bool // send silence while the local gate is closed
}

// Load reads a .env file when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	sess := session.DefaultConfig()
	tier, err := session.ParseTier(getEnv("SESSION_TIER", sess.Tier.String()))
	if err != nil {
		return nil, err
	}
	sess.Tier = tier
	sess.Persona = getEnv("AVATAR_PERSONA", sess.Persona)
	sess.Style = getEnv("AVATAR_STYLE", sess.Style)
	sess.Background = getEnv("AVATAR_BACKGROUND", sess.Background)
	sess.Voice = getEnv("SPEECH_VOICE", sess.Voice)
	sess.LocalVoice = getEnv("LOCAL_VOICE", sess.LocalVoice)
	sess.Language = getEnv("SPEECH_LANGUAGE", sess.Language)
	sess.Rate = getEnv("SPEECH_RATE", sess.Rate)
	sess.Pitch = getEnv("SPEECH_PITCH", sess.Pitch)
	sess.Volume = getEnv("SPEECH_VOLUME", sess.Volume)

	cfg := &Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8000"),
		GRPCAddr:  getEnv("GRPC_ADDR", ":50051"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		OTLPURL:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"localhost:*", "127.0.0.1:*"}),

		SampleRate:      getEnvInt("SAMPLE_RATE", 16000),
		FrameSize:       getEnvInt("FRAME_SIZE", 512),
		InputDevice:     getEnv("INPUT_DEVICE", ""),
		AudioParamsFile: getEnv("AUDIO_PARAMS_FILE", ""),
		Audio:           conditioner.DefaultParams(),

		PipelineMode: strings.ToLower(getEnv("PIPELINE_MODE", ModeTurns)),
		Session:      sess,

		SpeechRegion:   getEnv("SPEECH_REGION", ""),
		SpeechKey:      getEnv("SPEECH_KEY", ""),
		SpeechTokenURL: getEnv("SPEECH_TOKEN_URL", ""),
		SpeechTTSURL:   getEnv("SPEECH_TTS_URL", ""),
		SpeechSTTURL:   getEnv("SPEECH_STT_URL", ""),
		AvatarURL:      getEnv("AVATAR_URL", ""),
		AvatarProbeURL: getEnv("AVATAR_PROBE_URL", ""),
		LocalTTSBinary: getEnv("LOCAL_TTS_BINARY", "espeak-ng"),

		ChatProvider:    strings.ToLower(getEnv("CHAT_PROVIDER", ProviderHTTP)),
		ChatURL:         getEnv("CHAT_URL", "http://localhost:3000/api/chat"),
		ChatTimeout:     getEnvDuration("CHAT_TIMEOUT", 30*time.Second),
		SystemPrompt:    getEnv("SYSTEM_PROMPT", ""),
		HistoryMaxTurns: getEnvInt("HISTORY_MAX_TURNS", 20),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.0-flash"),

		BootstrapTimeout:   getEnvDuration("BOOTSTRAP_TIMEOUT", 10*time.Second),
		ValidationTimeout:  getEnvDuration("VALIDATION_TIMEOUT", 5*time.Second),
		NegotiationTimeout: getEnvDuration("NEGOTIATION_TIMEOUT", 15*time.Second),
		UpgradeInterval:    getEnvDuration("UPGRADE_INTERVAL", 30*time.Second),
		UpgradeMaxInterval: getEnvDuration("UPGRADE_MAX_INTERVAL", 5*time.Minute),

		RealtimeURL:   getEnv("REALTIME_URL", ""),
		RealtimeKey:   getEnv("REALTIME_API_KEY", ""),
		RealtimeModel: getEnv("REALTIME_MODEL", ""),
		RealtimeVoice: getEnv("REALTIME_VOICE", ""),
		RealtimeMute:  getEnvBool("REALTIME_GATE_MUTE", false),
	}

	if cfg.AudioParamsFile != "" {
		if cfg.Audio, err = conditioner.LoadParams(cfg.AudioParamsFile); err != nil {
			return nil, err
		}
	}
	cfg.Audio.VoiceThreshold = getEnvFloat("VAD_VOICE_THRESHOLD", cfg.Audio.VoiceThreshold)
	cfg.Audio.SilenceThreshold = getEnvFloat("VAD_SILENCE_THRESHOLD", cfg.Audio.SilenceThreshold)
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return apperrors.New(apperrors.KindConfig, "sample rate must be positive")
	case c.FrameSize <= 0:
		return apperrors.New(apperrors.KindConfig, "frame size must be positive")
	case c.PipelineMode != ModeTurns && c.PipelineMode != ModeDuplex:
		return apperrors.Newf(apperrors.KindConfig, "unknown pipeline mode %q", c.PipelineMode)
	case c.BootstrapTimeout <= 0 || c.ValidationTimeout <= 0 || c.NegotiationTimeout <= 0:
		return apperrors.New(apperrors.KindConfig, "timeouts must be positive")
	case c.UpgradeInterval <= 0 || c.UpgradeMaxInterval < c.UpgradeInterval:
		return apperrors.New(apperrors.KindConfig, "upgrade interval must be positive and below its maximum")
	case c.HistoryMaxTurns <= 0:
		return apperrors.New(apperrors.KindConfig, "history cap must be positive")
	}
	if err := c.Audio.Validate(); err != nil {
		return err
	}

	if c.PipelineMode == ModeDuplex {
		if c.RealtimeKey == "" {
			return apperrors.New(apperrors.KindConfig, "REALTIME_API_KEY is required in duplex mode")
		}
		return nil
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if c.Session.Tier > session.TierLocal && c.SpeechRegion == "" && c.SpeechTokenURL == "" {
		return apperrors.New(apperrors.KindConfig, "SPEECH_REGION is required for networked tiers")
	}
	switch c.ChatProvider {
	case ProviderHTTP:
		if c.ChatURL == "" {
			return apperrors.New(apperrors.KindConfig, "CHAT_URL is required")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return apperrors.New(apperrors.KindConfig, "GEMINI_API_KEY is required for the gemini provider")
		}
	default:
		return apperrors.Newf(apperrors.KindConfig, "unknown chat provider %q", c.ChatProvider)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
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

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getEnvDuration accepts Go durations ("750ms") or plain seconds ("10").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
