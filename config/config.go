// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"time"

	"github.com/spf13/viper"
)

// AppConfig is the process-wide configuration, resolved once at startup.
// Per-session overrides (codec, language, providers) ride in on the session
// query parameters; everything here is the static default.
type AppConfig struct {
	ListenAddress string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	DeepgramAPIKey string
	SonioxAPIKey   string

	ProviderPrimary     string
	ProviderFallback    string
	TranslationProvider string

	// VAD gate
	VadGateMode        string // off | shadow | active
	VadEnergyThreshold float64
	VadPreRoll         time.Duration
	VadHangover        time.Duration
	VadKeepAlive       time.Duration
	VadModelPath       string // optional silero onnx model; empty = energy only

	SessionIdle         time.Duration
	SessionStartTimeout time.Duration
	ShutdownGrace       time.Duration

	TranscriptWebhookURL    string
	RawAudioWebhookURL      string
	RawAudioWebhookInterval time.Duration

	RecordingEnabled bool

	// InvalidFrameLimit is the number of consecutive malformed wire frames
	// tolerated before the session is torn down.
	InvalidFrameLimit int
}

// Load resolves AppConfig from the environment via viper. Out-of-range
// values are clamped rather than rejected so a bad deploy degrades instead
// of crash-looping.
func Load() (*AppConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDRESS", ":8080")
	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("PROVIDER_PRIMARY", "deepgram")
	v.SetDefault("PROVIDER_FALLBACK", "")
	v.SetDefault("TRANSLATION_PROVIDER", "soniox")

	v.SetDefault("VAD_GATE_MODE", "active")
	v.SetDefault("VAD_ENERGY_THRESHOLD", 0.02)
	v.SetDefault("VAD_GATE_PRE_ROLL_MS", 240)
	v.SetDefault("VAD_GATE_HANGOVER_MS", 600)
	v.SetDefault("VAD_GATE_KEEPALIVE_SEC", 20)
	v.SetDefault("VAD_MODEL_PATH", "")

	v.SetDefault("SESSION_IDLE_SECONDS", 120)
	v.SetDefault("SESSION_START_TIMEOUT_SECONDS", 10)
	v.SetDefault("SHUTDOWN_GRACE_SECONDS", 3)

	v.SetDefault("TRANSCRIPT_WEBHOOK_URL", "")
	v.SetDefault("RAW_AUDIO_WEBHOOK_URL", "")
	v.SetDefault("RAW_AUDIO_WEBHOOK_INTERVAL_SECONDS", 5)
	v.SetDefault("RECORDING_ENABLED", true)
	v.SetDefault("INVALID_FRAME_LIMIT", 32)

	threshold := v.GetFloat64("VAD_ENERGY_THRESHOLD")
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}

	mode := v.GetString("VAD_GATE_MODE")
	switch mode {
	case "off", "shadow", "active":
	default:
		mode = "off"
	}

	cfg := &AppConfig{
		ListenAddress: v.GetString("LISTEN_ADDRESS"),

		RedisAddress:  v.GetString("REDIS_ADDRESS"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		DeepgramAPIKey: v.GetString("DEEPGRAM_API_KEY"),
		SonioxAPIKey:   v.GetString("SONIOX_API_KEY"),

		ProviderPrimary:     v.GetString("PROVIDER_PRIMARY"),
		ProviderFallback:    v.GetString("PROVIDER_FALLBACK"),
		TranslationProvider: v.GetString("TRANSLATION_PROVIDER"),

		VadGateMode:        mode,
		VadEnergyThreshold: threshold,
		VadPreRoll:         time.Duration(v.GetInt("VAD_GATE_PRE_ROLL_MS")) * time.Millisecond,
		VadHangover:        time.Duration(v.GetInt("VAD_GATE_HANGOVER_MS")) * time.Millisecond,
		VadKeepAlive:       time.Duration(v.GetInt("VAD_GATE_KEEPALIVE_SEC")) * time.Second,
		VadModelPath:       v.GetString("VAD_MODEL_PATH"),

		SessionIdle:         time.Duration(v.GetInt("SESSION_IDLE_SECONDS")) * time.Second,
		SessionStartTimeout: time.Duration(v.GetInt("SESSION_START_TIMEOUT_SECONDS")) * time.Second,
		ShutdownGrace:       time.Duration(v.GetInt("SHUTDOWN_GRACE_SECONDS")) * time.Second,

		TranscriptWebhookURL:    v.GetString("TRANSCRIPT_WEBHOOK_URL"),
		RawAudioWebhookURL:      v.GetString("RAW_AUDIO_WEBHOOK_URL"),
		RawAudioWebhookInterval: time.Duration(v.GetInt("RAW_AUDIO_WEBHOOK_INTERVAL_SECONDS")) * time.Second,
		RecordingEnabled:        v.GetBool("RECORDING_ENABLED"),
		InvalidFrameLimit:       v.GetInt("INVALID_FRAME_LIMIT"),
	}
	return cfg, nil
}
