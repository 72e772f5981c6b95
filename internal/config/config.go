package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voicebridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	AudioDir string // synthesized audio output; defaults to <data-dir>/audio
	HTTPPort int
	WSPort   int

	SIPPort         int
	ExternalAddress string // LAN address advertised in SIP Contact and SDP
	SIPDomain       string // domain used in From/To of REGISTER
	SIPRegistrar    string // host[:port] REGISTER target
	OutboundProxy   string // host[:port] INVITE egress
	RegisterExpiry  int    // requested registration expiry in seconds

	DatabaseURL    string // postgres connection string; empty selects embedded sqlite
	DeviceSeedFile string // JSON device list imported when the devices table is empty

	EngineHost   string
	EnginePort   int
	EngineSecret string
	RTPPortMin   int
	RTPPortMax   int

	AIGatewayURL string
	AITimeoutSec int

	CloudTTSKey   string
	CloudSTTKey   string
	ElevenLabsKey string
	OpenAIKey     string
	MossTTSURL    string

	LanguageDefault  string
	MaxTurns         int
	RingTimeoutSec   int
	ListenTimeoutSec int
	BargeIn          bool

	APIAuthSecret        string // enables JWT auth on /api when set
	APIAdminUser         string
	APIAdminPasswordHash string // argon2id hash checked by POST /api/login
	CORSOrigins          string

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultHTTPPort       = 3000
	defaultWSPort         = 3001
	defaultSIPPort        = 5062
	defaultRegisterExpiry = 300
	defaultEngineHost     = "127.0.0.1"
	defaultEnginePort     = 9022
	defaultRTPPortMin     = 20000
	defaultRTPPortMax     = 30000
	defaultAITimeout      = 30
	defaultLanguage       = "en"
	defaultMaxTurns       = 10
	defaultRingTimeout    = 30
	defaultListenTimeout  = 30
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all voicebridge environment variables.
const envPrefix = "VOICEBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database, prompts and audio artifacts")
	fs.StringVar(&cfg.AudioDir, "audio-dir", "", "directory for synthesized audio (defaults to <data-dir>/audio)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP control API listen port")
	fs.IntVar(&cfg.WSPort, "ws-port", defaultWSPort, "audio fork WebSocket listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "local SIP UDP/TCP listen port")
	fs.StringVar(&cfg.ExternalAddress, "external-address", "", "LAN address advertised in SIP Contact and SDP (auto-detected if empty)")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain used in From/To of REGISTER")
	fs.StringVar(&cfg.SIPRegistrar, "sip-registrar", "", "registrar host[:port] where REGISTER is sent")
	fs.StringVar(&cfg.OutboundProxy, "outbound-proxy", "", "proxy host[:port] where outbound INVITEs egress")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "requested registration expiry in seconds")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection string (embedded SQLite is used if empty)")
	fs.StringVar(&cfg.DeviceSeedFile, "device-seed-file", "", "JSON file of devices imported when the devices table is empty")
	fs.StringVar(&cfg.EngineHost, "engine-host", defaultEngineHost, "media engine admin host")
	fs.IntVar(&cfg.EnginePort, "engine-port", defaultEnginePort, "media engine admin port")
	fs.StringVar(&cfg.EngineSecret, "engine-secret", "", "shared secret for the media engine admin API")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port the media engine may use for RTP")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port the media engine may use for RTP")
	fs.StringVar(&cfg.AIGatewayURL, "ai-url", "", "base URL of the conversational AI gateway")
	fs.IntVar(&cfg.AITimeoutSec, "ai-timeout", defaultAITimeout, "AI gateway request timeout in seconds")
	fs.StringVar(&cfg.CloudTTSKey, "cloud-tts-key", "", "cloud TTS API key (enables the cloud TTS stage)")
	fs.StringVar(&cfg.CloudSTTKey, "cloud-stt-key", "", "cloud STT API key (enables the cloud STT stage)")
	fs.StringVar(&cfg.ElevenLabsKey, "elevenlabs-key", "", "ElevenLabs API key (enables voice-clone TTS by voice id)")
	fs.StringVar(&cfg.OpenAIKey, "openai-key", "", "OpenAI API key (enables Whisper STT and OpenAI TTS stages)")
	fs.StringVar(&cfg.MossTTSURL, "moss-tts-url", "", "URL of the GPU voice-clone TTS server")
	fs.StringVar(&cfg.LanguageDefault, "language-default", defaultLanguage, "fallback language for devices without one")
	fs.IntVar(&cfg.MaxTurns, "max-turns", defaultMaxTurns, "maximum conversation turns per call")
	fs.IntVar(&cfg.RingTimeoutSec, "ring-timeout", defaultRingTimeout, "outbound ring timeout in seconds")
	fs.IntVar(&cfg.ListenTimeoutSec, "listen-timeout", defaultListenTimeout, "seconds to wait for an utterance before re-prompting")
	fs.BoolVar(&cfg.BargeIn, "barge-in", false, "keep capture open while the bot is speaking")
	fs.StringVar(&cfg.APIAuthSecret, "api-auth-secret", "", "HS256 secret enabling JWT auth on the control API")
	fs.StringVar(&cfg.APIAdminUser, "api-admin-user", "", "admin username for POST /api/login")
	fs.StringVar(&cfg.APIAdminPasswordHash, "api-admin-password-hash", "", "argon2id hash of the admin password")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var names, first hit wins. max-turns and
	// ring-timeout also answer to their historical unprefixed names.
	envMap := map[string][]string{
		"data-dir":                {envPrefix + "DATA_DIR"},
		"audio-dir":               {envPrefix + "AUDIO_DIR"},
		"http-port":               {envPrefix + "HTTP_PORT"},
		"ws-port":                 {envPrefix + "WS_PORT"},
		"sip-port":                {envPrefix + "SIP_PORT"},
		"external-address":        {envPrefix + "EXTERNAL_ADDRESS"},
		"sip-domain":              {envPrefix + "SIP_DOMAIN"},
		"sip-registrar":           {envPrefix + "SIP_REGISTRAR"},
		"outbound-proxy":          {envPrefix + "OUTBOUND_PROXY"},
		"register-expiry":         {envPrefix + "REGISTER_EXPIRY"},
		"database-url":            {envPrefix + "DATABASE_URL"},
		"device-seed-file":        {envPrefix + "DEVICE_SEED_FILE"},
		"engine-host":             {envPrefix + "ENGINE_HOST"},
		"engine-port":             {envPrefix + "ENGINE_PORT"},
		"engine-secret":           {envPrefix + "ENGINE_SECRET"},
		"rtp-port-min":            {envPrefix + "RTP_PORT_MIN"},
		"rtp-port-max":            {envPrefix + "RTP_PORT_MAX"},
		"ai-url":                  {envPrefix + "AI_URL"},
		"ai-timeout":              {envPrefix + "AI_TIMEOUT"},
		"cloud-tts-key":           {envPrefix + "CLOUD_TTS_KEY"},
		"cloud-stt-key":           {envPrefix + "CLOUD_STT_KEY"},
		"elevenlabs-key":          {envPrefix + "ELEVENLABS_KEY"},
		"openai-key":              {envPrefix + "OPENAI_KEY"},
		"moss-tts-url":            {envPrefix + "MOSS_TTS_URL"},
		"language-default":        {envPrefix + "LANGUAGE_DEFAULT"},
		"max-turns":               {envPrefix + "MAX_TURNS", "MAX_CONVERSATION_TURNS"},
		"ring-timeout":            {envPrefix + "RING_TIMEOUT", "OUTBOUND_RING_TIMEOUT"},
		"listen-timeout":          {envPrefix + "LISTEN_TIMEOUT"},
		"barge-in":                {envPrefix + "BARGE_IN"},
		"api-auth-secret":         {envPrefix + "API_AUTH_SECRET"},
		"api-admin-user":          {envPrefix + "API_ADMIN_USER"},
		"api-admin-password-hash": {envPrefix + "API_ADMIN_PASSWORD_HASH"},
		"cors-origins":            {envPrefix + "CORS_ORIGINS"},
		"log-level":               {envPrefix + "LOG_LEVEL"},
		"log-format":              {envPrefix + "LOG_FORMAT"},
	}

	lookup := func(names []string) (string, bool) {
		for _, name := range names {
			if val, ok := os.LookupEnv(name); ok && val != "" {
				return val, true
			}
		}
		return "", false
	}

	for flagName, envVars := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := lookup(envVars)
		if !ok {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "audio-dir":
			cfg.AudioDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "ws-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WSPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "external-address":
			cfg.ExternalAddress = val
		case "sip-domain":
			cfg.SIPDomain = val
		case "sip-registrar":
			cfg.SIPRegistrar = val
		case "outbound-proxy":
			cfg.OutboundProxy = val
		case "register-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RegisterExpiry = v
			}
		case "database-url":
			cfg.DatabaseURL = val
		case "device-seed-file":
			cfg.DeviceSeedFile = val
		case "engine-host":
			cfg.EngineHost = val
		case "engine-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.EnginePort = v
			}
		case "engine-secret":
			cfg.EngineSecret = val
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "ai-url":
			cfg.AIGatewayURL = val
		case "ai-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AITimeoutSec = v
			}
		case "cloud-tts-key":
			cfg.CloudTTSKey = val
		case "cloud-stt-key":
			cfg.CloudSTTKey = val
		case "elevenlabs-key":
			cfg.ElevenLabsKey = val
		case "openai-key":
			cfg.OpenAIKey = val
		case "moss-tts-url":
			cfg.MossTTSURL = val
		case "language-default":
			cfg.LanguageDefault = val
		case "max-turns":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxTurns = v
			}
		case "ring-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RingTimeoutSec = v
			}
		case "listen-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ListenTimeoutSec = v
			}
		case "barge-in":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.BargeIn = v
			}
		case "api-auth-secret":
			cfg.APIAuthSecret = val
		case "api-admin-user":
			cfg.APIAdminUser = val
		case "api-admin-password-hash":
			cfg.APIAdminPasswordHash = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// supportedLanguages are the BCP-47 short codes devices may carry.
var supportedLanguages = map[string]bool{
	"en": true, "he": true, "ar": true, "ru": true, "fr": true, "es": true,
}

// SupportedLanguage reports whether lang is one of the languages the
// provider chains can render.
func SupportedLanguage(lang string) bool {
	return supportedLanguages[strings.ToLower(lang)]
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.WSPort < 1 || c.WSPort > 65535 {
		return fmt.Errorf("ws-port must be between 1 and 65535, got %d", c.WSPort)
	}
	if c.WSPort == c.HTTPPort {
		return fmt.Errorf("ws-port and http-port must differ, both are %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.EnginePort < 1 || c.EnginePort > 65535 {
		return fmt.Errorf("engine-port must be between 1 and 65535, got %d", c.EnginePort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.RegisterExpiry < 60 {
		return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
	}
	if (c.SIPRegistrar != "" || c.OutboundProxy != "") && c.SIPDomain == "" {
		return fmt.Errorf("sip-domain is required when sip-registrar or outbound-proxy is set")
	}
	if c.AITimeoutSec < 25 {
		return fmt.Errorf("ai-timeout must be at least 25 seconds, got %d", c.AITimeoutSec)
	}
	if c.MaxTurns < 1 {
		return fmt.Errorf("max-turns must be at least 1, got %d", c.MaxTurns)
	}
	if c.RingTimeoutSec < 5 || c.RingTimeoutSec > 120 {
		return fmt.Errorf("ring-timeout must be between 5 and 120 seconds, got %d", c.RingTimeoutSec)
	}
	if c.ListenTimeoutSec < 5 {
		return fmt.Errorf("listen-timeout must be at least 5 seconds, got %d", c.ListenTimeoutSec)
	}
	if !SupportedLanguage(c.LanguageDefault) {
		return fmt.Errorf("language-default must be one of en, he, ar, ru, fr, es; got %q", c.LanguageDefault)
	}
	c.LanguageDefault = strings.ToLower(c.LanguageDefault)

	if c.APIAuthSecret != "" && (c.APIAdminUser == "" || c.APIAdminPasswordHash == "") {
		return fmt.Errorf("api-auth-secret requires api-admin-user and api-admin-password-hash")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// AudioPath returns the directory synthesized audio is written to.
func (c *Config) AudioPath() string {
	if c.AudioDir != "" {
		return c.AudioDir
	}
	return filepath.Join(c.DataDir, "audio")
}

// StaticPath returns the directory static prompts are served from.
func (c *Config) StaticPath() string {
	return filepath.Join(c.DataDir, "static")
}

// DatabasePath returns the SQLite database file path used when no
// PostgreSQL URL is configured.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "voicebridge.db")
}

// EngineURL returns the base URL of the media engine admin API.
func (c *Config) EngineURL() string {
	return fmt.Sprintf("http://%s:%d", c.EngineHost, c.EnginePort)
}

// AdvertiseIP returns the address placed in SIP Contact headers, SDP and
// audio-fork URLs. When behind NAT this must be the LAN address, so auto
// detection prefers the primary non-loopback IPv4 and never consults any
// public-address service. Falls back to "127.0.0.1" if detection fails.
func (c *Config) AdvertiseIP() string {
	if c.ExternalAddress != "" {
		return c.ExternalAddress
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// AITimeout returns the per-attempt AI gateway timeout.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AITimeoutSec) * time.Second
}

// RingTimeout returns how long an outbound call may ring before it is
// cancelled with reason no_answer.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// ListenTimeout returns how long the conversation loop waits for an
// utterance before re-prompting or ending the call.
func (c *Config) ListenTimeout() time.Duration {
	return time.Duration(c.ListenTimeoutSec) * time.Second
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
