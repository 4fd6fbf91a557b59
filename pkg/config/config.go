package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultInstructions is used when neither call.instructions nor call.instructions_file is set
const DefaultInstructions = "You are a helpful phone assistant. Keep responses short and conversational."

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Vendor    string          `yaml:"vendor"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Azure     AzureConfig     `yaml:"azure"`
	Call      CallConfig      `yaml:"call"`
	Recording RecordingConfig `yaml:"recording"`
	Softphone SoftphoneConfig `yaml:"softphone"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	PublicHost      string        `yaml:"public_host"` // host used in TwiML stream URLs; empty uses the request Host
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TwilioConfig contains Twilio webhook configuration
type TwilioConfig struct {
	AuthToken string `yaml:"auth_token"` // when set, webhook signatures are verified
}

// OpenAIConfig contains OpenAI Realtime configuration
type OpenAIConfig struct {
	APIKey             string  `yaml:"api_key"`
	URL                string  `yaml:"url"`
	Model              string  `yaml:"model"`
	Voice              string  `yaml:"voice"`
	TranscriptionModel string  `yaml:"transcription_model"`
	Temperature        float64 `yaml:"temperature"`
	SegmentResponses   bool    `yaml:"segment_responses"`
}

// AzureConfig contains Azure Voice Live configuration
type AzureConfig struct {
	APIKey                string `yaml:"api_key"`
	Endpoint              string `yaml:"endpoint"`
	Model                 string `yaml:"model"`
	APIVersion            string `yaml:"api_version"`
	Voice                 string `yaml:"voice"`
	TranscriptionModel    string `yaml:"transcription_model"`
	TranscriptionLanguage string `yaml:"transcription_language"`
}

// CallConfig contains per-call agent behaviour
type CallConfig struct {
	Instructions     string        `yaml:"instructions"`
	InstructionsFile string        `yaml:"instructions_file"`
	Greeting         string        `yaml:"greeting"`
	GreetingSettle   time.Duration `yaml:"greeting_settle"`
}

// RecordingConfig contains call capture configuration
type RecordingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Dir            string        `yaml:"dir"`
	Padding        time.Duration `yaml:"padding"`
	NegativeOffset string        `yaml:"negative_offset"` // drop or clamp
}

// SoftphoneConfig contains WebRTC softphone configuration
type SoftphoneConfig struct {
	Enabled         bool          `yaml:"enabled"`
	STUN            []string      `yaml:"stun"`
	TURN            []TURNConfig  `yaml:"turn"`
	IncludeLoopback bool          `yaml:"include_loopback"`
	GatherTimeout   time.Duration `yaml:"gather_timeout"`
}

// TURNConfig is one TURN relay
type TURNConfig struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "5001",
			ReadTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Vendor: "openai",
		Call: CallConfig{
			GreetingSettle: 100 * time.Millisecond,
		},
		Recording: RecordingConfig{
			Enabled:        true,
			Dir:            "call_logs",
			Padding:        100 * time.Millisecond,
			NegativeOffset: "drop",
		},
		Softphone: SoftphoneConfig{
			STUN:          []string{"stun:stun.l.google.com:19302"},
			GatherTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, the optional dotenv file and the process environment, in that order.
// The result is not validated so that flags can still be applied.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		// Variables already present in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("APP_PORT"); ok && v != "" {
		c.Server.Port = v
	} else {
		str("PORT", &c.Server.Port)
	}
	str("PUBLIC_HOST", &c.Server.PublicHost)
	str("VOICE_VENDOR", &c.Vendor)
	str("TWILIO_AUTH_TOKEN", &c.Twilio.AuthToken)

	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_REALTIME_URL", &c.OpenAI.URL)
	str("OPENAI_REALTIME_MODEL", &c.OpenAI.Model)
	str("OPENAI_VOICE", &c.OpenAI.Voice)

	str("AZURE_VOICELIVE_API_KEY", &c.Azure.APIKey)
	str("AZURE_VOICELIVE_ENDPOINT", &c.Azure.Endpoint)
	str("AZURE_VOICELIVE_MODEL", &c.Azure.Model)
	str("AZURE_VOICELIVE_VOICE", &c.Azure.Voice)
	str("AZURE_VOICELIVE_API_VERSION", &c.Azure.APIVersion)

	str("CALL_INSTRUCTIONS_FILE", &c.Call.InstructionsFile)
	str("CALL_GREETING", &c.Call.Greeting)

	str("RECORDINGS_DIR", &c.Recording.Dir)
	str("RECORDINGS_NEGATIVE_OFFSET", &c.Recording.NegativeOffset)
	if v, ok := lookup("RECORDINGS_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RECORDINGS_ENABLED: %w", err)
		}
		c.Recording.Enabled = enabled
	}

	str("LOG_LEVEL", &c.Logging.Level)
	return nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	switch c.Vendor {
	case "openai":
		if err := c.OpenAI.Validate(); err != nil {
			return fmt.Errorf("openai config: %w", err)
		}
	case "azure":
		if err := c.Azure.Validate(); err != nil {
			return fmt.Errorf("azure config: %w", err)
		}
	default:
		return fmt.Errorf("vendor must be 'openai' or 'azure', got '%s'", c.Vendor)
	}

	if err := c.Call.Validate(); err != nil {
		return fmt.Errorf("call config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Softphone.Validate(); err != nil {
		return fmt.Errorf("softphone config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	port, err := strconv.Atoi(s.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got '%s'", s.Port)
	}

	if s.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got %s", s.ReadTimeout)
	}

	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates OpenAI configuration
func (o *OpenAIConfig) Validate() error {
	if o.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set OPENAI_API_KEY)")
	}

	if o.Temperature < 0 || o.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", o.Temperature)
	}

	return nil
}

// Validate validates Azure configuration
func (a *AzureConfig) Validate() error {
	if a.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set AZURE_VOICELIVE_API_KEY)")
	}

	if a.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty (set AZURE_VOICELIVE_ENDPOINT)")
	}

	return nil
}

// Validate validates call configuration
func (c *CallConfig) Validate() error {
	if c.Instructions != "" && c.InstructionsFile != "" {
		return fmt.Errorf("instructions and instructions_file are mutually exclusive")
	}

	if c.GreetingSettle < 0 {
		return fmt.Errorf("greeting_settle cannot be negative, got %s", c.GreetingSettle)
	}

	return nil
}

// SystemInstructions returns the agent instructions, reading instructions_file when set
func (c *CallConfig) SystemInstructions() (string, error) {
	if c.InstructionsFile != "" {
		data, err := os.ReadFile(c.InstructionsFile)
		if err != nil {
			return "", fmt.Errorf("failed to read instructions file %s: %w", c.InstructionsFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if c.Instructions != "" {
		return c.Instructions, nil
	}
	return DefaultInstructions, nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.Enabled && r.Dir == "" {
		return fmt.Errorf("dir cannot be empty when recording is enabled")
	}

	if r.Padding < 0 {
		return fmt.Errorf("padding cannot be negative, got %s", r.Padding)
	}

	switch r.NegativeOffset {
	case "", "drop", "clamp":
	default:
		return fmt.Errorf("negative_offset must be 'drop' or 'clamp', got '%s'", r.NegativeOffset)
	}

	return nil
}

// Validate validates softphone configuration
func (s *SoftphoneConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	for i, turn := range s.TURN {
		if turn.URL == "" {
			return fmt.Errorf("turn[%d].url cannot be empty", i)
		}
	}

	if s.GatherTimeout <= 0 {
		return fmt.Errorf("gather_timeout must be positive, got %s", s.GatherTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	return nil
}

// Flags holds command line overrides
type Flags struct {
	ConfigFile    string
	EnvFile       string
	Port          string
	Vendor        string
	LogLevel      string
	RecordingsDir string
	PublicHost    string
	Softphone     bool
}

// RegisterFlags defines the command line flags on fs
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigFile, "config", "", "Path to YAML config file")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "Path to dotenv file")
	fs.StringVar(&f.Port, "port", "", "HTTP server port")
	fs.StringVar(&f.Vendor, "vendor", "", "Voice vendor (openai, azure)")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.RecordingsDir, "recordings-dir", "", "Directory for call recordings")
	fs.StringVar(&f.PublicHost, "public-host", "", "Public host used in TwiML stream URLs")
	fs.BoolVar(&f.Softphone, "softphone", false, "Enable the WebRTC softphone endpoint")
	return f
}

// Apply copies the flags explicitly set on fs into c
func (f *Flags) Apply(fs *flag.FlagSet, c *Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			c.Server.Port = f.Port
		case "vendor":
			c.Vendor = f.Vendor
		case "log-level":
			c.Logging.Level = f.LogLevel
		case "recordings-dir":
			c.Recording.Dir = f.RecordingsDir
		case "public-host":
			c.Server.PublicHost = f.PublicHost
		case "softphone":
			c.Softphone.Enabled = f.Softphone
		}
	})
}
