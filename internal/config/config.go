package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Ingest IngestConfig `yaml:"ingest" mapstructure:"ingest"`
	Match  MatchConfig  `yaml:"match" mapstructure:"match"`
	Origin OriginConfig `yaml:"origin" mapstructure:"origin"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// IngestConfig configures the batch ingestion orchestrator.
type IngestConfig struct {
	BatchSize    int      `yaml:"batch_size" mapstructure:"batch_size"`
	Sources      []string `yaml:"sources" mapstructure:"sources"`
	RefreshIndex bool     `yaml:"refresh_index" mapstructure:"refresh_index"`
}

// MatchConfig configures matching engine thresholds.
type MatchConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	AmbiguityMargin     float64 `yaml:"ambiguity_margin" mapstructure:"ambiguity_margin"`
	MaxCandidatePreview int     `yaml:"max_candidate_preview" mapstructure:"max_candidate_preview"`
}

// OriginConfig configures origin determination.
type OriginConfig struct {
	// LeadSystemCutover is the date the lead intake system went live.
	// Roster-only persons linked before this date are attributed to
	// LEGACY_EXTERNAL.
	LeadSystemCutover string  `yaml:"lead_system_cutover" mapstructure:"lead_system_cutover"`
	ConflictThreshold float64 `yaml:"conflict_threshold" mapstructure:"conflict_threshold"`
}

// CutoverTime parses the configured cutover date.
func (o OriginConfig) CutoverTime() (time.Time, error) {
	t, err := time.Parse("2006-01-02", o.LeadSystemCutover)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "config: parse lead_system_cutover %q", o.LeadSystemCutover)
	}
	return t, nil
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ATTRIB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ingest.batch_size", 200)
	v.SetDefault("ingest.sources", []string{"cabinet_leads", "scout_registrations", "migrated_drivers"})
	v.SetDefault("ingest.refresh_index", false)
	v.SetDefault("match.similarity_threshold", 0.55)
	v.SetDefault("match.ambiguity_margin", 0.15)
	v.SetDefault("match.max_candidate_preview", 3)
	v.SetDefault("origin.lead_system_cutover", "2022-07-01")
	v.SetDefault("origin.conflict_threshold", 85)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
