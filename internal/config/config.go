// Package config loads and validates the analytics engine configuration
// from an optional YAML file and INSIGHT_-prefixed environment variables.
// Unset options take defaults; unrecognized keys are ignored.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full engine configuration. Every field has a working
// default, so the zero path `Default()` yields a runnable engine.
type Config struct {
	HistorySize     int     `mapstructure:"historySize" validate:"gte=1"`
	RetrainEvery    int     `mapstructure:"retrainEvery" validate:"gte=1"`
	MinTrainSamples int     `mapstructure:"minTrainSamples" validate:"gte=2"`
	Folds           int     `mapstructure:"crossValidationFolds" validate:"gte=2"`
	LearningRate    float64 `mapstructure:"learningRate" validate:"gt=0"`
	Epochs          int     `mapstructure:"epochs" validate:"gte=1"`
	BatchSize       int     `mapstructure:"batchSize" validate:"gte=1"`
	Regularization  float64 `mapstructure:"regularizationStrength" validate:"gte=0"`
	ForecastOrder   int     `mapstructure:"forecastOrder" validate:"gte=1"`
	Seed            int64   `mapstructure:"seed"`
	LogLevel        string  `mapstructure:"logLevel"`

	Sequence SequenceConfig `mapstructure:"sequence"`
	Anomaly  AnomalyConfig  `mapstructure:"anomaly"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// SequenceConfig tunes the optional recurrent sequence backend.
type SequenceConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Length  int           `mapstructure:"sequenceLength" validate:"gte=2"`
	Hidden  []int         `mapstructure:"hidden" validate:"min=1,dive,gte=1"`
	Epochs  int           `mapstructure:"epochs" validate:"gte=1"`
	Dropout float64       `mapstructure:"dropout" validate:"gte=0,lt=1"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// AnomalyConfig tunes the anomaly detection strategies.
type AnomalyConfig struct {
	Contamination float64 `mapstructure:"contamination" validate:"gt=0,lte=0.5"`
	Estimators    int     `mapstructure:"estimators" validate:"gte=1"`
	ZThreshold    float64 `mapstructure:"zThreshold" validate:"gt=0"`
}

// StorageConfig selects the persistence location. An empty path keeps state
// in memory only (tests, diskless embedding).
type StorageConfig struct {
	Path     string `mapstructure:"path"`
	AutoSave bool   `mapstructure:"autoSave"`
}

// Default returns a ready-to-use configuration with every option at its
// documented default.
func Default() Config {
	return Config{
		HistorySize:     1000,
		RetrainEvery:    50,
		MinTrainSamples: 10,
		Folds:           5,
		LearningRate:    0.01,
		Epochs:          100,
		BatchSize:       32,
		Regularization:  0.001,
		ForecastOrder:   3,
		Seed:            0,
		LogLevel:        "info",
		Sequence: SequenceConfig{
			Enabled: true,
			Length:  10,
			Hidden:  []int{16, 8},
			Epochs:  60,
			Dropout: 0.2,
			Timeout: 30 * time.Second,
		},
		Anomaly: AnomalyConfig{
			Contamination: 0.1,
			Estimators:    100,
			ZThreshold:    2.5,
		},
		Storage: StorageConfig{
			Path:     "",
			AutoSave: true,
		},
	}
}

// Load reads configuration from the given YAML file (skipped when path is
// empty or the file does not exist) and the environment, fills defaults and
// validates the result. INSIGHT_RETRAINEVERY=25 overrides retrainEvery, and
// nested keys use underscores: INSIGHT_SEQUENCE_ENABLED=false.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints. Used by Load and directly by embedders
// that assemble a Config in code.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config: validation: %w", err)
	}
	return nil
}

// setDefaults registers every key with viper so environment overrides bind
// even without a config file.
func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("historySize", def.HistorySize)
	v.SetDefault("retrainEvery", def.RetrainEvery)
	v.SetDefault("minTrainSamples", def.MinTrainSamples)
	v.SetDefault("crossValidationFolds", def.Folds)
	v.SetDefault("learningRate", def.LearningRate)
	v.SetDefault("epochs", def.Epochs)
	v.SetDefault("batchSize", def.BatchSize)
	v.SetDefault("regularizationStrength", def.Regularization)
	v.SetDefault("forecastOrder", def.ForecastOrder)
	v.SetDefault("seed", def.Seed)
	v.SetDefault("logLevel", def.LogLevel)
	v.SetDefault("sequence.enabled", def.Sequence.Enabled)
	v.SetDefault("sequence.sequenceLength", def.Sequence.Length)
	v.SetDefault("sequence.hidden", def.Sequence.Hidden)
	v.SetDefault("sequence.epochs", def.Sequence.Epochs)
	v.SetDefault("sequence.dropout", def.Sequence.Dropout)
	v.SetDefault("sequence.timeout", def.Sequence.Timeout)
	v.SetDefault("anomaly.contamination", def.Anomaly.Contamination)
	v.SetDefault("anomaly.estimators", def.Anomaly.Estimators)
	v.SetDefault("anomaly.zThreshold", def.Anomaly.ZThreshold)
	v.SetDefault("storage.path", def.Storage.Path)
	v.SetDefault("storage.autoSave", def.Storage.AutoSave)
}
