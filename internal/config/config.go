package config

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	PostgresURL   string `mapstructure:"POSTGRES_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	APIBaseURL    string `mapstructure:"API_BASE_URL"`
	DeviceID      string `mapstructure:"DEVICE_ID"`

	IntentRadiusM         float64 `mapstructure:"INTENT_RADIUS_M"`
	DwellRadiusM          float64 `mapstructure:"DWELL_RADIUS_M"`
	DwellDurationS        int     `mapstructure:"DWELL_DURATION_S"`
	UnlockRadiusM         float64 `mapstructure:"UNLOCK_RADIUS_M"`
	GracePeriodS          int     `mapstructure:"GRACE_PERIOD_S"`
	HardTimeoutS          int     `mapstructure:"HARD_TIMEOUT_S"`
	AccuracyThresholdM    float64 `mapstructure:"ACCURACY_THRESHOLD_M"`
	StationarySpeedMps    float64 `mapstructure:"STATIONARY_SPEED_MPS"`
	AnomalyDisplacementKm float64 `mapstructure:"ANOMALY_DISPLACEMENT_KM"`
}

func Load() Config {
	viper.AutomaticEnv()
	viper.SetDefault("SERVER_PORT", ":8091")
	viper.SetDefault("POSTGRES_URL", "")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("API_BASE_URL", "http://localhost:8000")
	viper.SetDefault("DEVICE_ID", "dev-device")
	viper.SetDefault("INTENT_RADIUS_M", 150.0)
	viper.SetDefault("DWELL_RADIUS_M", 30.0)
	viper.SetDefault("DWELL_DURATION_S", 120)
	viper.SetDefault("UNLOCK_RADIUS_M", 75.0)
	viper.SetDefault("GRACE_PERIOD_S", 900)
	viper.SetDefault("HARD_TIMEOUT_S", 7200)
	viper.SetDefault("ACCURACY_THRESHOLD_M", 50.0)
	viper.SetDefault("STATIONARY_SPEED_MPS", 1.5)
	viper.SetDefault("ANOMALY_DISPLACEMENT_KM", 50.0)

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}

func (c Config) DwellDuration() time.Duration { return time.Duration(c.DwellDurationS) * time.Second }
func (c Config) GracePeriod() time.Duration   { return time.Duration(c.GracePeriodS) * time.Second }
func (c Config) HardTimeout() time.Duration   { return time.Duration(c.HardTimeoutS) * time.Second }

// remoteThresholds mirrors the server-side tuning payload. Zero values mean
// "no override".
type remoteThresholds struct {
	IntentRadiusM         float64 `json:"intent_radius_m"`
	DwellRadiusM          float64 `json:"dwell_radius_m"`
	DwellDurationS        int     `json:"dwell_duration_s"`
	UnlockRadiusM         float64 `json:"unlock_radius_m"`
	GracePeriodS          int     `json:"grace_period_s"`
	HardTimeoutS          int     `json:"hard_timeout_s"`
	AccuracyThresholdM    float64 `json:"accuracy_threshold_m"`
	StationarySpeedMps    float64 `json:"stationary_speed_mps"`
	AnomalyDisplacementKm float64 `json:"anomaly_displacement_km"`
}

var fetchClient = &http.Client{Timeout: 5 * time.Second}

// FetchRemote overlays server-side threshold overrides onto cfg. Any fetch or
// decode failure returns cfg unchanged so the hardcoded defaults stay in
// effect.
func FetchRemote(cfg Config) Config {
	if cfg.APIBaseURL == "" {
		return cfg
	}
	resp, err := fetchClient.Get(cfg.APIBaseURL + "/v1/arrival/config")
	if err != nil {
		return cfg
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cfg
	}

	var remote remoteThresholds
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return cfg
	}

	if remote.IntentRadiusM > 0 {
		cfg.IntentRadiusM = remote.IntentRadiusM
	}
	if remote.DwellRadiusM > 0 {
		cfg.DwellRadiusM = remote.DwellRadiusM
	}
	if remote.DwellDurationS > 0 {
		cfg.DwellDurationS = remote.DwellDurationS
	}
	if remote.UnlockRadiusM > 0 {
		cfg.UnlockRadiusM = remote.UnlockRadiusM
	}
	if remote.GracePeriodS > 0 {
		cfg.GracePeriodS = remote.GracePeriodS
	}
	if remote.HardTimeoutS > 0 {
		cfg.HardTimeoutS = remote.HardTimeoutS
	}
	if remote.AccuracyThresholdM > 0 {
		cfg.AccuracyThresholdM = remote.AccuracyThresholdM
	}
	if remote.StationarySpeedMps > 0 {
		cfg.StationarySpeedMps = remote.StationarySpeedMps
	}
	if remote.AnomalyDisplacementKm > 0 {
		cfg.AnomalyDisplacementKm = remote.AnomalyDisplacementKm
	}
	return cfg
}
