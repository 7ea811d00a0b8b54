package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuthConfig struct {
	AccessSecret string
}

type CalibrationConfig struct {
	Dir              string
	MaxErrorM        float64
	InlierThresholdM float64
}

type SpeedConfig struct {
	MinDistanceM       float64
	MinTime            time.Duration
	FullConfidenceTime time.Duration
	DefaultLimitKmh    float64
	ToleranceKmh       float64
}

type TrajectoryConfig struct {
	MaxTracks  int
	MaxPoints  int
	StaleAfter time.Duration
	SweepEvery time.Duration
}

type ViolationConfig struct {
	MinConfidence float64
	RulesFile     string
	RetentionDays int
}

type AlertConfig struct {
	Workers        int
	QueueSize      int
	PushTimeout    time.Duration
	RetryBackoff   time.Duration
	WebhookPerHour int
	EmailPerHour   int
	MQTTPerHour    int
}

type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

type ArchiveConfig struct {
	Dir    string
	Prefix string
}

type R2Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	PublicBaseURL string
}

type PerceptionConfig struct {
	Enabled       bool
	MinConfidence float64
	MinIoU        float64
	MaxMisses     int
}

type CoordinatorConfig struct {
	StoreBufferSize int
	FrameQueueSize  int
}

type Config struct {
	Environment string
	LogLevel    string
	HTTP        HTTPConfig
	DB          DBConfig
	Auth        AuthConfig
	Calibration CalibrationConfig
	Speed       SpeedConfig
	Trajectory  TrajectoryConfig
	Violation   ViolationConfig
	Alert       AlertConfig
	Webhook     WebhookConfig
	SMTP        SMTPConfig
	MQTT        MQTTConfig
	Archive     ArchiveConfig
	R2          R2Config
	Perception  PerceptionConfig
	Coordinator CoordinatorConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()
	setDefaults(v)

	_ = v.ReadInConfig()

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", time.Hour)

	v.SetDefault("CALIBRATION_DIR", "./data/calibration")
	v.SetDefault("CALIBRATION_MAX_ERROR_M", 0.5)
	v.SetDefault("CALIBRATION_INLIER_THRESHOLD_M", 0.5)

	v.SetDefault("SPEED_MIN_DISTANCE_M", 5.0)
	v.SetDefault("SPEED_MIN_TIME", 500*time.Millisecond)
	v.SetDefault("SPEED_FULL_CONFIDENCE_TIME", time.Second)
	v.SetDefault("SPEED_DEFAULT_LIMIT_KMH", 60.0)
	v.SetDefault("SPEED_TOLERANCE_KMH", 5.0)

	v.SetDefault("TRAJECTORY_MAX_TRACKS", 1000)
	v.SetDefault("TRAJECTORY_MAX_POINTS", 100)
	v.SetDefault("TRAJECTORY_STALE_AFTER", 300*time.Second)
	v.SetDefault("TRAJECTORY_SWEEP_EVERY", 30*time.Second)

	v.SetDefault("VIOLATION_MIN_CONFIDENCE", 0.7)
	v.SetDefault("VIOLATION_RETENTION_DAYS", 90)

	v.SetDefault("ALERT_WORKERS", 3)
	v.SetDefault("ALERT_QUEUE_SIZE", 1000)
	v.SetDefault("ALERT_PUSH_TIMEOUT", 2*time.Second)
	v.SetDefault("ALERT_RETRY_BACKOFF", 5*time.Second)
	v.SetDefault("ALERT_RATE_LIMIT_WEBHOOK", 100)
	v.SetDefault("ALERT_RATE_LIMIT_EMAIL", 50)
	v.SetDefault("ALERT_RATE_LIMIT_MQTT", 1000)

	v.SetDefault("WEBHOOK_TIMEOUT", 10*time.Second)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("MQTT_CLIENT_ID", "violation-service")
	v.SetDefault("MQTT_TOPIC", "traffic/violations")
	v.SetDefault("ARCHIVE_DIR", "./data/archive")
	v.SetDefault("ARCHIVE_PREFIX", "violations")

	v.SetDefault("PERCEPTION_ENABLED", true)
	v.SetDefault("PERCEPTION_MIN_CONFIDENCE", 0.5)
	v.SetDefault("PERCEPTION_MIN_IOU", 0.3)
	v.SetDefault("PERCEPTION_MAX_MISSES", 5)

	v.SetDefault("STORE_BUFFER_SIZE", 1000)
	v.SetDefault("FRAME_QUEUE_SIZE", 64)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Auth: AuthConfig{
			AccessSecret: v.GetString("JWT_ACCESS_SECRET"),
		},
		Calibration: CalibrationConfig{
			Dir:              v.GetString("CALIBRATION_DIR"),
			MaxErrorM:        v.GetFloat64("CALIBRATION_MAX_ERROR_M"),
			InlierThresholdM: v.GetFloat64("CALIBRATION_INLIER_THRESHOLD_M"),
		},
		Speed: SpeedConfig{
			MinDistanceM:       v.GetFloat64("SPEED_MIN_DISTANCE_M"),
			MinTime:            v.GetDuration("SPEED_MIN_TIME"),
			FullConfidenceTime: v.GetDuration("SPEED_FULL_CONFIDENCE_TIME"),
			DefaultLimitKmh:    v.GetFloat64("SPEED_DEFAULT_LIMIT_KMH"),
			ToleranceKmh:       v.GetFloat64("SPEED_TOLERANCE_KMH"),
		},
		Trajectory: TrajectoryConfig{
			MaxTracks:  v.GetInt("TRAJECTORY_MAX_TRACKS"),
			MaxPoints:  v.GetInt("TRAJECTORY_MAX_POINTS"),
			StaleAfter: v.GetDuration("TRAJECTORY_STALE_AFTER"),
			SweepEvery: v.GetDuration("TRAJECTORY_SWEEP_EVERY"),
		},
		Violation: ViolationConfig{
			MinConfidence: v.GetFloat64("VIOLATION_MIN_CONFIDENCE"),
			RulesFile:     v.GetString("VIOLATION_RULES_FILE"),
			RetentionDays: v.GetInt("VIOLATION_RETENTION_DAYS"),
		},
		Alert: AlertConfig{
			Workers:        v.GetInt("ALERT_WORKERS"),
			QueueSize:      v.GetInt("ALERT_QUEUE_SIZE"),
			PushTimeout:    v.GetDuration("ALERT_PUSH_TIMEOUT"),
			RetryBackoff:   v.GetDuration("ALERT_RETRY_BACKOFF"),
			WebhookPerHour: v.GetInt("ALERT_RATE_LIMIT_WEBHOOK"),
			EmailPerHour:   v.GetInt("ALERT_RATE_LIMIT_EMAIL"),
			MQTTPerHour:    v.GetInt("ALERT_RATE_LIMIT_MQTT"),
		},
		Webhook: WebhookConfig{
			URL:     v.GetString("WEBHOOK_URL"),
			Token:   v.GetString("WEBHOOK_TOKEN"),
			Timeout: v.GetDuration("WEBHOOK_TIMEOUT"),
		},
		SMTP: SMTPConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetInt("SMTP_PORT"),
			Username: v.GetString("SMTP_USERNAME"),
			Password: v.GetString("SMTP_PASSWORD"),
			From:     v.GetString("SMTP_FROM"),
			To:       splitList(v.GetString("SMTP_TO")),
		},
		MQTT: MQTTConfig{
			Broker:      v.GetString("MQTT_BROKER"),
			ClientID:    v.GetString("MQTT_CLIENT_ID"),
			Username:    v.GetString("MQTT_USERNAME"),
			Password:    v.GetString("MQTT_PASSWORD"),
			TopicPrefix: v.GetString("MQTT_TOPIC"),
		},
		Archive: ArchiveConfig{
			Dir:    v.GetString("ARCHIVE_DIR"),
			Prefix: v.GetString("ARCHIVE_PREFIX"),
		},
		R2: R2Config{
			Endpoint:      strings.TrimSpace(v.GetString("R2_ENDPOINT")),
			AccessKey:     strings.TrimSpace(v.GetString("R2_ACCESS_KEY_ID")),
			SecretKey:     strings.TrimSpace(v.GetString("R2_SECRET_ACCESS_KEY")),
			Bucket:        strings.TrimSpace(v.GetString("R2_BUCKET")),
			Region:        strings.TrimSpace(v.GetString("R2_REGION")),
			PublicBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("R2_PUBLIC_BASE_URL")), "/"),
		},
		Perception: PerceptionConfig{
			Enabled:       v.GetBool("PERCEPTION_ENABLED"),
			MinConfidence: v.GetFloat64("PERCEPTION_MIN_CONFIDENCE"),
			MinIoU:        v.GetFloat64("PERCEPTION_MIN_IOU"),
			MaxMisses:     v.GetInt("PERCEPTION_MAX_MISSES"),
		},
		Coordinator: CoordinatorConfig{
			StoreBufferSize: v.GetInt("STORE_BUFFER_SIZE"),
			FrameQueueSize:  v.GetInt("FRAME_QUEUE_SIZE"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if cfg.Auth.AccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.Calibration.MaxErrorM <= 0 {
		return fmt.Errorf("CALIBRATION_MAX_ERROR_M must be positive")
	}
	if cfg.Speed.MinDistanceM <= 0 || cfg.Speed.MinTime <= 0 {
		return fmt.Errorf("SPEED_MIN_DISTANCE_M and SPEED_MIN_TIME must be positive")
	}
	if cfg.Speed.DefaultLimitKmh <= 0 {
		return fmt.Errorf("SPEED_DEFAULT_LIMIT_KMH must be positive")
	}
	if cfg.Violation.MinConfidence < 0 || cfg.Violation.MinConfidence > 1 {
		return fmt.Errorf("VIOLATION_MIN_CONFIDENCE must be within [0,1]")
	}
	if cfg.Alert.Workers < 2 || cfg.Alert.Workers > 4 {
		return fmt.Errorf("ALERT_WORKERS must be between 2 and 4")
	}
	if cfg.SMTP.Host != "" && (cfg.SMTP.From == "" || len(cfg.SMTP.To) == 0) {
		return fmt.Errorf("SMTP_FROM and SMTP_TO are required when SMTP_HOST is set")
	}
	return nil
}
