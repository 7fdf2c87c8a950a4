package config

import (
	"fmt"
	"time"

	"secureconnect-callcore/pkg/constants"
	"secureconnect-callcore/pkg/env"
)

// Signaling backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// DefaultSTUNServer is used when no ICE servers are configured
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Config holds all configuration for the call agent
type Config struct {
	Server    ServerConfig
	Signaling SignalingConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Firestore FirestoreConfig
	WebRTC    WebRTCConfig
	Call      CallConfig
	JWT       JWTConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Environment     string // development, staging, production
	ServiceName     string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// SignalingConfig selects the store that carries sessions and signals
type SignalingConfig struct {
	Backend string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	Timeout   time.Duration
	KeyPrefix string
}

// FirestoreConfig holds Firebase project configuration
type FirestoreConfig struct {
	ProjectID       string
	CredentialsPath string
	Collection      string
}

// WebRTCConfig holds peer connection configuration
type WebRTCConfig struct {
	ICEServers         []string
	TURNUsername       string
	TURNCredential     string
	ICETransportPolicy string // all, relay
	DisconnectedAfter  time.Duration
	FailedAfter        time.Duration
}

// CallConfig holds call coordination tuning
type CallConfig struct {
	AgentUserID      string
	IncomingWindow   time.Duration
	OperationTimeout time.Duration
	StreamBuffer     int
	CandidateBuffer  int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8085),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-agent"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}),
			ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", constants.GracefulShutdownTimeout),
		},
		Signaling: SignalingConfig{
			Backend: env.GetString("SIGNALING_BACKEND", BackendMemory),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 5432),
			User:     env.GetString("DB_USER", "postgres"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "secureconnect"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 10),
			MinConns: env.GetInt("DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Host:      env.GetString("REDIS_HOST", "localhost"),
			Port:      env.GetInt("REDIS_PORT", 6379),
			Password:  env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:        env.GetInt("REDIS_DB", 0),
			PoolSize:  env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:   env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
			KeyPrefix: env.GetString("REDIS_KEY_PREFIX", "callcore"),
		},
		Firestore: FirestoreConfig{
			ProjectID:       env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
			CredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", env.GetString("GOOGLE_APPLICATION_CREDENTIALS", "")),
			Collection:      env.GetString("FIRESTORE_CALLS_COLLECTION", "calls"),
		},
		WebRTC: WebRTCConfig{
			ICEServers:         env.GetSlice("WEBRTC_ICE_SERVERS", []string{DefaultSTUNServer}),
			TURNUsername:       env.GetString("WEBRTC_TURN_USERNAME", ""),
			TURNCredential:     env.GetStringFromFile("WEBRTC_TURN_CREDENTIAL", ""),
			ICETransportPolicy: env.GetString("WEBRTC_ICE_TRANSPORT_POLICY", "all"),
			DisconnectedAfter:  env.GetDuration("WEBRTC_ICE_DISCONNECTED_TIMEOUT", 30*time.Second),
			FailedAfter:        env.GetDuration("WEBRTC_ICE_FAILED_TIMEOUT", 120*time.Second),
		},
		Call: CallConfig{
			AgentUserID:      env.GetString("AGENT_USER_ID", ""),
			IncomingWindow:   env.GetDuration("CALL_INCOMING_WINDOW", constants.IncomingCallWindow),
			OperationTimeout: env.GetDuration("CALL_OPERATION_TIMEOUT", 15*time.Second),
			StreamBuffer:     env.GetInt("CALL_STREAM_BUFFER", 64),
			CandidateBuffer:  env.GetInt("CALL_CANDIDATE_BUFFER", 64),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-agent.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Signaling.Backend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendFirestore:
	default:
		return fmt.Errorf("SIGNALING_BACKEND must be one of memory, redis, postgres, firestore (got %q)", c.Signaling.Backend)
	}

	if c.Signaling.Backend == BackendFirestore && c.Firestore.ProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID must be set for the firestore backend")
	}

	if c.Call.AgentUserID == "" {
		return fmt.Errorf("AGENT_USER_ID must be set")
	}

	if c.Call.IncomingWindow <= 0 {
		return fmt.Errorf("CALL_INCOMING_WINDOW must be positive")
	}

	switch c.WebRTC.ICETransportPolicy {
	case "all", "relay":
	default:
		return fmt.Errorf("WEBRTC_ICE_TRANSPORT_POLICY must be all or relay")
	}

	if c.Server.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Signaling.Backend == BackendMemory {
			return fmt.Errorf("memory signaling backend is not allowed in production")
		}
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}

	return nil
}

// RedisAddr returns the host:port address of Redis
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
