package config

import "time"

// ServerConfig holds runtime configuration for the control-plane process.
type ServerConfig struct {
	Environment         string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	TokenSecret         string
	TokenTTL            time.Duration
	AdminToken          string
	SecretSealKey       string
	MaxConcurrentBuilds int
	BuildWaitTimeout    time.Duration
	PublicAPIURL        string
	FleetURL            string
	FleetToken          string
	FleetProvisioner    string
	BuilderImage        string
	DispatchURL         string
	DispatchToken       string
	DispatchNamespace   string
	S3Endpoint          string
	S3Region            string
	S3Bucket            string
	S3AccessKeyID       string
	S3SecretAccessKey   string
	S3UseTLS            bool
	STSEndpoint         string
	GitHubAPIURL        string
	GitHubToken         string
	LogLevel            string
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
	EventBuffer         int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://skiff:skiff@db:5432/skiff?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		TokenSecret:         GetString("DEPLOY_TOKEN_SECRET", "supersecuresecret"),
		TokenTTL:            time.Duration(GetInt("DEPLOY_TOKEN_TTL_MIN", 10)) * time.Minute,
		AdminToken:          GetString("ADMIN_TOKEN", ""),
		SecretSealKey:       GetString("SECRET_SEAL_KEY", "supersecuresecret"),
		MaxConcurrentBuilds: GetInt("MAX_CONCURRENT_BUILDS", 1),
		BuildWaitTimeout:    time.Duration(GetInt("BUILD_WAIT_TIMEOUT_MIN", 30)) * time.Minute,
		PublicAPIURL:        GetString("PUBLIC_API_URL", "http://api:4000"),
		FleetURL:            GetString("FLEET_URL", "http://fleet:6000"),
		FleetToken:          GetString("FLEET_TOKEN", ""),
		FleetProvisioner:    GetString("FLEET_PROVISIONER", "http"),
		BuilderImage:        GetString("BUILDER_IMAGE", "skiff/builder:latest"),
		DispatchURL:         GetString("DISPATCH_URL", "http://dispatch:7000"),
		DispatchToken:       GetString("DISPATCH_TOKEN", ""),
		DispatchNamespace:   GetString("DISPATCH_NAMESPACE", "skiff-production"),
		S3Endpoint:          GetString("S3_ENDPOINT", "storage:9000"),
		S3Region:            GetString("S3_REGION", "us-east-1"),
		S3Bucket:            GetString("S3_BUCKET", "skiff-artifacts"),
		S3AccessKeyID:       GetString("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:   GetString("S3_SECRET_ACCESS_KEY", ""),
		S3UseTLS:            GetBool("S3_USE_TLS", false),
		STSEndpoint:         GetString("STS_ENDPOINT", ""),
		GitHubAPIURL:        GetString("GITHUB_API_URL", "https://api.github.com"),
		GitHubToken:         GetString("GITHUB_TOKEN", ""),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
		EventBuffer:         GetInt("WS_EVENT_BUFFER", 100),
	}
}
