package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/blobstore"
	"github.com/MarkoPoloResearchLab/mileage/internal/httpapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "MILEAGE"

	flagConfig             = "config"
	flagDatabaseURL        = "database-url"
	flagStore              = "store"
	flagAutoMigrate        = "auto-migrate"
	flagConsistencyCheck   = "consistency-check"
	flagMaxAttempts        = "max-attempts"
	flagListenAddr         = "listen-addr"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagRateLimit          = "rate-limit"
	flagCachePurgeInterval = "cache-purge-interval"
	flagJWTSecret          = "jwt-secret"
	flagTokenValidity      = "token-validity"
	flagAdminLogins        = "admin-logins"
	flagGitHubClientID     = "github-client-id"
	flagGitHubClientSecret = "github-client-secret"
	flagGitHubRedirectURL  = "github-redirect-url"
	flagNotionAPIKey       = "notion-api-key"
	flagNotionDatabaseID   = "notion-database-id"
	flagS3Bucket           = "s3-bucket"
	flagS3Region           = "s3-region"
	flagS3Endpoint         = "s3-endpoint"
	flagS3AccessKeyID      = "s3-access-key-id"
	flagS3SecretAccessKey  = "s3-secret-access-key"
	flagS3UsePathStyle     = "s3-use-path-style"
	flagAuditPageSize      = "page-size"

	storeGorm = "gorm"
	storePgx  = "pgx"

	defaultDatabaseURL        = "sqlite:///tmp/mileage.db"
	defaultCachePurgeInterval = 10 * time.Minute
	defaultAuditPageSize      = 500
	defaultMaxAttempts        = 5
)

// databaseConfig is shared by the server and the audit command.
type databaseConfig struct {
	DatabaseURL      string
	Store            string
	AutoMigrate      bool
	ConsistencyCheck bool
	MaxAttempts      int
}

type serverConfig struct {
	Database           databaseConfig
	HTTP               httpapi.Config
	GRPCListenAddr     string
	CachePurgeInterval time.Duration
	JWTSecret          string
	TokenValidity      time.Duration
	AdminLogins        []string
	GitHubClientID     string
	GitHubClientSecret string
	GitHubRedirectURL  string
	NotionAPIKey       string
	NotionDatabaseID   string
	Storage            blobstore.Config
}

type auditConfig struct {
	Database databaseConfig
	PageSize int
}

func (cfg *databaseConfig) Validate() error {
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if cfg.Store == "" {
		cfg.Store = storeGorm
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	switch cfg.Store {
	case storeGorm:
	case storePgx:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("%s=%s requires a postgres database url", flagStore, storePgx)
		}
	default:
		return fmt.Errorf("unsupported %s %q (want %s or %s)", flagStore, cfg.Store, storeGorm, storePgx)
	}
	return nil
}

func (cfg *serverConfig) Validate() error {
	if err := cfg.Database.Validate(); err != nil {
		return err
	}
	if err := cfg.HTTP.Validate(); err != nil {
		return err
	}
	if cfg.CachePurgeInterval <= 0 {
		cfg.CachePurgeInterval = defaultCachePurgeInterval
	}
	required := []struct {
		flag  string
		value string
	}{
		{flagJWTSecret, cfg.JWTSecret},
		{flagGitHubClientID, cfg.GitHubClientID},
		{flagGitHubClientSecret, cfg.GitHubClientSecret},
		{flagNotionAPIKey, cfg.NotionAPIKey},
		{flagNotionDatabaseID, cfg.NotionDatabaseID},
		{flagS3Bucket, cfg.Storage.Bucket},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.flag)
		}
	}
	return nil
}

func (cfg *auditConfig) Validate() error {
	if err := cfg.Database.Validate(); err != nil {
		return err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultAuditPageSize
	}
	return nil
}

func addDatabaseFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "optional config file (yaml, json, toml or env)")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "postgres:// URL or sqlite path")
	flags.String(flagStore, storeGorm, "ledger store backend: gorm or pgx")
	flags.Bool(flagAutoMigrate, true, "create or update the schema on startup")
	flags.Bool(flagConsistencyCheck, true, "verify the balance against the transaction log after every mutation")
	flags.Int(flagMaxAttempts, defaultMaxAttempts, "commit attempts per mutation on balance conflicts")
}

func addServerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC listen address; empty disables the gRPC server")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Int64(flagRateLimit, 100, "requests per client per minute")
	flags.Duration(flagCachePurgeInterval, defaultCachePurgeInterval, "how often expired cache entries are deleted")
	flags.String(flagJWTSecret, "", "HS256 session token secret (required)")
	flags.Duration(flagTokenValidity, 7*24*time.Hour, "session token lifetime")
	flags.String(flagAdminLogins, "", "comma-separated GitHub logins granted the admin role")
	flags.String(flagGitHubClientID, "", "GitHub OAuth client id (required)")
	flags.String(flagGitHubClientSecret, "", "GitHub OAuth client secret (required)")
	flags.String(flagGitHubRedirectURL, "", "GitHub OAuth redirect URL")
	flags.String(flagNotionAPIKey, "", "Notion integration token (required)")
	flags.String(flagNotionDatabaseID, "", "Notion resource database id (required)")
	flags.String(flagS3Bucket, "", "resource bucket (required)")
	flags.String(flagS3Region, "auto", "bucket region")
	flags.String(flagS3Endpoint, "", "S3-compatible endpoint, e.g. https://<account>.r2.cloudflarestorage.com")
	flags.String(flagS3AccessKeyID, "", "bucket access key id")
	flags.String(flagS3SecretAccessKey, "", "bucket secret access key")
	flags.Bool(flagS3UsePathStyle, false, "use path-style bucket addressing")
}

// newViper binds every flag of cmd to MILEAGE_* env vars and the optional config file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if configFile := strings.TrimSpace(v.GetString(flagConfig)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

func readDatabaseConfig(v *viper.Viper) databaseConfig {
	return databaseConfig{
		DatabaseURL:      v.GetString(flagDatabaseURL),
		Store:            v.GetString(flagStore),
		AutoMigrate:      v.GetBool(flagAutoMigrate),
		ConsistencyCheck: v.GetBool(flagConsistencyCheck),
		MaxAttempts:      v.GetInt(flagMaxAttempts),
	}
}

func loadServerConfig(cmd *cobra.Command, cfg *serverConfig) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	cfg.Database = readDatabaseConfig(v)
	cfg.HTTP = httpapi.Config{
		ListenAddr:     strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins: httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		RateLimit:      v.GetInt64(flagRateLimit),
	}
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.CachePurgeInterval = v.GetDuration(flagCachePurgeInterval)
	cfg.JWTSecret = v.GetString(flagJWTSecret)
	cfg.TokenValidity = v.GetDuration(flagTokenValidity)
	cfg.AdminLogins = splitCommaList(v.GetString(flagAdminLogins))
	cfg.GitHubClientID = strings.TrimSpace(v.GetString(flagGitHubClientID))
	cfg.GitHubClientSecret = v.GetString(flagGitHubClientSecret)
	cfg.GitHubRedirectURL = strings.TrimSpace(v.GetString(flagGitHubRedirectURL))
	cfg.NotionAPIKey = v.GetString(flagNotionAPIKey)
	cfg.NotionDatabaseID = strings.TrimSpace(v.GetString(flagNotionDatabaseID))
	cfg.Storage = blobstore.Config{
		Bucket:          strings.TrimSpace(v.GetString(flagS3Bucket)),
		Region:          strings.TrimSpace(v.GetString(flagS3Region)),
		Endpoint:        strings.TrimSpace(v.GetString(flagS3Endpoint)),
		AccessKeyID:     v.GetString(flagS3AccessKeyID),
		SecretAccessKey: v.GetString(flagS3SecretAccessKey),
		UsePathStyle:    v.GetBool(flagS3UsePathStyle),
	}
	return cfg.Validate()
}

func loadAuditConfig(cmd *cobra.Command, cfg *auditConfig) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	cfg.Database = readDatabaseConfig(v)
	cfg.PageSize = v.GetInt(flagAuditPageSize)
	return cfg.Validate()
}

func splitCommaList(raw string) []string {
	values := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
