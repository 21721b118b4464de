package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const minJWTSecretLength = 32

type Config struct {
	AppEnv        string `env:"APP_ENV" env-default:"development"`
	Port          string `env:"PORT" env-default:"8080"`
	DatabaseURL   string `env:"DATABASE_URL" env-required:"true"`
	SentryDSN     string `env:"SENTRY_DSN"`
	RunMigrations bool   `env:"RUN_MIGRATIONS_ON_STARTUP" env-default:"true"`

	DB          DBConfig
	JWT         JWTConfig
	Auth        AuthConfig
	BruteForce  BruteForceConfig
	Admin       AdminConfig
	Maintenance MaintenanceConfig

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" env-separator:","`
	// TrustedProxies lists CIDRs or addresses whose X-Forwarded-For is honored.
	TrustedProxies []string `env:"TRUSTED_PROXIES" env-separator:","`
}

type DBConfig struct {
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"10"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"30m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" env-default:"10m"`
}

type JWTConfig struct {
	Secret    string        `env:"JWT_SECRET" env-required:"true"`
	Issuer    string        `env:"JWT_ISSUER" env-default:"garden-api"`
	Audience  string        `env:"JWT_AUDIENCE" env-default:"garden-clients"`
	AccessTTL time.Duration `env:"ACCESS_TOKEN_TTL" env-default:"15m"`
}

type AuthConfig struct {
	RefreshTTL          time.Duration `env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	RememberMeTTL       time.Duration `env:"REMEMBER_ME_TTL" env-default:"720h"`
	LoginMaxAttempts    int           `env:"LOGIN_MAX_ATTEMPTS" env-default:"5"`
	LoginLockDuration   time.Duration `env:"LOGIN_LOCK_DURATION" env-default:"15m"`
	TwoFactorIssuer     string        `env:"TWO_FACTOR_ISSUER" env-default:"Botanical Garden"`
	TwoFactorPendingTTL time.Duration `env:"TWO_FACTOR_PENDING_TTL" env-default:"5m"`
	CookieSecure        bool          `env:"REFRESH_COOKIE_SECURE" env-default:"true"`
}

type BruteForceConfig struct {
	MaxRequests   int           `env:"BRUTE_FORCE_MAX_REQUESTS" env-default:"60"`
	Window        time.Duration `env:"BRUTE_FORCE_WINDOW" env-default:"1m"`
	BlockDuration time.Duration `env:"BRUTE_FORCE_BLOCK_DURATION" env-default:"15m"`
	Routes        []string      `env:"BRUTE_FORCE_ROUTES" env-separator:"," env-default:"/auth/login,/auth/verify-2fa,/auth/refresh-token"`
}

type AdminConfig struct {
	Username string `env:"ADMIN_USERNAME"`
	Email    string `env:"ADMIN_EMAIL"`
	Password string `env:"ADMIN_PASSWORD"`
}

type MaintenanceConfig struct {
	CronSecret       string        `env:"CRON_SECRET"`
	CleanupSchedule  string        `env:"CLEANUP_SCHEDULE" env-default:"@every 1h"`
	RefreshRetention time.Duration `env:"AUTH_REFRESH_TOKEN_RETENTION" env-default:"336h"`
	LogRetention     time.Duration `env:"AUTH_LOG_RETENTION" env-default:"2160h"`
	BatchSize        int           `env:"AUTH_CLEANUP_BATCH_SIZE" env-default:"500"`
}

type Options struct {
	LoadDotEnv bool
}

func Load(options Options) (*Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func normalize(cfg *Config) {
	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))
	cfg.Port = strings.TrimSpace(cfg.Port)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.JWT.Secret = strings.TrimSpace(cfg.JWT.Secret)
	cfg.JWT.Issuer = strings.TrimSpace(cfg.JWT.Issuer)
	cfg.JWT.Audience = strings.TrimSpace(cfg.JWT.Audience)
	cfg.Admin.Username = strings.ToLower(strings.TrimSpace(cfg.Admin.Username))
	cfg.Admin.Email = strings.ToLower(strings.TrimSpace(cfg.Admin.Email))
	cfg.Maintenance.CronSecret = strings.TrimSpace(cfg.Maintenance.CronSecret)

	routes := make([]string, 0, len(cfg.BruteForce.Routes))
	for _, route := range cfg.BruteForce.Routes {
		route = strings.ToLower(strings.TrimSpace(route))
		if route != "" {
			routes = append(routes, route)
		}
	}
	cfg.BruteForce.Routes = routes

	origins := make([]string, 0, len(cfg.CORSAllowedOrigins))
	for _, origin := range cfg.CORSAllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.CORSAllowedOrigins = origins

	proxies := make([]string, 0, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		if proxy = strings.TrimSpace(proxy); proxy != "" {
			proxies = append(proxies, proxy)
		}
	}
	cfg.TrustedProxies = proxies
}

func Validate(cfg *Config) error {
	var errs []error
	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(cfg.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength))
	}
	if cfg.JWT.Issuer == "" || cfg.JWT.Audience == "" {
		errs = append(errs, errors.New("JWT_ISSUER and JWT_AUDIENCE must not be empty"))
	}
	if cfg.JWT.AccessTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be positive"))
	}
	if cfg.Auth.RefreshTTL <= 0 || cfg.Auth.RememberMeTTL <= 0 {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL and REMEMBER_ME_TTL must be positive"))
	}
	if cfg.Auth.LoginMaxAttempts <= 0 || cfg.Auth.LoginLockDuration <= 0 {
		errs = append(errs, errors.New("LOGIN_MAX_ATTEMPTS and LOGIN_LOCK_DURATION must be positive"))
	}
	if cfg.BruteForce.MaxRequests <= 0 || cfg.BruteForce.Window <= 0 || cfg.BruteForce.BlockDuration <= 0 {
		errs = append(errs, errors.New("brute force limits must be positive"))
	}
	if cfg.IsProduction() && !cfg.Auth.CookieSecure {
		errs = append(errs, errors.New("REFRESH_COOKIE_SECURE cannot be disabled in production"))
	}
	admin := cfg.Admin
	if (admin.Username != "" || admin.Password != "") && (admin.Username == "" || admin.Password == "" || admin.Email == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together"))
	}
	return errors.Join(errs...)
}
