package config

// GatewayConfig is the full configuration for the relay gateway. The
// ceremony worker loads the same struct; both processes talk to the same
// daemons and stores.
type GatewayConfig struct {
	App       AppConfig       `toml:"app"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Nostr     NostrConfig     `toml:"nostr"`
	Arkd      DaemonConfig    `toml:"arkd" env-prefix:"ARK_RELAY_ARKD_"`
	Tapd      DaemonConfig    `toml:"tapd" env-prefix:"ARK_RELAY_TAPD_"`
	Lnd       DaemonConfig    `toml:"lnd" env-prefix:"ARK_RELAY_LND_"`
	RPC       RPCConfig       `toml:"rpc"`
	Session   SessionConfig   `toml:"session"`
	Vtxo      VtxoConfig      `toml:"vtxo"`
	Lightning LightningConfig `toml:"lightning"`
	Cache     CacheConfig     `toml:"cache"`
}

type AppConfig struct {
	Environment string `toml:"environment" env:"ARK_RELAY_ENVIRONMENT" env-default:"development"`

	// Network is the bitcoin network all three daemons must be on.
	Network string `toml:"network" env:"ARK_RELAY_NETWORK" env-default:"regtest"`
}

type DatabaseConfig struct {
	Host            string `toml:"host" env:"ARK_RELAY_DB_HOST"`
	Port            string `toml:"port" env:"ARK_RELAY_DB_PORT" env-default:"5432"`
	User            string `toml:"user" env:"ARK_RELAY_DB_USER"`
	Password        string `toml:"password" env:"ARK_RELAY_DB_PASSWORD"`
	DB              string `toml:"db" env:"ARK_RELAY_DB_NAME"`
	SslMode         string `toml:"ssl_mode" env:"ARK_RELAY_DB_SSL_MODE" env-default:"disable"`
	MaxConns        int    `toml:"max_conns" env:"ARK_RELAY_DB_MAX_CONNS" env-default:"25"`
	MinConns        int    `toml:"min_conns" env:"ARK_RELAY_DB_MIN_CONNS" env-default:"5"`
	MaxConnLifetime int    `toml:"max_conn_lifetime" env:"ARK_RELAY_DB_MAX_CONN_LIFETIME" env-default:"5"`
	MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"ARK_RELAY_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
}

type RedisConfig struct {
	Host     string `toml:"host" env:"ARK_RELAY_REDIS_HOST"`
	Port     string `toml:"port" env:"ARK_RELAY_REDIS_PORT" env-default:"6379"`
	Password string `toml:"password" env:"ARK_RELAY_REDIS_PASSWORD"`
	DB       int    `toml:"db" env:"ARK_RELAY_REDIS_DB" env-default:"0"`
}

type NostrConfig struct {
	RelayURLs []string `toml:"relay_urls" env:"ARK_RELAY_NOSTR_RELAY_URLS" env-separator:","`

	// IdentityKey is the gateway signing key, hex or nsec encoded. Prefer
	// the encrypted keystore below; if both are empty an ephemeral key is
	// generated at startup.
	IdentityKey string `toml:"-" env:"ARK_RELAY_NOSTR_IDENTITY_KEY"`

	KeystoreFile       string `toml:"keystore_file" env:"ARK_RELAY_NOSTR_KEYSTORE_FILE"`
	KeystorePassphrase string `toml:"-" env:"ARK_RELAY_NOSTR_KEYSTORE_PASSPHRASE"`
}

// DaemonConfig holds the gRPC connection settings shared by all three
// back-end daemons. Env names are composed from the per-daemon prefix.
type DaemonConfig struct {
	Host         string `toml:"host" env:"HOST"`
	TLSCertPath  string `toml:"tls_cert_path" env:"TLS_CERT_PATH"`
	MacaroonPath string `toml:"macaroon_path" env:"MACAROON_PATH"`
}

type RPCConfig struct {
	MaxMsgBytes            int `toml:"max_msg_bytes" env:"ARK_RELAY_RPC_MAX_MSG_BYTES" env-default:"4194304"`
	TimeoutSeconds         int `toml:"timeout_seconds" env:"ARK_RELAY_RPC_TIMEOUT_SECONDS" env-default:"30"`
	KeepaliveSeconds       int `toml:"keepalive_seconds" env:"ARK_RELAY_RPC_KEEPALIVE_SECONDS" env-default:"30"`
	BreakerThreshold       int `toml:"breaker_threshold" env:"ARK_RELAY_RPC_BREAKER_THRESHOLD" env-default:"5"`
	BreakerRecoverySeconds int `toml:"breaker_recovery_seconds" env:"ARK_RELAY_RPC_BREAKER_RECOVERY_SECONDS" env-default:"60"`
	RetryMaxAttempts       int `toml:"retry_max_attempts" env:"ARK_RELAY_RPC_RETRY_MAX_ATTEMPTS" env-default:"3"`
	RetryBaseDelaySeconds  int `toml:"retry_base_delay_seconds" env:"ARK_RELAY_RPC_RETRY_BASE_DELAY_SECONDS" env-default:"1"`
	HealthIntervalSeconds  int `toml:"health_interval_seconds" env:"ARK_RELAY_RPC_HEALTH_INTERVAL_SECONDS" env-default:"30"`
}

type SessionConfig struct {
	TimeoutMinutes          int `toml:"timeout_minutes" env:"ARK_RELAY_SESSION_TIMEOUT_MINUTES" env-default:"30"`
	ChallengeTimeoutMinutes int `toml:"challenge_timeout_minutes" env:"ARK_RELAY_CHALLENGE_TIMEOUT_MINUTES" env-default:"5"`
	MaxConcurrent           int `toml:"max_concurrent" env:"ARK_RELAY_MAX_CONCURRENT_SESSIONS" env-default:"100"`
	SweepIntervalSeconds    int `toml:"sweep_interval_seconds" env:"ARK_RELAY_SESSION_SWEEP_INTERVAL_SECONDS" env-default:"30"`
}

type VtxoConfig struct {
	ExpirationHours      int     `toml:"expiration_hours" env:"ARK_RELAY_VTXO_EXPIRATION_HOURS" env-default:"24"`
	MinAmount            int64   `toml:"min_amount" env:"ARK_RELAY_VTXO_MIN_AMOUNT" env-default:"1000"`
	MinPoolSize          int     `toml:"min_pool_size" env:"ARK_RELAY_VTXO_MIN_POOL_SIZE" env-default:"10"`
	DefaultAmount        int64   `toml:"default_amount" env:"ARK_RELAY_VTXO_DEFAULT_AMOUNT" env-default:"100000"`
	ReplenishBatchMax    int     `toml:"replenish_batch_max" env:"ARK_RELAY_VTXO_REPLENISH_BATCH_MAX" env-default:"100"`
	CheckIntervalMinutes int     `toml:"check_interval_minutes" env:"ARK_RELAY_VTXO_CHECK_INTERVAL_MINUTES" env-default:"5"`
	UtilizationThreshold float64 `toml:"utilization_threshold" env:"ARK_RELAY_VTXO_UTILIZATION_THRESHOLD" env-default:"0.3"`
	SettleIntervalHours  int     `toml:"settle_interval_hours" env:"ARK_RELAY_VTXO_SETTLE_INTERVAL_HOURS" env-default:"1"`
}

type LightningConfig struct {
	FeeSatsPerVbyte      int64   `toml:"fee_sats_per_vbyte" env:"ARK_RELAY_FEE_SATS_PER_VBYTE" env-default:"2"`
	FeePercentage        float64 `toml:"fee_percentage" env:"ARK_RELAY_FEE_PERCENTAGE" env-default:"0.1"`
	InvoiceExpirySeconds int64   `toml:"invoice_expiry_seconds" env:"ARK_RELAY_INVOICE_EXPIRY_SECONDS" env-default:"3600"`
	MonitorPollSeconds   int     `toml:"monitor_poll_seconds" env:"ARK_RELAY_MONITOR_POLL_SECONDS" env-default:"5"`
	PaymentTimeoutSecs   int32   `toml:"payment_timeout_seconds" env:"ARK_RELAY_PAYMENT_TIMEOUT_SECONDS" env-default:"60"`
}

type CacheConfig struct {
	TTLSeconds   int   `toml:"ttl_seconds" env:"ARK_RELAY_CACHE_TTL_SECONDS" env-default:"300"`
	EventLogSize int64 `toml:"event_log_size" env:"ARK_RELAY_EVENT_LOG_SIZE" env-default:"1000"`
}
