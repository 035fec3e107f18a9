package config

import (
	"os"
	"strings"
	"time"
)

// ClockPolicy decides what issuance does when the local clock cannot be
// confirmed synchronized against the external reference.
type ClockPolicy string

const (
	// ClockPolicyWarn lets issuance proceed and logs a warning. Default.
	ClockPolicyWarn ClockPolicy = "warn"
	// ClockPolicyBlock refuses issuance while the clock is unsynchronized
	// or unverifiable.
	ClockPolicyBlock ClockPolicy = "block"
)

// Server captures process-level configuration for the ledger service.
type Server struct {
	Addr          string
	JWTSigningKey string

	// StoreDriver selects the persistence collaborator: memory, sqlite or
	// postgres.
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	// StoreTimeout bounds every storage transaction.
	StoreTimeout time.Duration

	// SigningSecret is the issuer key material for record signatures.
	// Empty means signing is unavailable and issuance fails closed.
	SigningSecret string
	// IssuerID is the fiscal id the deployment issues invoices under.
	IssuerID string
	// IssuerName is the legal name printed alongside the fiscal id.
	IssuerName string

	// Series is the default invoice series tag (short uppercase).
	Series string

	// VerificationURL is the base URL embedded in QR payloads.
	VerificationURL string

	// NTPServers are the external clock references, comma separated.
	NTPServers  []string
	ClockPolicy ClockPolicy

	// SummaryInterval is the cadence of event log rollups.
	SummaryInterval time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	cfg := Server{
		Addr:            envOr("LEDGER_ADDR", ":8080"),
		JWTSigningKey:   envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		StoreDriver:     envOr("LEDGER_STORE", "memory"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      envOr("LEDGER_SQLITE_PATH", "./data/ledger.db"),
		SigningSecret:   os.Getenv("LEDGER_SIGNING_SECRET"),
		IssuerID:        os.Getenv("LEDGER_ISSUER_ID"),
		IssuerName:      os.Getenv("LEDGER_ISSUER_NAME"),
		Series:          envOr("LEDGER_SERIES", "FAC"),
		VerificationURL: envOr("LEDGER_VERIFICATION_URL", "https://verifactu.example/cgi/verify"),
		ClockPolicy:     ClockPolicyWarn,
		StoreTimeout:    10 * time.Second,
		SummaryInterval: 24 * time.Hour,
	}

	if os.Getenv("LEDGER_CLOCK_POLICY") == string(ClockPolicyBlock) {
		cfg.ClockPolicy = ClockPolicyBlock
	}
	if v := os.Getenv("LEDGER_STORE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StoreTimeout = d
		}
	}
	if v := os.Getenv("LEDGER_SUMMARY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SummaryInterval = d
		}
	}

	servers := envOr("LEDGER_NTP_SERVERS", "pool.ntp.org")
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.NTPServers = append(cfg.NTPServers, s)
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
