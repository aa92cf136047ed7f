package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/bikeshare-atlas/pipeline/internal/geo"
)

// DefaultStationDenylist are case-insensitive substrings of depot, test kiosk,
// valet and other internal station names that never carry real trips.
var DefaultStationDenylist = []string{
	"don't use", "dont use", "do not use",
	"nycbs depot", "nycbs test",
	"mobile 01", "mobile 02",
	"8d ops", "8d qc", "8d mobile",
	"gow tech", "tech shop", "ssp tech",
	"kiosk in a box", "mlswkiosk",
	"facility", "warehouse",
	"temp", ".temp",
	"deployment",
	"mtl-eco", "lab",
	"la metro", "demo",
}

// Config holds all configuration for the station resolution tools
type Config struct {
	// Storage and paths
	DatabasePath string
	ReferenceDir string
	LogsDir      string
	OutputDir    string

	// Runtime
	LogLevel           string
	Workers            int
	StrictCompleteness bool
	RetainRuns         int

	// Coordinate validity envelope
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64

	// Crosswalk tiers
	Tier1MaxM   float64
	Tier2MaxM   float64
	Tier2MinSim float64
	Tier3MaxM   float64
	Tier3MinSim float64

	// Identifier reuse detection
	ReuseDistanceM float64
	ReuseMinShare  float64

	// Live roster
	RosterURL    string
	RosterMaxAge time.Duration

	// Trip admissibility
	MinDuration     time.Duration
	MaxDuration     time.Duration
	StationDenylist []string

	// Mapping audit
	AuditDistanceM  float64
	AuditOutlierPct float64

	// Query API
	APIPort           string
	APIAllowedOrigins []string

	// Postgres export
	PostgresURL string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file is loaded first, then .env.local overrides it.
func Load() *Config {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg := &Config{
		DatabasePath: getEnv("SQLITE_DATABASE", "data/stations.db"),
		ReferenceDir: getEnv("REFERENCE_DIR", "reference"),
		LogsDir:      getEnv("LOGS_DIR", "logs"),
		OutputDir:    getEnv("OUTPUT_DIR", "data/processed"),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Workers:            getEnvInt("WORKERS", runtime.NumCPU()),
		StrictCompleteness: getEnvBool("STRICT_COMPLETENESS", false),
		RetainRuns:         getEnvInt("RETAIN_RUNS", 10),

		MinLat: getEnvFloat("ENVELOPE_MIN_LAT", -90),
		MaxLat: getEnvFloat("ENVELOPE_MAX_LAT", 90),
		MinLon: getEnvFloat("ENVELOPE_MIN_LON", -180),
		MaxLon: getEnvFloat("ENVELOPE_MAX_LON", 180),

		Tier1MaxM:   getEnvFloat("TIER1_MAX_M", 20),
		Tier2MaxM:   getEnvFloat("TIER2_MAX_M", 50),
		Tier2MinSim: getEnvFloat("TIER2_MIN_SIM", 0.5),
		Tier3MaxM:   getEnvFloat("TIER3_MAX_M", 150),
		Tier3MinSim: getEnvFloat("TIER3_MIN_SIM", 0.6),

		ReuseDistanceM: getEnvFloat("REUSE_DISTANCE_M", 250),
		ReuseMinShare:  getEnvFloat("REUSE_MIN_SHARE", 0.05),

		RosterURL:    getEnv("ROSTER_URL", ""),
		RosterMaxAge: time.Duration(getEnvInt("ROSTER_MAX_AGE_DAYS", 7)) * 24 * time.Hour,

		MinDuration:     time.Duration(getEnvInt("MIN_DURATION_SEC", 90)) * time.Second,
		MaxDuration:     time.Duration(getEnvInt("MAX_DURATION_SEC", 14400)) * time.Second,
		StationDenylist: getEnvList("STATION_DENYLIST", DefaultStationDenylist),

		AuditDistanceM:  getEnvFloat("AUDIT_DISTANCE_M", 200),
		AuditOutlierPct: getEnvFloat("AUDIT_OUTLIER_PCT", 0),

		APIPort:           getEnv("API_PORT", "8082"),
		APIAllowedOrigins: getEnvList("API_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),

		PostgresURL: getEnv("DATABASE_URL", ""),
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	return cfg
}

// Envelope returns the coordinate validity envelope
func (c *Config) Envelope() geo.Envelope {
	return geo.Envelope{MinLat: c.MinLat, MaxLat: c.MaxLat, MinLon: c.MinLon, MaxLon: c.MaxLon}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
