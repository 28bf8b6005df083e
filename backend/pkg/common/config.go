package common

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/pkg/offline"
	"github.com/centralbank/paychain/backend/pkg/security"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port          string
	MigrationsDir string
	DB            DBConfig
	JWT           JWTConfig
	Events        EventsConfig
	Fabric        FabricConfig

	Ledger   ledger.Policy
	Offline  offline.Policy
	Security security.Policy

	// RelaySecret seals offline payloads in transit.
	RelaySecret string
	// Operators are the accounts granted RoleOperator at login.
	Operators []string

	Intervals Intervals
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type JWTConfig struct {
	Secret   string
	TokenTTL time.Duration
	Issuer   string
}

type EventsConfig struct {
	Buffer       int
	NATSURL      string
	AMQPURL      string
	AMQPExchange string
}

// FabricConfig is empty-profile when settlement anchoring is disabled.
type FabricConfig struct {
	Profile    string
	WalletPath string
	Channel    string
	Contract   string
	MSP        string
	CertPath   string
	KeyPath    string
}

func (f FabricConfig) Enabled() bool { return f.Profile != "" }

type Intervals struct {
	Discovery  time.Duration
	Settlement time.Duration
	Sweep      time.Duration
	Scan       time.Duration
	Persist    time.Duration
}

// LoadConfig reads the environment, after loading a .env file when one is
// present (or the file named by ENV_FILE).
func LoadConfig() *Config {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load %s: %v", envFile, err)
	}

	lp := ledger.DefaultPolicy()
	lp.FeeRate = GetEnvDecimal("FEE_RATE", lp.FeeRate)
	lp.MinFee = GetEnvDecimal("MIN_FEE", lp.MinFee)
	lp.StartingBalance = GetEnvDecimal("STARTING_BALANCE", lp.StartingBalance)
	lp.FeeCollector = getEnv("FEE_COLLECTOR", lp.FeeCollector)
	lp.BcryptCost = GetEnvInt("BCRYPT_COST", lp.BcryptCost)

	op := offline.DefaultPolicy()
	op.Horizon = GetEnvDuration("OFFLINE_HORIZON", op.Horizon)
	op.PeerWindow = GetEnvDuration("PEER_WINDOW", op.PeerWindow)
	op.MaxAmount = GetEnvDecimal("MAX_OFFLINE_AMOUNT", op.MaxAmount)
	op.MaxPerHour = GetEnvInt("MAX_OFFLINE_PER_HOUR", op.MaxPerHour)
	op.HopLimit = GetEnvInt("RELAY_HOP_LIMIT", op.HopLimit)
	op.MinLatency = GetEnvDuration("RELAY_MIN_LATENCY", op.MinLatency)
	op.MaxLatency = GetEnvDuration("RELAY_MAX_LATENCY", op.MaxLatency)

	sp := security.DefaultPolicy()
	sp.BruteForceWindow = GetEnvDuration("BRUTE_FORCE_WINDOW", sp.BruteForceWindow)
	sp.BruteForceThreshold = GetEnvInt("BRUTE_FORCE_THRESHOLD", sp.BruteForceThreshold)
	sp.LockThreshold = GetEnvInt("LOCK_THRESHOLD", sp.LockThreshold)
	sp.LockDuration = GetEnvDuration("LOCK_DURATION", sp.LockDuration)
	sp.LargeTransferRatio = GetEnvDecimal("SUSPICIOUS_RATIO", sp.LargeTransferRatio)
	sp.NewRecipientLimit = GetEnvDecimal("NEW_RECIPIENT_LIMIT", sp.NewRecipientLimit)
	sp.SuspiciousFunding = GetEnvDecimal("SUSPICIOUS_FUNDING", sp.SuspiciousFunding)
	sp.RejectSuspicious = GetEnvBool("REJECT_SUSPICIOUS", sp.RejectSuspicious)

	return &Config{
		Port:          getEnv("PORT", "8080"),
		MigrationsDir: getEnv("MIGRATIONS_DIR", "backend/migrations/ledger"),
		DB: DBConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "paychain"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			Secret:   getEnv("JWT_SECRET", "super-secret-key-change-me"),
			TokenTTL: GetEnvDuration("JWT_TTL", 24*time.Hour),
			Issuer:   getEnv("JWT_ISSUER", "paychain-ledger-service"),
		},
		Events: EventsConfig{
			Buffer:       GetEnvInt("EVENT_BUFFER", 256),
			NATSURL:      getEnv("NATS_URL", ""),
			AMQPURL:      getEnv("AMQP_URL", ""),
			AMQPExchange: getEnv("AMQP_EXCHANGE", "paychain.events"),
		},
		Fabric: FabricConfig{
			Profile:    getEnv("FABRIC_CONFIG", ""),
			WalletPath: getEnv("FABRIC_WALLET", "wallet"),
			Channel:    getEnv("FABRIC_CHANNEL", "paychain-channel"),
			Contract:   getEnv("FABRIC_CONTRACT", "settlement-anchor"),
			MSP:        getEnv("MSP_ID", "CentralBankMSP"),
			CertPath:   getEnv("CERT_PATH", ""),
			KeyPath:    getEnv("KEY_PATH", ""),
		},
		Ledger:      lp,
		Offline:     op,
		Security:    sp,
		RelaySecret: getEnv("RELAY_SECRET", "paychain-relay-secret"),
		Operators:   GetEnvList("OPERATOR_ACCOUNTS"),
		Intervals: Intervals{
			Discovery:  GetEnvDuration("DISCOVERY_INTERVAL", 10*time.Second),
			Settlement: GetEnvDuration("SETTLEMENT_INTERVAL", 5*time.Second),
			Sweep:      GetEnvDuration("SWEEP_INTERVAL", time.Minute),
			Scan:       GetEnvDuration("SCAN_INTERVAL", time.Minute),
			Persist:    GetEnvDuration("PERSIST_DEBOUNCE", 500*time.Millisecond),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return fallback
}

// GetEnvList splits a comma separated variable, dropping empty items.
func GetEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func GetEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return fallback
}

func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func GetEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if value, ok := os.LookupEnv(key); ok {
		d, err := decimal.NewFromString(value)
		if err == nil {
			return d
		}
	}
	return fallback
}
