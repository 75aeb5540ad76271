package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RPCURL      string
	ChainID     uint64
	RelayerKey  string
	PoolAddress string
	CallTimeout time.Duration

	LedgerDriver  string
	DBDSN         string
	SQLitePath    string
	ClickhouseDSN string

	RedisAddr string
	DedupTTL  time.Duration

	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaGroupID     string

	HTTPAddr     string
	OtelEndpoint string
	LogFile      string
	LogLevel     string

	SubmitWorkers      int
	SubmitMaxAttempts  int
	SubmitBackoff      time.Duration
	SubmitRatePerSec   float64
	ConfirmWorkers     int
	ConfirmMaxAttempts int
	ConfirmBackoff     time.Duration
	NotifyWorkers      int
	NotifyMaxAttempts  int
	NotifyBackoff      time.Duration

	GasTTL            time.Duration
	GasBufferPct      uint64
	IdempotencyBucket time.Duration
	PendingTTL        time.Duration
	WatchdogInterval  time.Duration
	NotifyWebhookURL  string
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}

	rpcURL, ok := source.Lookup("RPC_URL")
	if !ok || rpcURL == "" {
		return Config{}, errors.New("RPC_URL is required")
	}
	chainID, err := parseUintEnv(source, "CHAIN_ID", 0)
	if err != nil {
		return Config{}, err
	}
	if chainID == 0 {
		return Config{}, errors.New("CHAIN_ID is required")
	}
	relayerKey, ok := source.Lookup("RELAYER_KEY")
	if !ok || strings.TrimSpace(relayerKey) == "" {
		return Config{}, errors.New("RELAYER_KEY is required")
	}
	poolAddress, ok := source.Lookup("POOL_ADDRESS")
	if !ok || strings.TrimSpace(poolAddress) == "" {
		return Config{}, errors.New("POOL_ADDRESS is required")
	}

	callTimeout, err := parseDurationEnv(source, "RPC_CALL_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}

	ledgerDriver := "mysql"
	if raw, ok := source.Lookup("LEDGER_DRIVER"); ok && raw != "" {
		ledgerDriver = strings.ToLower(strings.TrimSpace(raw))
	}
	if ledgerDriver != "mysql" && ledgerDriver != "sqlite" {
		return Config{}, fmt.Errorf("invalid LEDGER_DRIVER: %s", ledgerDriver)
	}

	dbDSN, ok := source.Lookup("DB_DSN")
	if !ok || strings.TrimSpace(dbDSN) == "" {
		dbDSN = "root:@tcp(127.0.0.1:3306)/poolrelay?parseTime=true&multiStatements=true"
	}
	sqlitePath, ok := source.Lookup("SQLITE_PATH")
	if !ok || strings.TrimSpace(sqlitePath) == "" {
		sqlitePath = "poolrelay.db"
	}
	clickhouseDSN, _ := source.Lookup("CLICKHOUSE_DSN")
	clickhouseDSN = strings.TrimSpace(clickhouseDSN)

	redisAddr := "127.0.0.1:6379"
	if raw, ok := source.Lookup("REDIS_ADDR"); ok && strings.TrimSpace(raw) != "" {
		redisAddr = strings.TrimSpace(raw)
	}
	dedupTTL, err := parseDurationEnv(source, "DEDUP_TTL", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}

	kafkaBrokers, err := parseList(source, "KAFKA_BROKERS", "localhost:9092")
	if err != nil {
		return Config{}, err
	}
	kafkaTopicPrefix, ok := source.Lookup("KAFKA_TOPIC_PREFIX")
	if !ok || kafkaTopicPrefix == "" {
		kafkaTopicPrefix = "poolrelay"
	}
	kafkaGroupID, ok := source.Lookup("KAFKA_GROUP_ID")
	if !ok || kafkaGroupID == "" {
		kafkaGroupID = "poolrelay-workers"
	}

	httpAddr := ":8080"
	if raw, ok := source.Lookup("HTTP_ADDR"); ok && raw != "" {
		httpAddr = raw
	}
	otelEndpoint, _ := source.Lookup("OTEL_EXPORTER_OTLP_ENDPOINT")
	logFile, _ := source.Lookup("LOG_FILE")
	logLevel, _ := source.Lookup("LOG_LEVEL")

	submitWorkers, err := parseIntEnv(source, "SUBMIT_WORKERS", 4)
	if err != nil {
		return Config{}, err
	}
	submitMaxAttempts, err := parseIntEnv(source, "SUBMIT_MAX_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	submitBackoff, err := parseDurationEnv(source, "SUBMIT_BACKOFF", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	submitRate, err := parseFloatEnv(source, "SUBMIT_RATE_PER_SEC", 10)
	if err != nil {
		return Config{}, err
	}
	confirmWorkers, err := parseIntEnv(source, "CONFIRM_WORKERS", 4)
	if err != nil {
		return Config{}, err
	}
	confirmMaxAttempts, err := parseIntEnv(source, "CONFIRM_MAX_ATTEMPTS", 20)
	if err != nil {
		return Config{}, err
	}
	confirmBackoff, err := parseDurationEnv(source, "CONFIRM_BACKOFF", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	notifyWorkers, err := parseIntEnv(source, "NOTIFY_WORKERS", 2)
	if err != nil {
		return Config{}, err
	}
	notifyMaxAttempts, err := parseIntEnv(source, "NOTIFY_MAX_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	notifyBackoff, err := parseDurationEnv(source, "NOTIFY_BACKOFF", 2*time.Second)
	if err != nil {
		return Config{}, err
	}

	gasTTL, err := parseDurationEnv(source, "GAS_TTL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	gasBufferPct, err := parseUintEnv(source, "GAS_BUFFER_PCT", 20)
	if err != nil {
		return Config{}, err
	}
	idempotencyBucket, err := parseDurationEnv(source, "IDEMPOTENCY_BUCKET", time.Minute)
	if err != nil {
		return Config{}, err
	}
	pendingTTL, err := parseDurationEnv(source, "PENDING_TTL", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}
	watchdogInterval, err := parseDurationEnv(source, "WATCHDOG_INTERVAL", time.Minute)
	if err != nil {
		return Config{}, err
	}
	notifyWebhookURL, _ := source.Lookup("NOTIFY_WEBHOOK_URL")

	return Config{
		RPCURL:      rpcURL,
		ChainID:     chainID,
		RelayerKey:  relayerKey,
		PoolAddress: poolAddress,
		CallTimeout: callTimeout,

		LedgerDriver:  ledgerDriver,
		DBDSN:         dbDSN,
		SQLitePath:    sqlitePath,
		ClickhouseDSN: clickhouseDSN,

		RedisAddr: redisAddr,
		DedupTTL:  dedupTTL,

		KafkaBrokers:     kafkaBrokers,
		KafkaTopicPrefix: kafkaTopicPrefix,
		KafkaGroupID:     kafkaGroupID,

		HTTPAddr:     httpAddr,
		OtelEndpoint: strings.TrimSpace(otelEndpoint),
		LogFile:      strings.TrimSpace(logFile),
		LogLevel:     strings.TrimSpace(logLevel),

		SubmitWorkers:      submitWorkers,
		SubmitMaxAttempts:  submitMaxAttempts,
		SubmitBackoff:      submitBackoff,
		SubmitRatePerSec:   submitRate,
		ConfirmWorkers:     confirmWorkers,
		ConfirmMaxAttempts: confirmMaxAttempts,
		ConfirmBackoff:     confirmBackoff,
		NotifyWorkers:      notifyWorkers,
		NotifyMaxAttempts:  notifyMaxAttempts,
		NotifyBackoff:      notifyBackoff,

		GasTTL:            gasTTL,
		GasBufferPct:      gasBufferPct,
		IdempotencyBucket: idempotencyBucket,
		PendingTTL:        pendingTTL,
		WatchdogInterval:  watchdogInterval,
		NotifyWebhookURL:  strings.TrimSpace(notifyWebhookURL),
	}, nil
}

func parseUintEnv(source EnvSource, key string, defaultValue uint64) (uint64, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseIntEnv(source EnvSource, key string, defaultValue int) (int, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return value, nil
}

func parseFloatEnv(source EnvSource, key string, defaultValue float64) (float64, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return value, nil
}

func parseDurationEnv(source EnvSource, key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return value, nil
}

func parseList(source EnvSource, key string, defaultValue string) ([]string, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = defaultValue
	}
	items := strings.Split(raw, ",")
	var values []string
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s is required", key)
	}
	return values, nil
}
