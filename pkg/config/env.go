package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"klipper-analog-probe/pkg/log"
)

// Deployment holds settings that vary per machine rather than per probe:
// listen addresses and the optional session mirrors. They come from the
// environment, optionally seeded by a .env file.
type Deployment struct {
	MetricsAddr string
	MetricsUser string
	MetricsPass string
	StatusAddr  string

	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
}

// LoadDeployment reads the environment after overlaying the given .env
// files. Missing files are ignored; variables already set win.
func LoadDeployment(files ...string) Deployment {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			log.GetLogger("config").WithError(err).Warn("ignoring env file %s", f)
		}
	}
	if len(files) == 0 {
		_ = godotenv.Load()
	}

	return Deployment{
		MetricsAddr: getEnv("PROBE_METRICS_ADDR", ":9101"),
		MetricsUser: getEnv("PROBE_METRICS_USER", ""),
		MetricsPass: getEnv("PROBE_METRICS_PASS", ""),
		StatusAddr:  getEnv("PROBE_STATUS_ADDR", ""),

		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "probe"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),

		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "analog-probe"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "probe"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisChannel:  getEnv("REDIS_CHANNEL", "analog_probe:flushed"),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		log.GetLogger("config").Warn("failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return i
}
