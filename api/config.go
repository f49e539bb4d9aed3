package api

import (
	"sync"
	"time"

	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	StorageConfig
	ServerConfig
	PollConfig
	AuthConfig
	LoggingConfig
}

type StorageConfig struct {
	Backend        string
	TableName      string
	DynamoEndpoint string
	CreateTable    bool
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	PostgresDSN    string
	SweepInterval  time.Duration
}

type ServerConfig struct {
	Port          int
	ClientOrigins []string
}

type PollConfig struct {
	Duration  time.Duration
	AutoClose bool
}

type AuthConfig struct {
	JWTSecret string
}

type LoggingConfig struct {
	Level string
}

var settingsOnce sync.Once

func ReadConfig() *Config {

	var conf = &Config{
		StorageConfig: StorageConfig{
			Backend:        getStringOrDefault("storage.backend", BackendMemory),
			TableName:      getStringOrDefault("storage.tableName", "Polls"),
			DynamoEndpoint: getStringOrDefault("storage.dynamoEndpoint", ""),
			CreateTable:    getBoolOrDefault("storage.createTable", false),
			RedisAddress:   getStringOrDefault("storage.redisAddress", "localhost:6379"),
			RedisPassword:  getStringOrDefault("storage.redisPassword", ""),
			RedisDB:        getIntOrDefault("storage.redisDB", 0),
			PostgresDSN:    getStringOrDefault("storage.postgresDSN", ""),
			SweepInterval:  getDurationOrDefault("storage.sweepInterval", time.Minute),
		},
		ServerConfig: ServerConfig{
			Port:          getIntOrDefault("server.port", 8080),
			ClientOrigins: getStringSliceOrDefault("server.clientOrigins", nil),
		},
		PollConfig: PollConfig{
			Duration:  getDurationOrDefault("poll.duration", 2*time.Hour),
			AutoClose: getBoolOrDefault("poll.autoClose", true),
		},
		AuthConfig: AuthConfig{
			JWTSecret: getString("auth.jwtSecret"),
		},
		LoggingConfig: LoggingConfig{
			Level: getStringOrDefault("logging.level", "debug"),
		},
	}

	settingsOnce.Do(func() {
		logging.Log.Print("Reading settings!")
	})

	return conf
}

func getString(name string) string {
	if viper.IsSet(name) {
		v := viper.GetString(name)
		logging.Log.Printf("found '%s' in viper", name)
		return v
	}
	logging.Log.Fatalf("required environment variable '%s' is missing", name)
	return ""
}

func getIntOrDefault(name string, def int) int {
	if viper.IsSet(name) {
		v := viper.GetInt(name)
		logging.Log.Printf("found '%s' in viper", name)
		return v
	}
	logging.Log.Printf("could not find '%s' in viper! Returning default", name)
	return def
}

func getBoolOrDefault(name string, def bool) bool {
	if viper.IsSet(name) {
		v := viper.GetBool(name)
		logging.Log.Printf("found '%s' in viper", name)
		return v
	}
	logging.Log.Printf("could not find '%s' in viper! Returning default", name)
	return def
}

func getStringOrDefault(name string, def string) string {
	if viper.IsSet(name) {
		v := viper.GetString(name)
		logging.Log.Printf("found '%s' in viper", name)
		return v
	}
	logging.Log.Printf("could not find '%s' in viper! Returning default", name)
	return def
}

// getDurationOrDefault accepts "90s" style values.
func getDurationOrDefault(name string, def time.Duration) time.Duration {
	if viper.IsSet(name) {
		v := viper.GetDuration(name)
		logging.Log.Printf("found '%s' in viper", name)
		return v
	}
	logging.Log.Printf("could not find '%s' in viper! Returning default", name)
	return def
}

// getStringSliceOrDefault accepts a yaml list or a space separated env value.
func getStringSliceOrDefault(name string, def []string) []string {
	if viper.IsSet(name) {
		v := viper.GetStringSlice(name)
		logging.Log.Printf("found '%s' in viper", name)
		return v
	}
	logging.Log.Printf("could not find '%s' in viper! Returning default", name)
	return def
}
