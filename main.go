// @title Ranked Polls API
// @version 1.0
// @description Backend API for creating and joining ranked-choice polls

// @securityDefinitions.apikey ParticipantToken
// @in header
// @name Authorization
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alex-pricope/ranked-polls/api"
	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/spf13/viper"
)

func main() {
	logging.BoostrapLogger()

	// Load env
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			logging.Log.Errorf("Failed to read config file: %v", err)
			panic("Failed to read config file: " + err.Error())
		}
		logging.Log.Warn("No config file found, using environment only")
	}

	// Read config
	config := api.ReadConfig()
	logging.SetLevel(config.LoggingConfig.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service := api.NewServer(config)
	if err := service.Start(ctx); err != nil {
		logging.Log.Fatalf("Server stopped: %v", err)
	}
}
