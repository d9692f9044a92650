package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mi6-platform/moneypenny/internal/api/http"
	"github.com/mi6-platform/moneypenny/internal/auth"
	"github.com/mi6-platform/moneypenny/internal/backend/kubernetes"
	"github.com/mi6-platform/moneypenny/internal/ledger"
	"github.com/mi6-platform/moneypenny/internal/orders"
	"github.com/mi6-platform/moneypenny/internal/reconciler"
)

type Config struct {
	Log        LogConfig
	Http       http.Config
	Auth       auth.Config
	Backend    BackendConfig
	Kubernetes kubernetes.Config
	Orders     orders.Config
	Reconcile  reconciler.Config
	Database   ledger.Config
}

type BackendConfig struct {
	// Mode selects where provisioning jobs run: "kubernetes" or "memory".
	Mode string `mapstructure:"mode"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/moneypenny")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("auth.jwt_secret", "MONEYPENNY_JWT_SECRET")
	_ = viper.BindEnv("auth.admin_api_key", "MONEYPENNY_ADMIN_API_KEY")
	_ = viper.BindEnv("database.url", "DATABASE_URL")

	defaults := reconciler.DefaultConfig()
	viper.SetDefault("backend.mode", "kubernetes")
	viper.SetDefault("reconcile.interval", defaults.Interval)
	viper.SetDefault("reconcile.running_timeout", defaults.RunningTimeout)
	viper.SetDefault("reconcile.max_attempts", defaults.MaxAttempts)
	viper.SetDefault("reconcile.retention", defaults.Retention)

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
