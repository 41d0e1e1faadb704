package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/flagx"
	"github.com/dmitrijs2005/authkeeper/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "15m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into the
// runtime Config struct which uses time.Duration.
type JsonConfig struct {
	EndpointAddrGRPC                  string         `json:"endpoint_addr_grpc"`
	DatabaseDSN                       string         `json:"database_dsn"`
	SecretKey                         string         `json:"secret_key"`
	AccessTokenValidityDuration       timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration      timex.Duration `json:"refresh_token_validity_duration"`
	VerificationTokenValidityDuration timex.Duration `json:"verification_token_validity_duration"`
	PasswordResetValidityDuration     timex.Duration `json:"password_reset_validity_duration"`
	BcryptCost                        int            `json:"bcrypt_cost"`
	LoginMaxAttempts                  int            `json:"login_max_attempts"`
	LoginWindow                       timex.Duration `json:"login_window"`
	VerificationMaxAttempts           int            `json:"verification_max_attempts"`
	VerificationWindow                timex.Duration `json:"verification_window"`
	PasswordResetMaxAttempts          int            `json:"password_reset_max_attempts"`
	PasswordResetWindow               timex.Duration `json:"password_reset_window"`
	RedisAddr                         string         `json:"redis_addr"`
	RegisterInactive                  bool           `json:"register_inactive"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path is taken from the -c or -config flags; if
// neither is set, no JSON file is loaded. If the file cannot be read or
// contains invalid JSON, the function panics.
func parseJson(config *Config) {

	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	config.EndpointAddrGRPC = c.EndpointAddrGRPC
	config.DatabaseDSN = c.DatabaseDSN
	config.SecretKey = c.SecretKey
	config.AccessTokenValidityDuration = time.Duration(c.AccessTokenValidityDuration.Duration)
	config.RefreshTokenValidityDuration = time.Duration(c.RefreshTokenValidityDuration.Duration)
	config.VerificationTokenValidityDuration = time.Duration(c.VerificationTokenValidityDuration.Duration)
	config.PasswordResetValidityDuration = time.Duration(c.PasswordResetValidityDuration.Duration)
	config.BcryptCost = c.BcryptCost
	config.LoginMaxAttempts = c.LoginMaxAttempts
	config.LoginWindow = time.Duration(c.LoginWindow.Duration)
	config.VerificationMaxAttempts = c.VerificationMaxAttempts
	config.VerificationWindow = time.Duration(c.VerificationWindow.Duration)
	config.PasswordResetMaxAttempts = c.PasswordResetMaxAttempts
	config.PasswordResetWindow = time.Duration(c.PasswordResetWindow.Duration)
	config.RedisAddr = c.RedisAddr
	config.RegisterInactive = c.RegisterInactive
}
