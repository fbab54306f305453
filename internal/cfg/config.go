// Package cfg provides the miro service configuration.
package cfg

import (
	"fmt"
	"io"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pelletier/go-toml"
)

// Config is the service configuration.
// Values are read from a TOML file, set environment variables take
// precedence. Unset settings with a default are set to it.
type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr" env:"MIRO_HTTP_SERVER_LISTEN_ADDR"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr" env:"MIRO_HTTPS_SERVER_LISTEN_ADDR"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file" env:"MIRO_HTTPS_SSL_CERT_FILE"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file" env:"MIRO_HTTPS_SSL_KEY_FILE"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint" env:"MIRO_GITHUB_WEBHOOK_ENDPOINT" env-default:"/listener/github"`
	GithubWebHookSecret       string `toml:"github_webhook_secret" env:"MIRO_GITHUB_WEBHOOK_SECRET"`
	GithubAPIToken            string `toml:"github_api_token" env:"MIRO_GITHUB_API_TOKEN"`
	APIKey                    string `toml:"api_key" env:"MIRO_API_KEY"`
	PostgresDSN               string `toml:"postgres_dsn" env:"MIRO_POSTGRES_DSN"`
	EventFilterQuery          string `toml:"event_filter_query" env:"MIRO_EVENT_FILTER_QUERY"`
	CascadeConcurrency        int    `toml:"cascade_concurrency" env:"MIRO_CASCADE_CONCURRENCY" env-default:"4"`
	LogFormat                 string `toml:"log_format" env:"MIRO_LOG_FORMAT" env-default:"logfmt"`
	LogTimeKey                string `toml:"log_time_key" env:"MIRO_LOG_TIME_KEY" env-default:"time_iso8601"`
	LogLevel                  string `toml:"log_level" env:"MIRO_LOG_LEVEL" env-default:"info"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if err := cleanenv.ReadEnv(&result); err != nil {
		return nil, fmt.Errorf("reading environment variables failed: %w", err)
	}

	return &result, nil
}
