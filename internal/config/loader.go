// Package config loads the bridge configuration from YAML with MEDIARY_*
// environment overrides, applies defaults and validates the result before
// any component is built.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mediary/pkg/types"
	"mediary/pkg/validation"
)

// EnvPrefix is the prefix of environment overrides, e.g. MEDIARY_UPSTREAM_HOST.
const EnvPrefix = "MEDIARY"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// LoadFromFile reads configPath, applies defaults and environment overrides,
// and validates the result.
func LoadFromFile(configPath string) (*types.Config, error) {
	if configPath == "" {
		configPath = GetConfigPath()
	}
	if err := validation.ValidateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	v := newViper()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	config := &types.Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := resolve(config); err != nil {
		return nil, err
	}
	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// GetConfigPath returns the configuration file path from environment or default
func GetConfigPath() string {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return configPath
	}
	return "./configs/config.yaml"
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults registers every default. Registering a key also makes it
// overridable from the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.host", "")
	v.SetDefault("upstream.port", 8883)
	v.SetDefault("upstream.client_id", "")
	v.SetDefault("upstream.device_id", "")
	v.SetDefault("upstream.audience", "")
	v.SetDefault("upstream.private_key", "")
	v.SetDefault("upstream.private_key_file", "")
	v.SetDefault("upstream.token_ttl", time.Hour)
	v.SetDefault("upstream.expiry_grace", 30*time.Second)
	v.SetDefault("upstream.keep_alive", 15*time.Minute)
	v.SetDefault("upstream.connect_timeout", 30*time.Second)
	v.SetDefault("upstream.operation_timeout", 10*time.Second)
	v.SetDefault("upstream.reconnect_backoff", 15*time.Second)
	v.SetDefault("upstream.command_topic", "/devices/{device_id}/commands/#")
	v.SetDefault("upstream.config_topic", "/devices/{device_id}/config")
	v.SetDefault("upstream.subscribe_config", false)
	v.SetDefault("upstream.tls.enabled", true)
	v.SetDefault("upstream.tls.ca_file", "")
	v.SetDefault("upstream.tls.use_os_certs", true)
	v.SetDefault("upstream.tls.keystore_file", "")
	v.SetDefault("upstream.tls.keystore_password", "")
	v.SetDefault("upstream.tls.insecure_skip_verify", false)

	v.SetDefault("local.address", "0.0.0.0")
	v.SetDefault("local.port", 1883)
	v.SetDefault("local.tls_port", 0)
	v.SetDefault("local.tls.cert_file", "")
	v.SetDefault("local.tls.key_file", "")

	v.SetDefault("bridge.poll_interval", 30*time.Second)
	v.SetDefault("bridge.attach_topic", "/devices/{client_id}/attach")
	v.SetDefault("bridge.detach_topic", "/devices/{client_id}/detach")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite.path", "./data/mediary.db")
	v.SetDefault("store.sqlite.busy_timeout", 5)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "mediary:missed:")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.kafka.topic", "mediary-audit")
	v.SetDefault("audit.kafka.security.protocol", "PLAINTEXT")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9100")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// resolve fills values derived from other settings: the private key from its
// file and the device id from the client id.
func resolve(config *types.Config) error {
	up := &config.Upstream
	if up.PrivateKey == "" && up.PrivateKeyFile != "" {
		if err := validation.ValidateFilePath(up.PrivateKeyFile, nil); err != nil {
			return fmt.Errorf("%w: upstream.private_key_file: %w", ErrInvalid, err)
		}
		data, err := os.ReadFile(up.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("reading private key file: %w", err)
		}
		up.PrivateKey = strings.TrimSpace(string(data))
	}
	up.ClientID = validation.SanitizeClientID(up.ClientID, 0)
	for _, field := range []*string{
		&up.Host, &up.Audience, &up.DeviceID, &up.CommandTopic, &up.ConfigTopic,
		&config.Local.Address, &config.Bridge.AttachTopic, &config.Bridge.DetachTopic,
		&config.Store.Backend, &config.Store.SQLite.Path, &config.Store.Redis.Addr,
		&config.Metrics.Address, &config.Logging.Level, &config.Logging.Format,
	} {
		*field = validation.SanitizeConfigString(*field, 0)
	}
	if up.DeviceID == "" {
		up.DeviceID = validation.LastPathSegment(up.ClientID)
	}
	return nil
}

// validateUser rejects identity values a client could never present as
// configured: local CONNECT values are compared verbatim.
func validateUser(i int, u types.Identity) error {
	if u.ClientID == "" {
		return invalid("users[%d].client_id is required", i)
	}
	if validation.SanitizeClientID(u.ClientID, 0) != u.ClientID {
		return invalid("users[%d].client_id contains control or non-printable characters", i)
	}
	if validation.SanitizeUsername(u.Username) != u.Username {
		return invalid("users[%d].username contains control or quoting characters, surrounding whitespace or exceeds 128 bytes", i)
	}
	if validation.SanitizePassword(u.Password) != u.Password {
		return invalid("users[%d].password contains control characters", i)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks required settings and their consistency.
func Validate(config *types.Config) error {
	if err := validateUpstream(&config.Upstream); err != nil {
		return err
	}
	if err := validateLocal(&config.Local); err != nil {
		return err
	}

	seen := make(map[string]bool, len(config.Users))
	for i, u := range config.Users {
		if err := validateUser(i, u); err != nil {
			return err
		}
		if seen[u.ClientID] {
			return invalid("users[%d]: duplicate client_id %q", i, u.ClientID)
		}
		seen[u.ClientID] = true
	}

	if config.Bridge.PollInterval < 0 {
		return invalid("bridge.poll_interval must not be negative")
	}

	switch strings.ToLower(config.Store.Backend) {
	case "sqlite":
		if err := validation.ValidateDataPath(config.Store.SQLite.Path); err != nil {
			return invalid("store.sqlite.path: %v", err)
		}
	case "redis":
		if err := validation.ValidateAddress(config.Store.Redis.Addr); err != nil {
			return invalid("store.redis.addr: %v", err)
		}
	case "memory":
	default:
		return invalid("store.backend %q is not one of sqlite, redis, memory", config.Store.Backend)
	}

	if config.Audit.Enabled {
		for _, broker := range config.Audit.Kafka.Brokers {
			if err := validation.ValidateAddress(broker); err != nil {
				return invalid("audit.kafka.brokers %s: %v", broker, err)
			}
		}
		if len(config.Audit.Kafka.Brokers) > 0 && config.Audit.Kafka.Topic == "" {
			return invalid("audit.kafka.topic is required")
		}
		if strings.ToUpper(config.Audit.Kafka.Security.Protocol) == "SSL" {
			ssl := config.Audit.Kafka.Security.SSL
			for name, path := range map[string]string{"truststore": ssl.Truststore.Location, "keystore": ssl.Keystore.Location} {
				if path == "" {
					continue
				}
				if err := validation.ValidateFilePath(path, nil); err != nil {
					return invalid("audit.kafka.security.ssl.%s: %v", name, err)
				}
			}
		}
	}

	if config.Metrics.Enabled {
		if err := validation.ValidateListenAddress(config.Metrics.Address); err != nil {
			return invalid("metrics.address: %v", err)
		}
	}
	return nil
}

func validateUpstream(up *types.UpstreamConfig) error {
	if up.Host == "" {
		return invalid("upstream.host is required")
	}
	if err := validation.ValidateEndpoint(up.Host, up.Port); err != nil {
		return invalid("upstream endpoint: %v", err)
	}
	if up.ClientID == "" {
		return invalid("upstream.client_id is required")
	}
	if up.DeviceID == "" {
		return invalid("upstream.device_id could not be derived from client_id")
	}
	if up.Audience == "" {
		return invalid("upstream.audience is required")
	}
	if up.PrivateKey == "" {
		return invalid("upstream.private_key or upstream.private_key_file is required")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"token_ttl", up.TokenTTL},
		{"keep_alive", up.KeepAlive},
		{"connect_timeout", up.ConnectTimeout},
		{"operation_timeout", up.OperationTimeout},
		{"reconnect_backoff", up.ReconnectBackoff},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return invalid("upstream.%s must be positive", d.name)
		}
	}
	if up.ExpiryGrace < 0 || up.ExpiryGrace >= up.TokenTTL {
		return invalid("upstream.expiry_grace must be between 0 and token_ttl")
	}

	if up.TLS.Enabled {
		if up.TLS.CAFile != "" {
			if err := validation.ValidateFilePath(up.TLS.CAFile, nil); err != nil {
				return invalid("upstream.tls.ca_file: %v", err)
			}
		}
		if up.TLS.KeystoreFile != "" {
			if err := validation.ValidateFilePath(up.TLS.KeystoreFile, nil); err != nil {
				return invalid("upstream.tls.keystore_file: %v", err)
			}
		}
	}
	return nil
}

func validateLocal(local *types.LocalConfig) error {
	if local.Port == 0 && local.TLSPort == 0 {
		return invalid("at least one of local.port and local.tls_port must be set")
	}
	for name, port := range map[string]int{"local.port": local.Port, "local.tls_port": local.TLSPort} {
		if port < 0 || port > 65535 {
			return invalid("%s %d out of range", name, port)
		}
	}
	if local.Port != 0 && local.Port == local.TLSPort {
		return invalid("local.port and local.tls_port must differ")
	}
	if local.TLSPort > 0 {
		if err := validation.ValidateFilePath(local.TLS.CertFile, nil); err != nil {
			return invalid("local.tls.cert_file: %v", err)
		}
		if err := validation.ValidateFilePath(local.TLS.KeyFile, nil); err != nil {
			return invalid("local.tls.key_file: %v", err)
		}
	}
	return nil
}
