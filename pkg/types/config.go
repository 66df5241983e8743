package types

import "time"

// Config represents the complete bridge configuration
type Config struct {
	Upstream UpstreamConfig `mapstructure:"upstream" yaml:"upstream"`
	Local    LocalConfig    `mapstructure:"local" yaml:"local"`
	Users    []Identity     `mapstructure:"users" yaml:"users"`
	Bridge   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Audit    AuditConfig    `mapstructure:"audit" yaml:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// UpstreamConfig holds the cloud endpoint connection and credential settings
type UpstreamConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// ClientID is the full upstream client id, e.g.
	// projects/p/locations/l/registries/r/devices/d.
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	// DeviceID is used in command/config topics; defaults to the last
	// path segment of ClientID.
	DeviceID string `mapstructure:"device_id" yaml:"device_id"`
	// Audience is the project identifier placed in the aud and iss claims.
	Audience string `mapstructure:"audience" yaml:"audience"`

	PrivateKey     string `mapstructure:"private_key" yaml:"private_key"`
	PrivateKeyFile string `mapstructure:"private_key_file" yaml:"private_key_file"`

	TokenTTL         time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	ExpiryGrace      time.Duration `mapstructure:"expiry_grace" yaml:"expiry_grace"`
	KeepAlive        time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff"`

	CommandTopic    string `mapstructure:"command_topic" yaml:"command_topic"`
	ConfigTopic     string `mapstructure:"config_topic" yaml:"config_topic"`
	SubscribeConfig bool   `mapstructure:"subscribe_config" yaml:"subscribe_config"`

	TLS UpstreamTLSConfig `mapstructure:"tls" yaml:"tls"`
}

// UpstreamTLSConfig holds TLS settings for the upstream transport
type UpstreamTLSConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file"`
	UseOSCerts         bool   `mapstructure:"use_os_certs" yaml:"use_os_certs"`
	KeystoreFile       string `mapstructure:"keystore_file" yaml:"keystore_file"`
	KeystorePassword   string `mapstructure:"keystore_password" yaml:"keystore_password"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// LocalConfig holds the embedded broker listener settings
type LocalConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	Port    int    `mapstructure:"port" yaml:"port"`
	TLSPort int    `mapstructure:"tls_port" yaml:"tls_port"`
	TLS     struct {
		CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
		KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
	} `mapstructure:"tls" yaml:"tls"`
}

// BridgeConfig holds bridge behavior settings
type BridgeConfig struct {
	// PollInterval is the period of the replay sweep while connected.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	AttachTopic  string        `mapstructure:"attach_topic" yaml:"attach_topic"`
	DetachTopic  string        `mapstructure:"detach_topic" yaml:"detach_topic"`
}

// StoreConfig selects and configures the missed-message store backend
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	SQLite  struct {
		Path        string `mapstructure:"path" yaml:"path"`
		BusyTimeout int    `mapstructure:"busy_timeout" yaml:"busy_timeout"`
	} `mapstructure:"sqlite" yaml:"sqlite"`
	Redis struct {
		Addr      string `mapstructure:"addr" yaml:"addr"`
		Password  string `mapstructure:"password" yaml:"password"`
		DB        int    `mapstructure:"db" yaml:"db"`
		KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	} `mapstructure:"redis" yaml:"redis"`
}

// AuditConfig holds the audit trail sink settings
type AuditConfig struct {
	Enabled bool        `mapstructure:"enabled" yaml:"enabled"`
	Kafka   KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig holds Kafka connection settings
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers" yaml:"brokers"`
	Topic    string   `mapstructure:"topic" yaml:"topic"`
	Security struct {
		Protocol string `mapstructure:"protocol" yaml:"protocol"`
		SSL      struct {
			Truststore struct {
				Location string `mapstructure:"location" yaml:"location"`
				Password string `mapstructure:"password" yaml:"password"`
			} `mapstructure:"truststore" yaml:"truststore"`
			Keystore struct {
				Location string `mapstructure:"location" yaml:"location"`
				Password string `mapstructure:"password" yaml:"password"`
			} `mapstructure:"keystore" yaml:"keystore"`
		} `mapstructure:"ssl" yaml:"ssl"`
	} `mapstructure:"security" yaml:"security"`
}

// MetricsConfig holds the Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}
