package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	Mode string

	Config struct {
		Device    DeviceConfig    `mapstructure:"device"`
		Transport TransportConfig `mapstructure:"transport"`
		Broker    BrokerConfig    `mapstructure:"broker"`
		Local     LocalConfig     `mapstructure:"local"`
		Security  SecurityConfig  `mapstructure:"security"`
		Ledger    LedgerConfig    `mapstructure:"ledger"`
		Entities  EntitiesConfig  `mapstructure:"entities"`
		Directory DirectoryConfig `mapstructure:"directory"`
		Storage   StorageConfig   `mapstructure:"storage"`
		Log       LogConfig       `mapstructure:"log"`
	}

	DeviceConfig struct {
		Callsign     string `mapstructure:"callsign"`
		Nickname     string `mapstructure:"nickname"`
		IdentityPath string `mapstructure:"identity_path"`
	}

	TransportConfig struct {
		Mode      Mode `mapstructure:"mode"`
		QueueSize int  `mapstructure:"queue_size"`
	}

	BrokerConfig struct {
		Host       string        `mapstructure:"host"`
		Port       int           `mapstructure:"port"`
		Username   string        `mapstructure:"username"`
		Password   string        `mapstructure:"password"`
		TLS        bool          `mapstructure:"tls"`
		DB         int           `mapstructure:"db"`
		Prefix     string        `mapstructure:"prefix"`
		MailboxTTL time.Duration `mapstructure:"mailbox_ttl"`
		MaxRetries int           `mapstructure:"max_retries"`
		Rate       int           `mapstructure:"rate"`
	}

	LocalConfig struct {
		Listen         string        `mapstructure:"listen"`
		AdvertiseURL   string        `mapstructure:"advertise_url"`
		Peers          []string      `mapstructure:"peers"`
		DiscoveryPort  int           `mapstructure:"discovery_port"`
		BeaconInterval time.Duration `mapstructure:"beacon_interval"`
		Rate           int           `mapstructure:"rate"`
	}

	SecurityConfig struct {
		SignOutgoing      bool          `mapstructure:"sign_outgoing"`
		RejectUnsigned    bool          `mapstructure:"reject_unsigned"`
		TrustOnFirstUse   bool          `mapstructure:"trust_on_first_use"`
		MaxMessageAge     time.Duration `mapstructure:"max_message_age"`
		PSK               string        `mapstructure:"psk"`
		PerPeerEncryption bool          `mapstructure:"per_peer_encryption"`
		TrustAnchors      []string      `mapstructure:"trust_anchors"`
		CertificatePath   string        `mapstructure:"certificate_path"`
	}

	LedgerConfig struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		AckTimeout  time.Duration `mapstructure:"ack_timeout"`
	}

	EntitiesConfig struct {
		TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
	}

	DirectoryConfig struct {
		OnlineThreshold time.Duration `mapstructure:"online_threshold"`
	}

	StorageConfig struct {
		MongoURI string `mapstructure:"mongo_uri"`
		Database string `mapstructure:"database"`
	}

	LogConfig struct {
		Level       string `mapstructure:"level"`
		File        string `mapstructure:"file"`
		Development bool   `mapstructure:"development"`
	}
)

const (
	ModeBroker Mode = "broker-only"
	ModeLocal  Mode = "local-only"
	ModeDual   Mode = "dual"
)

var ErrInvalid = errors.New("invalid configuration")

func (m Mode) UsesBroker() bool { return m == ModeBroker || m == ModeDual }
func (m Mode) UsesLocal() bool  { return m == ModeLocal || m == ModeDual }

// Every key gets a default, even an empty one, so AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("device.callsign", "")
	v.SetDefault("device.nickname", "")
	v.SetDefault("device.identity_path", "data/identity.json")
	v.SetDefault("transport.mode", string(ModeDual))
	v.SetDefault("transport.queue_size", 1024)
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 6379)
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.tls", false)
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.prefix", "tacmesh")
	v.SetDefault("broker.mailbox_ttl", 24*time.Hour)
	v.SetDefault("broker.max_retries", 5)
	v.SetDefault("broker.rate", 200)
	v.SetDefault("local.listen", ":9090")
	v.SetDefault("local.advertise_url", "")
	v.SetDefault("local.peers", []string{})
	v.SetDefault("local.discovery_port", 9999)
	v.SetDefault("local.beacon_interval", 5*time.Second)
	v.SetDefault("local.rate", 500)
	v.SetDefault("security.sign_outgoing", true)
	v.SetDefault("security.reject_unsigned", true)
	v.SetDefault("security.trust_on_first_use", true)
	v.SetDefault("security.max_message_age", 10*time.Minute)
	v.SetDefault("security.psk", "")
	v.SetDefault("security.per_peer_encryption", false)
	v.SetDefault("security.trust_anchors", []string{})
	v.SetDefault("security.certificate_path", "")
	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("ledger.ack_timeout", 30*time.Second)
	v.SetDefault("entities.tombstone_retention", time.Duration(0))
	v.SetDefault("directory.online_threshold", 300*time.Second)
	v.SetDefault("storage.mongo_uri", "")
	v.SetDefault("storage.database", "tacmesh")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.development", false)
}

// Load reads path (if non-empty), then TACMESH_* environment variables, on top
// of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TACMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case ModeBroker, ModeLocal, ModeDual:
	default:
		return fmt.Errorf("%w: transport.mode %q", ErrInvalid, c.Transport.Mode)
	}
	if c.Transport.Mode.UsesBroker() && c.Broker.Host == "" {
		return fmt.Errorf("%w: broker.host required in %s mode", ErrInvalid, c.Transport.Mode)
	}
	if c.Transport.Mode.UsesLocal() && c.Local.Listen == "" {
		return fmt.Errorf("%w: local.listen required in %s mode", ErrInvalid, c.Transport.Mode)
	}
	if c.Security.MaxMessageAge <= 0 {
		return fmt.Errorf("%w: security.max_message_age must be positive", ErrInvalid)
	}
	if c.Ledger.MaxAttempts <= 0 {
		return fmt.Errorf("%w: ledger.max_attempts must be positive", ErrInvalid)
	}
	return nil
}

func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}
