// Separate package is workaround to import cycles.
package tele_config

type Config struct {
	Mqtt  MqttConfig  `hcl:"mqtt"`
	Redis RedisConfig `hcl:"redis"`
}

type MqttConfig struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	Broker            string `hcl:"broker"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	TopicPrefix       string `hcl:"topic_prefix"`
	Qos               int    `hcl:"qos"`
	Retain            bool   `hcl:"retain"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}

// RedisConfig mirrors latest value per sensor into a hash with TTL.
type RedisConfig struct {
	Enabled           bool   `hcl:"enable"`
	Addr              string `hcl:"addr"`
	Password          string `hcl:"password"` // secret
	DB                int    `hcl:"db"`
	KeyPrefix         string `hcl:"key_prefix"`
	TTLSec            int    `hcl:"ttl_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
}
