package options

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/flashota/pkg/mqtt"
	"github.com/autopeer-io/flashota/pkg/mqtt/topic"
)

var _ IOptions = (*MqttOptions)(nil)

// MqttOptions contains configuration for the MQTT client and update topics.
type MqttOptions struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Broker   string `json:"broker" mapstructure:"broker"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	ClientID string `json:"client-id" mapstructure:"client-id"`

	// Client behavior
	KeepAlive      time.Duration `json:"keep-alive" mapstructure:"keep-alive"`
	ConnectTimeout time.Duration `json:"connect-timeout" mapstructure:"connect-timeout"`
	SessionExpiry  uint32        `json:"session-expiry" mapstructure:"session-expiry"`
	CleanStart     bool          `json:"clean-start" mapstructure:"clean-start"`

	// InsecureSkipVerify controls whether a client verifies the server's certificate chain and host name.
	// This should be used only for testing.
	InsecureSkipVerify bool `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`

	// TopicRoot prefixes every topic: {TopicRoot}/a/{AppID}/u/{AppVersion}.
	TopicRoot  string `json:"topic-root" mapstructure:"topic-root"`
	AppID      string `json:"app-id" mapstructure:"app-id"`
	AppVersion string `json:"app-version" mapstructure:"app-version"`

	// DeviceID names this device in status topics. Defaults to the client ID.
	DeviceID string `json:"device-id" mapstructure:"device-id"`
}

// NewMqttOptions creates a new MqttOptions with default values.
func NewMqttOptions() *MqttOptions {
	return &MqttOptions{
		Broker:         "mqtt://localhost:1883",
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 5 * time.Second,
		SessionExpiry:  60,
		CleanStart:     true,
		AppID:          "flashota",
		AppVersion:     "1.0",
	}
}

// Validate checks the broker URL and topic parts when MQTT is enabled.
func (o *MqttOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	if u, err := url.Parse(o.Broker); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Errorf("invalid --mqtt.broker %q", o.Broker))
	}
	if o.AppID == "" || o.AppVersion == "" {
		errors = append(errors, fmt.Errorf("--mqtt.app-id and --mqtt.app-version are required"))
	}

	return errors
}

// AddFlags adds flags for MqttOptions to the specified FlagSet.
func (o *MqttOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "mqtt.enabled", o.Enabled, "Receive updates over MQTT.")
	fs.StringVar(&o.Broker, "mqtt.broker", o.Broker, "The URL of the MQTT broker.")
	fs.StringVar(&o.Username, "mqtt.username", o.Username, "The username for MQTT authentication.")
	fs.StringVar(&o.Password, "mqtt.password", o.Password, "The password for MQTT authentication.")
	fs.StringVar(&o.ClientID, "mqtt.client-id", o.ClientID, "Explicit Client ID (optional, usually generated).")

	fs.DurationVar(&o.KeepAlive, "mqtt.keep-alive", o.KeepAlive, "MQTT Keep Alive interval.")
	fs.DurationVar(&o.ConnectTimeout, "mqtt.connect-timeout", o.ConnectTimeout, "Timeout for establishing MQTT connection.")
	fs.Uint32Var(&o.SessionExpiry, "mqtt.session-expiry", o.SessionExpiry, "MQTT Session Expiry Interval in seconds.")
	fs.BoolVar(&o.InsecureSkipVerify, "mqtt.insecure-skip-verify", o.InsecureSkipVerify, "If true, skips the TLS certificate verification.")

	// Topics
	fs.StringVar(&o.TopicRoot, "mqtt.topic-root", o.TopicRoot, "Optional prefix of every topic.")
	fs.StringVar(&o.AppID, "mqtt.app-id", o.AppID, "Application id used in the update topic.")
	fs.StringVar(&o.AppVersion, "mqtt.app-version", o.AppVersion, "Application version used in the update topic.")
	fs.StringVar(&o.DeviceID, "mqtt.device-id", o.DeviceID, "Device id used in the status topic.")
}

// UpdateTopic returns the topic updates for this application version arrive on.
func (o *MqttOptions) UpdateTopic() string {
	return topic.NewTopicBuilder(o.TopicRoot).Update(o.AppID, o.AppVersion)
}

// StatusTopic returns the topic this device reports update progress on.
func (o *MqttOptions) StatusTopic() string {
	return topic.NewTopicBuilder(o.TopicRoot).Status(o.deviceID())
}

// OnlineTopic returns the retained presence topic of this device.
func (o *MqttOptions) OnlineTopic() string {
	return topic.NewTopicBuilder(o.TopicRoot).Online(o.deviceID())
}

func (o *MqttOptions) deviceID() string {
	if o.DeviceID != "" {
		return o.DeviceID
	}
	return o.ClientID
}

// ToClientConfig returns the client configuration. When a device id is known
// the broker announces "offline" on the presence topic if the client drops.
func (o *MqttOptions) ToClientConfig() *mqtt.ClientConfig {
	cfg := &mqtt.ClientConfig{
		BrokerURL:          o.Broker,
		Username:           o.Username,
		Password:           o.Password,
		ClientID:           o.ClientID,
		KeepAlive:          uint16(o.KeepAlive.Seconds()),
		SessionExpiry:      o.SessionExpiry,
		ConnectTimeout:     o.ConnectTimeout,
		CleanStart:         o.CleanStart,
		InsecureSkipVerify: o.InsecureSkipVerify,
	}
	if o.deviceID() != "" {
		cfg.WillTopic = o.OnlineTopic()
		cfg.WillPayload = []byte("offline")
		cfg.WillQoS = 1
		cfg.WillRetain = true
	}
	return cfg
}
