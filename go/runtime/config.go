// Package runtime assembles the ingester: configuration, logging, and the
// wired Service that cmd/fleet-ingester serves.
package runtime

import (
	"fmt"
	"os"
	"time"

	"github.com/gxp-io/fleet/go/ingest"
	"github.com/gxp-io/fleet/go/protocol"
	"github.com/gxp-io/fleet/go/router"
	"github.com/gxp-io/fleet/go/transport"
)

// Config is the ingester configuration, parsed from flags and environment by
// go-flags. Environment names are flat (MQTT_HOST, CAPTURE_TIMEOUT_MS) so the
// same variables drive container deployments and local runs.
type Config struct {
	MQTT struct {
		Host     string `long:"host" env:"MQTT_HOST" default:"localhost" description:"MQTT broker host"`
		Port     int    `long:"port" env:"MQTT_PORT" default:"8883" description:"MQTT broker port"`
		TLS      bool   `long:"tls" env:"MQTT_TLS" default:"true" description:"Connect to the broker over TLS"`
		Username string `long:"username" env:"MQTT_USERNAME" description:"MQTT username"`
		Password string `long:"password" env:"MQTT_PASSWORD" description:"MQTT password"`
		ClientID string `long:"client-id" env:"MQTT_CLIENT_ID" description:"MQTT client id (default fleet-ingester-<pid>)"`
	} `group:"MQTT" namespace:"mqtt"`

	Topic struct {
		Data   string `long:"data" env:"TOPIC_PATTERN_DATA" default:"DEVICE/+/data" description:"Chunk and metadata topic pattern"`
		Status string `long:"status" env:"TOPIC_PATTERN_STATUS" default:"DEVICE/+/status" description:"Device check-in topic pattern"`
		Ack    string `long:"ack" env:"TOPIC_PATTERN_ACK" default:"DEVICE/+/ack" description:"Acknowledgement topic pattern"`
		Cmd    string `long:"cmd" env:"TOPIC_PATTERN_CMD" default:"DEVICE/+/cmd" description:"Command topic pattern"`
	} `group:"Topics" namespace:"topic"`

	Database struct {
		URL        string `long:"url" env:"DATABASE_URL" description:"PostgreSQL connection string. Empty runs a volatile in-memory store."`
		TimeoutMS  int    `long:"timeout-ms" env:"STORE_TIMEOUT_MS" default:"10000" description:"Per-operation store deadline in milliseconds"`
		CacheSize  int    `long:"cache-size" env:"DEVICE_CACHE_SIZE" default:"4096" description:"Device lookup cache entries"`
		CacheTTLMS int    `long:"cache-ttl-ms" env:"DEVICE_CACHE_TTL_MS" default:"60000" description:"Device lookup cache TTL in milliseconds"`
	} `group:"Database" namespace:"database"`

	Storage struct {
		Bucket     string `long:"bucket" env:"STORAGE_BUCKET" description:"GCS bucket for capture blobs. Empty runs a volatile in-memory bucket."`
		PublicBase string `long:"public-base" env:"STORAGE_PUBLIC_BASE" description:"Public URL base for stored objects"`
	} `group:"Storage" namespace:"storage"`

	Ingest struct {
		CaptureTimeoutMS  int   `long:"capture-timeout-ms" env:"CAPTURE_TIMEOUT_MS" default:"600000" description:"Quiet time before an assembly is failed"`
		RetransmitDelayMS int   `long:"retransmit-delay-ms" env:"RETRANSMIT_DELAY_MS" default:"3000" description:"Quiet time before a retransmission request"`
		RetransmitMax     int   `long:"retransmit-max" env:"RETRANSMIT_MAX" default:"3" description:"Fruitless retransmission rounds before abandoning"`
		MaxImageBytes     int64 `long:"max-image-bytes" env:"MAX_IMAGE_BYTES" default:"2097152" description:"Largest accepted image"`
		MaxAssemblies     int   `long:"max-assemblies" env:"MAX_ASSEMBLIES" default:"1024" description:"Concurrent assembly cap, all devices"`
		MaxPerDevice      int   `long:"max-assemblies-per-device" env:"MAX_ASSEMBLIES_PER_DEVICE" default:"8" description:"Concurrent assembly cap per device"`
		LenientSize       bool  `long:"lenient-size" env:"INGEST_LENIENT_SIZE" description:"Log declared-size mismatches instead of failing the capture"`
		ReaperIntervalMS  int   `long:"reaper-interval-ms" env:"REAPER_INTERVAL_MS" default:"30000" description:"Stale-assembly sweep interval"`
		MailboxSize       int   `long:"mailbox-size" env:"DEVICE_MAILBOX_SIZE" default:"64" description:"Per-device inbound queue depth"`
	} `group:"Ingest" namespace:"ingest"`

	Command struct {
		PollMS int `long:"poll-ms" env:"COMMAND_POLL_MS" default:"2000" description:"Queued-command poll interval"`
	} `group:"Commands" namespace:"command"`

	Log struct {
		Level  string `long:"level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
	} `group:"Logging" namespace:"log"`

	Metrics struct {
		Port int `long:"port" env:"METRICS_PORT" default:"8080" description:"Port for /metrics and /healthz. Zero disables the listener."`
	} `group:"Metrics" namespace:"metrics"`
}

// MQTTConfig renders the transport configuration. A missing client id gets a
// per-process default so parallel deployments don't steal each other's broker
// session.
func (c *Config) MQTTConfig() transport.MQTTConfig {
	var id = c.MQTT.ClientID
	if id == "" {
		id = fmt.Sprintf("fleet-ingester-%d", os.Getpid())
	}
	return transport.MQTTConfig{
		Host:           c.MQTT.Host,
		Port:           c.MQTT.Port,
		TLS:            c.MQTT.TLS,
		Username:       c.MQTT.Username,
		Password:       c.MQTT.Password,
		ClientID:       id,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: time.Minute,
	}
}

// Topics parses the four topic patterns.
func (c *Config) Topics() (router.Topics, error) {
	var t router.Topics
	var err error
	if t.Data, err = protocol.ParseTopicPattern(c.Topic.Data); err != nil {
		return t, fmt.Errorf("data topic: %w", err)
	}
	if t.Status, err = protocol.ParseTopicPattern(c.Topic.Status); err != nil {
		return t, fmt.Errorf("status topic: %w", err)
	}
	if t.Ack, err = protocol.ParseTopicPattern(c.Topic.Ack); err != nil {
		return t, fmt.Errorf("ack topic: %w", err)
	}
	if t.Cmd, err = protocol.ParseTopicPattern(c.Topic.Cmd); err != nil {
		return t, fmt.Errorf("cmd topic: %w", err)
	}
	return t, nil
}

// IngestConfig renders the assembly manager configuration.
func (c *Config) IngestConfig(ack protocol.TopicPattern) ingest.Config {
	return ingest.Config{
		CaptureTimeout:  ms(c.Ingest.CaptureTimeoutMS),
		RetransmitDelay: ms(c.Ingest.RetransmitDelayMS),
		RetransmitMax:   c.Ingest.RetransmitMax,
		MaxImageBytes:   c.Ingest.MaxImageBytes,
		MaxAssemblies:   c.Ingest.MaxAssemblies,
		MaxPerDevice:    c.Ingest.MaxPerDevice,
		LenientSize:     c.Ingest.LenientSize,
		AckTopic:        ack,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
