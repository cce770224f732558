package kvik

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the client. The zero value is not usable;
// build one with DefaultConfig and adjust its fields, or load one with
// LoadConfigFile.
type Config struct {
	LocalDelivery struct {
		RespTimeout time.Duration `yaml:"resp_timeout"`
	} `yaml:"local_delivery"`

	MsgIDCache struct {
		TimeUnit time.Duration `yaml:"time_unit"`
		MaxAge   uint8         `yaml:"max_age"`
	} `yaml:"msg_id_cache"`

	GwDscv struct {
		DscvMinDelay          time.Duration `yaml:"dscv_min_delay"`
		DscvMaxDelay          time.Duration `yaml:"dscv_max_delay"`
		InitialDscvFailThres  int           `yaml:"initial_dscv_fail_thres"`
		TrigMsgsFailCnt       uint16        `yaml:"trig_msgs_fail_cnt"`
		TrigTimeSyncNoRespCnt uint16        `yaml:"trig_time_sync_no_resp_cnt"`
	} `yaml:"gw_dscv"`

	Reporting struct {
		RSSIOnGwDscv bool   `yaml:"rssi_on_gw_dscv"`
		BaseTopic    string `yaml:"base_topic"`
		RSSISubtopic string `yaml:"rssi_subtopic"`
	} `yaml:"reporting"`

	SubDB struct {
		SubLifetime time.Duration `yaml:"sub_lifetime"`
	} `yaml:"sub_db"`

	TimeSync struct {
		SyncSystemTime         bool          `yaml:"sync_system_time"`
		ReprobeGatewayInterval time.Duration `yaml:"reprobe_gateway_interval"`
	} `yaml:"time_sync"`

	TopicSep struct {
		LevelSeparator      string `yaml:"level_separator"`
		SingleLevelWildcard string `yaml:"single_level_wildcard"`
		MultiLevelWildcard  string `yaml:"multi_level_wildcard"`
	} `yaml:"topic_sep"`

	// Logger receives structured diagnostics; a nil Logger discards them.
	Logger *slog.Logger `yaml:"-"`

	// Metrics, if non-nil, is fed counters and gauges for discovery,
	// failure tracking, duplicate-ID drops and subscription count. Optional.
	Metrics *Metrics `yaml:"-"`

	// Clock is the time source for the background timers (ID-cache expiry,
	// time sync, subscription renewal), the discovery backoff and the
	// message timestamps. Swapping it for a fake clock is how the
	// discovery-backoff test controls the backoff without sleeping.
	// Response timeouts are context deadlines on the real clock.
	Clock clock.Clock `yaml:"-"`

	// SetSystemTime is called by sync_time when TimeSync.SyncSystemTime is
	// set, to apply the wall-clock correction. It is nil by default, and a
	// nil SetSystemTime skips the correction; an error it returns is logged
	// and otherwise ignored.
	SetSystemTime func(time.Time) error `yaml:"-"`
}

// DefaultConfig returns a Config populated with every default from the
// specification.
func DefaultConfig() *Config {
	c := &Config{}
	c.LocalDelivery.RespTimeout = 500 * time.Millisecond

	c.MsgIDCache.TimeUnit = 500 * time.Millisecond
	c.MsgIDCache.MaxAge = 3

	c.GwDscv.DscvMinDelay = time.Second
	c.GwDscv.DscvMaxDelay = 2 * time.Minute
	c.GwDscv.InitialDscvFailThres = 5
	c.GwDscv.TrigMsgsFailCnt = 5
	c.GwDscv.TrigTimeSyncNoRespCnt = 2

	c.Reporting.RSSIOnGwDscv = true
	c.Reporting.BaseTopic = "_report"
	c.Reporting.RSSISubtopic = "rssi"

	c.SubDB.SubLifetime = 10 * time.Minute

	c.TimeSync.SyncSystemTime = false
	c.TimeSync.ReprobeGatewayInterval = 60 * time.Minute

	c.TopicSep.LevelSeparator = "/"
	c.TopicSep.SingleLevelWildcard = "+"
	c.TopicSep.MultiLevelWildcard = "#"

	c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	c.Clock = clock.New()
	return c
}

// LoadConfigFile reads a YAML document into a fresh DefaultConfig,
// overriding only the fields present in the file.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kvik: open config: %w", err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("kvik: parse config: %w", err)
	}
	return cfg, nil
}

// validate checks invariants that must hold before a client can be built.
func (c *Config) validate() error {
	if c.MsgIDCache.MaxAge < 1 {
		return fmt.Errorf("%w: msg_id_cache.max_age must be >= 1", ErrInvalidConfig)
	}
	sep, single, multi := c.TopicSep.LevelSeparator, c.TopicSep.SingleLevelWildcard, c.TopicSep.MultiLevelWildcard
	if sep == "" || single == "" || multi == "" || sep == single || sep == multi || single == multi {
		return fmt.Errorf("%w: topic_sep tokens must be non-empty and pairwise distinct", ErrInvalidConfig)
	}
	if c.SubDB.SubLifetime <= 0 {
		return fmt.Errorf("%w: sub_db.sub_lifetime must be positive", ErrInvalidConfig)
	}
	return nil
}

// trigMsgsFailThreshold and trigTimeSyncThreshold implement the documented
// "0 and 1 both mean no loss permitted" convention for the trigger counters.
func (c *Config) trigMsgsFailThreshold() uint16 {
	if c.GwDscv.TrigMsgsFailCnt == 0 {
		return 1
	}
	return c.GwDscv.TrigMsgsFailCnt
}

func (c *Config) trigTimeSyncThreshold() uint16 {
	if c.GwDscv.TrigTimeSyncNoRespCnt == 0 {
		return 1
	}
	return c.GwDscv.TrigTimeSyncNoRespCnt
}
