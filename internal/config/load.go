package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Load reads, decodes and defaults the config at path. Decoding problems are
// returned as *Error so callers can tell configuration mistakes apart from
// runtime failures. Load does not validate semantics; call Resolve for that.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Problems: []string{fmt.Sprintf("read %s: %v", path, err)}}
	}
	return Parse(data, FormatOf(path))
}

// Parse decodes data in the given format. Unknown fields and trailing data
// are rejected.
func Parse(data []byte, format string) (*Config, error) {
	b, err := toJSON(data, format)
	if err != nil {
		return nil, &Error{Problems: []string{err.Error()}}
	}

	var c Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, &Error{Problems: []string{describeDecodeError(err)}}
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, &Error{Problems: []string{"trailing data after config document"}}
	}

	c.applyDefaults()
	return &c, nil
}

func describeDecodeError(err error) string {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		return fmt.Sprintf("%s: expected %s, got %s", te.Field, te.Type, te.Value)
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "json: unknown field ") {
		return "unknown field " + strings.TrimPrefix(msg, "json: unknown field ")
	}
	return msg
}

// Default returns the configuration used when a field is omitted.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// built-in action defaults, applied per kind when the kind is configured
// without the field.
var kindDefaults = map[string]ActionConfig{
	"like":   {IntervalSeconds: Seconds(20, 40), DailyCap: intPtr(1500)},
	"follow": {IntervalSeconds: Seconds(60, 150), DailyCap: intPtr(333)},
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.JSON && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" && c.Storage.Driver != "none" {
		if c.Storage.Driver == "sqlite" {
			c.Storage.Path = "./data/cadencebot.db"
		} else {
			c.Storage.Path = "./data/cadencebot"
		}
	}

	if c.Dedup.Scope == "" {
		c.Dedup.Scope = "per_kind"
	}
	if c.Quota.Persist == nil {
		c.Quota.Persist = boolPtr(true)
	}
	if c.Quota.ResetSchedule == "" {
		c.Quota.ResetSchedule = "0 0 * * *"
	}

	if len(c.Actions) == 0 {
		c.Actions = map[string]ActionConfig{}
		for k, v := range kindDefaults {
			c.Actions[k] = v
		}
	}
	for kind, a := range c.Actions {
		def, known := kindDefaults[strings.ToLower(kind)]
		if known && !a.IntervalSeconds.IsSet() {
			a.IntervalSeconds = def.IntervalSeconds
		}
		if known && a.DailyCap == nil {
			a.DailyCap = def.DailyCap
		}
		if a.Enabled == nil {
			a.Enabled = boolPtr(true)
		}
		c.Actions[kind] = a
	}

	if c.MicroBreak.TriggerCount == nil {
		c.MicroBreak.TriggerCount = intPtr(25)
	}
	if !c.MicroBreak.Seconds.IsSet() {
		c.MicroBreak.Seconds = Seconds(120, 300)
	}

	if c.Sessions.Timezone == "" {
		c.Sessions.Timezone = "UTC"
	}

	if c.Filters.SkipRetweets == nil {
		c.Filters.SkipRetweets = boolPtr(true)
	}
	if c.Filters.SkipReplies == nil {
		c.Filters.SkipReplies = boolPtr(false)
	}

	if c.Source.MaxPages == 0 {
		c.Source.MaxPages = 3
	}
	if !c.Source.PageDelaySeconds.IsSet() {
		c.Source.PageDelaySeconds = Seconds(2, 5)
	}
	if c.Source.RetryMax == nil {
		c.Source.RetryMax = intPtr(3)
	}
	if c.Source.RetryBase == "" {
		c.Source.RetryBase = "5s"
	}
	if c.Source.RetryMaxDelay == "" {
		c.Source.RetryMaxDelay = "2m"
	}

	if c.Loop.PollInterval == "" {
		c.Loop.PollInterval = "15m"
	}
	if c.Loop.MinSleep == "" {
		c.Loop.MinSleep = "5s"
	}
	if !c.Loop.IdleJitterSeconds.IsSet() {
		c.Loop.IdleJitterSeconds = Seconds(20, 45)
	}

	if c.X.CookiesPath == "" {
		c.X.CookiesPath = "cookies.json"
	}
	if c.X.Headless == nil {
		c.X.Headless = boolPtr(true)
	}
	if c.X.ActionTimeout == "" {
		c.X.ActionTimeout = "45s"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Notify.Telegram.RatePerMinute == 0 {
		c.Notify.Telegram.RatePerMinute = 20
	}
}

func boolPtr(b bool) *bool { return &b }

func intPtr(n int) *int { return &n }
