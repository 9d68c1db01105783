// Package config parses the gateway's JSON or YAML configuration. Decoding
// is strict (unknown fields rejected) and all durations are Go duration
// strings ("30s", "5m").
package config

import (
	"time"

	"wagate/internal/directory"
	"wagate/internal/dispatch"
	"wagate/internal/notify"
	"wagate/internal/scheduler"
	"wagate/internal/sendlock"
	"wagate/internal/session"
	"wagate/internal/storage"
	logx "wagate/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Directory DirectoryConfig `json:"directory"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	SendLock  SendLockConfig  `json:"send_lock,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SessionConfig struct {
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
	QRTTL                string `json:"qr_ttl,omitempty"`
	ReconnectBase        string `json:"reconnect_base,omitempty"`
	ReconnectCap         string `json:"reconnect_cap,omitempty"`
	InitRetryBase        string `json:"init_retry_base,omitempty"`
	InitRetryCap         string `json:"init_retry_cap,omitempty"`
}

type DirectoryConfig struct {
	MaxAge       string `json:"max_age,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	FetchRetries int    `json:"fetch_retries,omitempty"`
}

type DispatchConfig struct {
	GroupBatchSize    int    `json:"group_batch_size,omitempty"`
	ChannelBatchSize  int    `json:"channel_batch_size,omitempty"`
	GroupBatchDelay   string `json:"group_batch_delay,omitempty"`
	ChannelBatchDelay string `json:"channel_batch_delay,omitempty"`
	SendTimeout       string `json:"send_timeout,omitempty"`
	RatePerSec        int    `json:"rate_per_sec,omitempty"`
}

type SendLockConfig struct {
	TTL string `json:"ttl,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

// ---- typed views ----

func (c *Config) Logx() logx.Config {
	out := logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
	}
	out.File.Enabled = c.Logging.File.Enabled
	out.File.Path = c.Logging.File.Path
	return out
}

func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func (c *Config) SessionConfig() (session.Config, error) {
	out := session.Config{MaxReconnectAttempts: c.Session.MaxReconnectAttempts}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"session.qr_ttl", c.Session.QRTTL, &out.QRTTL},
		{"session.reconnect_base", c.Session.ReconnectBase, &out.ReconnectBase},
		{"session.reconnect_cap", c.Session.ReconnectCap, &out.ReconnectCap},
		{"session.init_retry_base", c.Session.InitRetryBase, &out.InitRetryBase},
		{"session.init_retry_cap", c.Session.InitRetryCap, &out.InitRetryCap},
	}
	for _, f := range fields {
		d, err := ParseDurationField(f.path, f.raw)
		if err != nil {
			return session.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func (c *Config) DirectoryConfig() (directory.Config, error) {
	maxAge, err := ParseDurationField("directory.max_age", c.Directory.MaxAge)
	if err != nil {
		return directory.Config{}, err
	}
	timeout, err := ParseDurationField("directory.fetch_timeout", c.Directory.FetchTimeout)
	if err != nil {
		return directory.Config{}, err
	}
	return directory.Config{
		MaxAge:       maxAge,
		FetchTimeout: timeout,
		FetchRetries: c.Directory.FetchRetries,
	}, nil
}

func (c *Config) DispatchConfig() (dispatch.Config, error) {
	groupDelay, err := ParseDurationField("dispatch.group_batch_delay", c.Dispatch.GroupBatchDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	channelDelay, err := ParseDurationField("dispatch.channel_batch_delay", c.Dispatch.ChannelBatchDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := ParseDurationField("dispatch.send_timeout", c.Dispatch.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		GroupBatchSize:    c.Dispatch.GroupBatchSize,
		ChannelBatchSize:  c.Dispatch.ChannelBatchSize,
		GroupBatchDelay:   groupDelay,
		ChannelBatchDelay: channelDelay,
		SendTimeout:       sendTimeout,
		RatePerSec:        c.Dispatch.RatePerSec,
	}, nil
}

func (c *Config) SendLockConfig() (sendlock.Config, error) {
	ttl, err := ParseDurationField("send_lock.ttl", c.SendLock.TTL)
	if err != nil {
		return sendlock.Config{}, err
	}
	return sendlock.Config{TTL: ttl}, nil
}

func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{Enabled: c.Scheduler.Enabled, Timezone: c.Scheduler.Timezone}
}

func (c *Config) NotifyConfig() notify.Config {
	return notify.Config{
		Enabled:    c.Notify.Enabled,
		Token:      c.Notify.Token,
		ChatID:     c.Notify.ChatID,
		RatePerSec: c.Notify.RatePerSec,
		QueueSize:  c.Notify.QueueSize,
	}
}
