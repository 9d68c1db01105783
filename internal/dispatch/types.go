package dispatch

import (
	"errors"
	"time"

	"wagate/internal/transport"
)

var (
	// ErrNoRecipients rejects a send with an empty recipient list.
	ErrNoRecipients = errors.New("no recipients")
	// ErrEmptyMessage rejects a send whose text is blank and that carries
	// no media.
	ErrEmptyMessage = errors.New("empty message")
)

type Config struct {
	GroupBatchSize   int // default 3
	ChannelBatchSize int // default 2; channels are throttled harder by the platform

	GroupBatchDelay   time.Duration // between batches, default 2s
	ChannelBatchDelay time.Duration // default 5s

	SendTimeout time.Duration // per recipient send, default 30s
	RatePerSec  int           // limiter across individual sends, default 10
}

func (c *Config) setDefaults() {
	if c.GroupBatchSize <= 0 {
		c.GroupBatchSize = 3
	}
	if c.ChannelBatchSize <= 0 {
		c.ChannelBatchSize = 2
	}
	if c.GroupBatchDelay <= 0 {
		c.GroupBatchDelay = 2 * time.Second
	}
	if c.ChannelBatchDelay <= 0 {
		c.ChannelBatchDelay = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
}

// Media is one attachment declared by MIME type.
type Media struct {
	Data     []byte
	MIME     string
	FileName string
}

// Content is the message body of one job: text, optionally with one
// attachment. For media kinds the text becomes the caption.
type Content struct {
	Text  string
	Media *Media
}

// Job describes one send call. It exists only for the duration of the call.
type Job struct {
	Kind       transport.Kind
	Recipients []string
	Content    Content
	BatchSize  int // 0 means the kind's default
}

// Result is the per-recipient outcome. The ordered result list is the job's
// only output.
type Result struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Outcome aggregates a finished job. Warning is set when a channel broadcast
// (experimental) delivered to nobody; that is surfaced instead of failing.
type Outcome struct {
	Results []Result
	Warning string
}

// Summary is published on the event bus when a job finishes.
type Summary struct {
	Kind   transport.Kind `json:"kind"`
	Total  int            `json:"total"`
	Failed int            `json:"failed"`
}
