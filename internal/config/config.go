// Package config holds the timing and retry tuning every protocol engine
// reads at construction time. Defaults match the constants named in the
// protocol specification; an optional YAML file can override them for a
// device family whose firmware is slower or faster than the defaults
// assume. No engine requires a config file to run.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Timings collects every timeout and retry count used across the engines.
// Durations are stored in milliseconds in the YAML document (matching the
// millisecond timeouts the transport contract takes) and kept as int
// millisecond fields after load; the duration helpers below convert them
// to time.Duration where the engines use them.
type Timings struct {
	Sahara   SaharaTimings   `yaml:"sahara"`
	Brom     BromTimings     `yaml:"brom"`
	SprdDiag SprdDiagTimings `yaml:"sprd_diag"`
	QDiag    QDiagTimings    `yaml:"qualcomm_diag"`
}

type SaharaTimings struct {
	HelloTimeoutMs      int `yaml:"hello_timeout_ms"`
	ReadTimeoutMs        int `yaml:"read_timeout_ms"`
	ExecTimeoutMs        int `yaml:"exec_timeout_ms"`
	ExecLargeTimeoutMs   int `yaml:"exec_large_timeout_ms"`
	ExecLargeThreshold   int `yaml:"exec_large_threshold_bytes"`
	HelloMaxRetries      int `yaml:"hello_max_retries"`
	HelloRetryFlushMs    int `yaml:"hello_retry_flush_ms"`
	HelloRetryGapMs      int `yaml:"hello_retry_gap_ms"`
	MaxBodyBytes         int `yaml:"max_body_bytes"`
}

type BromTimings struct {
	HandshakeByteTimeoutMs int `yaml:"handshake_byte_timeout_ms"`
	HandshakeFlushMs       int `yaml:"handshake_flush_ms"`
	HandshakeRetryDelayMs  int `yaml:"handshake_retry_delay_ms"`
	HandshakeMaxAttempts   int `yaml:"handshake_max_attempts"`
	DefaultTimeoutMs       int `yaml:"default_timeout_ms"`
	DaBlockSize            int `yaml:"da_block_size"`
}

type SprdDiagTimings struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	ResponseTimeoutMs int `yaml:"response_timeout_ms"`
}

type QDiagTimings struct {
	PollIntervalMs    int `yaml:"poll_interval_ms"`
	PollChunkBytes    int `yaml:"poll_chunk_bytes"`
	ResponseTimeoutMs int `yaml:"response_timeout_ms"`
	EfsReadChunk      int `yaml:"efs_read_chunk_bytes"`
	QcnMaxItem        int `yaml:"qcn_max_item"`
}

// Default returns the tuning pinned by the protocol specification.
func Default() *Timings {
	return &Timings{
		Sahara: SaharaTimings{
			HelloTimeoutMs:     60_000,
			ReadTimeoutMs:      10_000,
			ExecTimeoutMs:      5_000,
			ExecLargeTimeoutMs: 10_000,
			ExecLargeThreshold: 1000,
			HelloMaxRetries:    5,
			HelloRetryFlushMs:  100,
			HelloRetryGapMs:    500,
			MaxBodyBytes:       64 * 1024,
		},
		Brom: BromTimings{
			HandshakeByteTimeoutMs: 100,
			HandshakeFlushMs:       10,
			HandshakeRetryDelayMs:  50,
			HandshakeMaxAttempts:   100,
			DefaultTimeoutMs:       3_000,
			DaBlockSize:            4096,
		},
		SprdDiag: SprdDiagTimings{
			PollIntervalMs:    50,
			ResponseTimeoutMs: 5_000,
		},
		QDiag: QDiagTimings{
			PollIntervalMs:    50,
			PollChunkBytes:    4096,
			ResponseTimeoutMs: 5_000,
			EfsReadChunk:      512,
			QcnMaxItem:        7000,
		},
	}
}

// Load reads a YAML document and overlays it onto Default(). Fields absent
// from the document keep their default value. Unknown fields are rejected
// so a typo in a tuning file fails loudly instead of being silently
// ignored.
func Load(path string) (*Timings, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timings config: %w", err)
	}
	return Parse(content)
}

// Parse decodes a YAML document onto Default(), for callers that already
// have the bytes in hand (e.g. embedded config, tests).
func Parse(content []byte) (*Timings, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse timings yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a zero or negative value in any of the fields listed
// below. The Sahara hello-retry flush and gap, the large-execute
// threshold, the BROM handshake flush and retry delay, and the Diag poll
// chunk size are not checked.
func (t *Timings) Validate() error {
	checks := map[string]int{
		"sahara.hello_timeout_ms":      t.Sahara.HelloTimeoutMs,
		"sahara.read_timeout_ms":       t.Sahara.ReadTimeoutMs,
		"sahara.exec_timeout_ms":       t.Sahara.ExecTimeoutMs,
		"sahara.exec_large_timeout_ms": t.Sahara.ExecLargeTimeoutMs,
		"sahara.hello_max_retries":     t.Sahara.HelloMaxRetries,
		"sahara.max_body_bytes":        t.Sahara.MaxBodyBytes,
		"brom.handshake_byte_timeout_ms": t.Brom.HandshakeByteTimeoutMs,
		"brom.handshake_max_attempts":    t.Brom.HandshakeMaxAttempts,
		"brom.default_timeout_ms":        t.Brom.DefaultTimeoutMs,
		"brom.da_block_size":             t.Brom.DaBlockSize,
		"sprd_diag.poll_interval_ms":      t.SprdDiag.PollIntervalMs,
		"sprd_diag.response_timeout_ms":   t.SprdDiag.ResponseTimeoutMs,
		"qualcomm_diag.poll_interval_ms":    t.QDiag.PollIntervalMs,
		"qualcomm_diag.response_timeout_ms": t.QDiag.ResponseTimeoutMs,
		"qualcomm_diag.efs_read_chunk_bytes": t.QDiag.EfsReadChunk,
		"qualcomm_diag.qcn_max_item":         t.QDiag.QcnMaxItem,
	}
	for field, v := range checks {
		if v <= 0 {
			return fmt.Errorf("config.%s must be > 0, got %d", field, v)
		}
	}
	return nil
}

// Duration helpers, used by engines so call sites read as time.Duration
// rather than raw milliseconds.

func (t SaharaTimings) Hello() time.Duration      { return time.Duration(t.HelloTimeoutMs) * time.Millisecond }
func (t SaharaTimings) Read() time.Duration       { return time.Duration(t.ReadTimeoutMs) * time.Millisecond }
func (t SaharaTimings) Exec() time.Duration       { return time.Duration(t.ExecTimeoutMs) * time.Millisecond }
func (t SaharaTimings) ExecLarge() time.Duration  { return time.Duration(t.ExecLargeTimeoutMs) * time.Millisecond }
func (t SaharaTimings) RetryFlush() time.Duration { return time.Duration(t.HelloRetryFlushMs) * time.Millisecond }
func (t SaharaTimings) RetryGap() time.Duration   { return time.Duration(t.HelloRetryGapMs) * time.Millisecond }

func (t BromTimings) ByteTimeout() time.Duration  { return time.Duration(t.HandshakeByteTimeoutMs) * time.Millisecond }
func (t BromTimings) Flush() time.Duration        { return time.Duration(t.HandshakeFlushMs) * time.Millisecond }
func (t BromTimings) RetryDelay() time.Duration   { return time.Duration(t.HandshakeRetryDelayMs) * time.Millisecond }
func (t BromTimings) Default() time.Duration      { return time.Duration(t.DefaultTimeoutMs) * time.Millisecond }

func (t SprdDiagTimings) Poll() time.Duration     { return time.Duration(t.PollIntervalMs) * time.Millisecond }
func (t SprdDiagTimings) Response() time.Duration { return time.Duration(t.ResponseTimeoutMs) * time.Millisecond }

func (t QDiagTimings) Poll() time.Duration     { return time.Duration(t.PollIntervalMs) * time.Millisecond }
func (t QDiagTimings) Response() time.Duration { return time.Duration(t.ResponseTimeoutMs) * time.Millisecond }
