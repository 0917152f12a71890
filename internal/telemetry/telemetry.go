// Package telemetry publishes device heartbeats to the cloud broker.
//
// A heartbeat carries the orchestrator's state name, uptime, software
// version and a few host memory figures. Payloads are JSON by default or
// CBOR for constrained links. Publishing is asynchronous so the caller's
// event loop never waits on broker acknowledgements or retries.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/shirou/gopsutil/v3/mem"
)

// Payload encodings.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// Publisher sends a payload to the broker. *session.Manager satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retryCount int) error
}

// Config configures a Reporter.
type Config struct {
	// Topic receives heartbeats. Required.
	Topic string

	// Encoding is EncodingJSON (default) or EncodingCBOR.
	Encoding string

	// Retries is passed to Publisher.Publish (default: 0).
	Retries int

	// Timeout bounds one heartbeat publish including retries
	// (default: 30s).
	Timeout time.Duration

	// DeviceID and Version are copied into every heartbeat.
	DeviceID string
	Version  string

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Heartbeat is the published document.
type Heartbeat struct {
	DeviceID      string  `json:"device_id" cbor:"1,keyasint"`
	State         string  `json:"state" cbor:"2,keyasint"`
	Seq           uint64  `json:"seq" cbor:"3,keyasint"`
	Timestamp     int64   `json:"ts" cbor:"4,keyasint"`
	UptimeSeconds int64   `json:"uptime_s" cbor:"5,keyasint"`
	Version       string  `json:"version,omitempty" cbor:"6,keyasint,omitempty"`
	MemUsedPct    float64 `json:"mem_used_pct,omitempty" cbor:"7,keyasint,omitempty"`
	MemAvailable  uint64  `json:"mem_available,omitempty" cbor:"8,keyasint,omitempty"`
}

// Reporter builds and publishes heartbeats.
type Reporter struct {
	cfg     Config
	pub     Publisher
	logger  *slog.Logger
	started time.Time
	seq     atomic.Uint64
	enc     cbor.EncMode

	// memory samples host memory; replaced in tests.
	memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reporter. It returns an error for an unknown encoding.
func New(cfg Config, pub Publisher) (*Reporter, error) {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.Encoding != EncodingJSON && cfg.Encoding != EncodingCBOR {
		return nil, fmt.Errorf("unknown telemetry encoding %q", cfg.Encoding)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		cfg:     cfg,
		pub:     pub,
		logger:  cfg.Logger.With("component", "telemetry"),
		started: time.Now(),
		enc:     enc,
		memory:  mem.VirtualMemoryWithContext,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// PublishHeartbeat publishes a heartbeat for state in the background.
// It does not block; the sequence number and timestamp are taken at the
// call.
func (r *Reporter) PublishHeartbeat(state string) {
	seq, now := r.seq.Add(1), time.Now()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		hb := r.build(state, seq, now)
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
		defer cancel()
		if err := r.publish(ctx, hb); err != nil {
			r.logger.Warn("heartbeat publish failed", "state", state, "seq", hb.Seq, "error", err)
			return
		}
		r.logger.Debug("heartbeat published", "state", state, "seq", hb.Seq)
	}()
}

// Close cancels in-flight publishes and waits for them to finish.
func (r *Reporter) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every heartbeat started so far has finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

func (r *Reporter) build(state string, seq uint64, now time.Time) Heartbeat {
	hb := Heartbeat{
		DeviceID:      r.cfg.DeviceID,
		State:         state,
		Seq:           seq,
		Timestamp:     now.Unix(),
		UptimeSeconds: int64(now.Sub(r.started) / time.Second),
		Version:       r.cfg.Version,
	}

	ctx, cancel := context.WithTimeout(r.ctx, time.Second)
	defer cancel()
	if vm, err := r.memory(ctx); err == nil && vm != nil {
		hb.MemUsedPct = vm.UsedPercent
		hb.MemAvailable = vm.Available
	} else if err != nil {
		r.logger.Debug("memory stats unavailable", "error", err)
	}
	return hb
}

func (r *Reporter) publish(ctx context.Context, hb Heartbeat) error {
	payload, err := r.Encode(hb)
	if err != nil {
		return err
	}
	return r.pub.Publish(ctx, r.cfg.Topic, payload, r.cfg.Retries)
}

// Encode renders hb in the configured encoding.
func (r *Reporter) Encode(hb Heartbeat) ([]byte, error) {
	switch r.cfg.Encoding {
	case EncodingCBOR:
		b, err := r.enc.Marshal(hb)
		if err != nil {
			return nil, fmt.Errorf("encode heartbeat cbor: %w", err)
		}
		return b, nil
	default:
		b, err := json.Marshal(hb)
		if err != nil {
			return nil, fmt.Errorf("encode heartbeat json: %w", err)
		}
		return b, nil
	}
}
