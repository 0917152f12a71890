package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	payload []byte
	retries int
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte, retryCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic, payload, retryCount})
	return nil
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

func fakeMemory(ctx context.Context) (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{UsedPercent: 42.5, Available: 1 << 20}, nil
}

func newReporter(t *testing.T, cfg Config, pub Publisher) *Reporter {
	t.Helper()
	r, err := New(cfg, pub)
	require.NoError(t, err)
	r.memory = fakeMemory
	t.Cleanup(r.Close)
	return r
}

func TestPublishHeartbeat_JSON(t *testing.T) {
	pub := &fakePublisher{}
	r := newReporter(t, Config{Topic: "cp/1/heartbeat", DeviceID: "cp-1", Version: "1.2.3", Retries: 2}, pub)

	r.PublishHeartbeat("connected")
	r.Wait()

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "cp/1/heartbeat", sent[0].topic)
	assert.Equal(t, 2, sent[0].retries)

	var hb Heartbeat
	require.NoError(t, json.Unmarshal(sent[0].payload, &hb))
	assert.Equal(t, "cp-1", hb.DeviceID)
	assert.Equal(t, "connected", hb.State)
	assert.Equal(t, "1.2.3", hb.Version)
	assert.EqualValues(t, 1, hb.Seq)
	assert.InDelta(t, 42.5, hb.MemUsedPct, 0.001)
	assert.EqualValues(t, 1<<20, hb.MemAvailable)
}

func TestPublishHeartbeat_CBOR(t *testing.T) {
	pub := &fakePublisher{}
	r := newReporter(t, Config{Topic: "hb", Encoding: EncodingCBOR, DeviceID: "cp-2"}, pub)

	r.PublishHeartbeat("connected")
	r.PublishHeartbeat("connected")
	r.Wait()

	sent := pub.all()
	require.Len(t, sent, 2)

	seqs := map[uint64]bool{}
	for _, s := range sent {
		var hb Heartbeat
		require.NoError(t, cbor.Unmarshal(s.payload, &hb))
		assert.Equal(t, "cp-2", hb.DeviceID)
		seqs[hb.Seq] = true
	}
	assert.Equal(t, map[uint64]bool{1: true, 2: true}, seqs)
}

func TestCBORIsSmallerThanJSON(t *testing.T) {
	hb := Heartbeat{DeviceID: "cp-3", State: "connected", Seq: 9, Timestamp: 1700000000, UptimeSeconds: 3600}

	rj := newReporter(t, Config{Topic: "hb"}, &fakePublisher{})
	rc := newReporter(t, Config{Topic: "hb", Encoding: EncodingCBOR}, &fakePublisher{})

	j, err := rj.Encode(hb)
	require.NoError(t, err)
	c, err := rc.Encode(hb)
	require.NoError(t, err)
	assert.Less(t, len(c), len(j))
}

func TestPublishFailureIsLoggedNotFatal(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	r := newReporter(t, Config{Topic: "hb"}, pub)
	r.PublishHeartbeat("connected")
	r.Wait()
	assert.Empty(t, pub.all())
}

func TestMemoryErrorOmitsFields(t *testing.T) {
	pub := &fakePublisher{}
	r := newReporter(t, Config{Topic: "hb"}, pub)
	r.memory = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return nil, errors.New("no /proc")
	}
	r.PublishHeartbeat("connected")
	r.Wait()

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.NotContains(t, string(sent[0].payload), "mem_used_pct")
}

func TestPublishHeartbeat_SlowMemoryDoesNotBlockCaller(t *testing.T) {
	pub := &fakePublisher{}
	r := newReporter(t, Config{Topic: "hb"}, pub)
	release := make(chan struct{})
	r.memory = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		<-release
		return fakeMemory(ctx)
	}

	returned := make(chan struct{})
	go func() {
		r.PublishHeartbeat("connected")
		r.PublishHeartbeat("connected")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("PublishHeartbeat blocked on the memory sample")
	}
	assert.Empty(t, pub.all())

	close(release)
	r.Wait()
	sent := pub.all()
	require.Len(t, sent, 2)
	seqs := map[uint64]bool{}
	for _, p := range sent {
		var hb Heartbeat
		require.NoError(t, json.Unmarshal(p.payload, &hb))
		seqs[hb.Seq] = true
	}
	assert.Equal(t, map[uint64]bool{1: true, 2: true}, seqs)
}

func TestNew_UnknownEncoding(t *testing.T) {
	_, err := New(Config{Topic: "hb", Encoding: "xml"}, &fakePublisher{})
	assert.Error(t, err)
}
