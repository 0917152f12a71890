package opstate

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend is everything both store implementations provide.
type backend interface {
	Getter
	Setter
	BatchSetter
	Lister
	NamespaceDeleter
	Delete(namespace, key string) error
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "settings_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// eachBackend runs fn against the SQLite store and the in-memory store.
func eachBackend(t *testing.T, fn func(t *testing.T, s backend)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, testStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemStore()) })
}

func TestGetMissing(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		val, err := s.Get("iot", "broker")
		require.NoError(t, err)
		assert.Empty(t, val)
	})
}

func TestSetGetUpsert(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		require.NoError(t, s.Set("netif/eth", "ip", "192.168.4.20"))
		require.NoError(t, s.Set("netif/eth", "ip", "192.168.4.21"), "upsert")

		val, _ := s.Get("netif/eth", "ip")
		assert.Equal(t, "192.168.4.21", val)
		val, _ = s.Get("netif/wifi", "ip")
		assert.Empty(t, val, "other namespace leaked")
	})
}

func TestDelete(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		s.Set("iot", "key_pem", "pem")
		require.NoError(t, s.Delete("iot", "key_pem"))
		val, _ := s.Get("iot", "key_pem")
		assert.Empty(t, val)
		assert.NoError(t, s.Delete("iot", "key_pem"), "deleting a missing key")
	})
}

func TestSetManyListNamespaces(t *testing.T) {
	eachBackend(t, func(t *testing.T, s backend) {
		identity := map[string]string{"broker": "mqtt.example.com:8883", "client_id": "abc"}
		require.NoError(t, s.SetMany("iot", identity))
		s.Set("station", "paired", "true")

		got, err := s.List("iot")
		require.NoError(t, err)
		assert.Equal(t, identity, got)

		ns, err := s.Namespaces()
		require.NoError(t, err)
		assert.Equal(t, []string{"iot", "station"}, ns)

		require.NoError(t, s.DeleteNamespace("iot"))
		got, _ = s.List("iot")
		assert.NotNil(t, got, "List() after DeleteNamespace")
		assert.Empty(t, got)
		v, _ := s.Get("station", "paired")
		assert.Equal(t, "true", v, "other namespace untouched")
	})
}

// failingSetter has no SetMany, so SetAll falls back to Set per key.
type failingSetter struct {
	calls  []string
	failOn string
}

func (f *failingSetter) Set(namespace, key, value string) error {
	f.calls = append(f.calls, key)
	if key == f.failOn {
		return errors.New("disk full")
	}
	return nil
}

func TestSetAll_FallbackIsOrdered(t *testing.T) {
	f := &failingSetter{failOn: "c"}
	err := SetAll(f, "iot", map[string]string{"d": "4", "a": "1", "c": "3", "b": "2"})
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, f.calls, "sorted and stopping at failure")
}

func TestSetAll_UsesBatch(t *testing.T) {
	m := NewMemStore()
	require.NoError(t, SetAll(m, "iot", map[string]string{"a": "1", "b": "2"}))
	got, _ := m.List("iot")
	assert.Len(t, got, 2)
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := NewStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, SetBool(s1, "station", "paired", true))
	s1.Close()

	s2, err := NewStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	paired, err := GetBool(s2, "station", "paired", false)
	require.NoError(t, err)
	assert.True(t, paired, "paired flag after reopen")
}

func TestStore_ConcurrentHandles(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	serve, err := NewStore(dbPath)
	require.NoError(t, err)
	defer serve.Close()
	cli, err := NewStore(dbPath)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Set("station", "paired", "true"), "second handle write")
	v, _ := serve.Get("station", "paired")
	assert.Equal(t, "true", v, "first handle view")
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestGetBool(t *testing.T) {
	m := NewMemStore()
	m.Set("netif/wifi", "enabled", "true")
	m.Set("netif/wifi", "dhcp", "garbage")

	tests := []struct {
		name    string
		key     string
		def     bool
		want    bool
		wantErr bool
	}{
		{"present", "enabled", false, true, false},
		{"missing uses default", "missing", true, true, false},
		{"unparsable", "dhcp", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetBool(m, "netif/wifi", tt.key, tt.def)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
