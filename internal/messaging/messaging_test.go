package messaging

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPayloadIsStableAndShort(t *testing.T) {
	h1 := HashPayload("server=a&server=b&associator=adsb")
	h2 := HashPayload("server=a&server=b&associator=adsb")
	h3 := HashPayload("server=a&server=b&associator=other")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 10)
}

func TestParseQueryConfigRejectsUnknownKey(t *testing.T) {
	_, err := ParseQueryConfig("server=a&bogus=1")
	assert.Error(t, err)
}

func TestParseQueryConfigAcceptsRepeatedServer(t *testing.T) {
	cfg, err := ParseQueryConfig("server=a&server=b&associator=adsb&localisation=ellipsoid_mean&adsb=http://x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, cfg.Servers)
	assert.Equal(t, "adsb", cfg.Associator)
}

func TestParseQueryConfigFieldsMatchExactly(t *testing.T) {
	cfg, err := ParseQueryConfig("server=b&server=a&associator=adsb&localisation=ellipsoid_mean&adsb=http://x")
	require.NoError(t, err)

	want := QueryConfig{
		Servers:      []string{"a", "b"},
		Associator:   "adsb",
		Localisation: "ellipsoid_mean",
		Adsb:         "http://x",
	}
	opts := cmpopts.SortSlices(func(a, b string) bool { return a < b })
	if diff := cmp.Diff(want, cfg, opts, cmpopts.IgnoreFields(QueryConfig{}, "Hash", "LastSeen")); diff != "" {
		t.Errorf("ParseQueryConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreUpsertRefreshesExistingEntry(t *testing.T) {
	s := NewStore()
	t0 := time.Unix(1000, 0)
	cfg1, err := s.Upsert("server=a&associator=adsb", t0)
	require.NoError(t, err)

	t1 := t0.Add(5 * time.Second)
	cfg2, err := s.Upsert("server=a&associator=adsb", t1)
	require.NoError(t, err)

	assert.Equal(t, cfg1.Hash, cfg2.Hash)
	assert.Len(t, s.Snapshot(), 1)
}

func TestStoreReapRemovesExpired(t *testing.T) {
	s := NewStore()
	t0 := time.Unix(1000, 0)
	_, err := s.Upsert("server=a", t0)
	require.NoError(t, err)

	removed := s.Reap(60, t0.Add(30*time.Second))
	assert.Empty(t, removed)
	assert.Len(t, s.Snapshot(), 1)

	removed = s.Reap(60, t0.Add(120*time.Second))
	assert.Len(t, removed, 1)
	assert.Empty(t, s.Snapshot())
}

func TestServerRoundTrip(t *testing.T) {
	store := NewStore()
	srv := NewServer("127.0.0.1:0", store)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("server=a&associator=adsb")
	require.NoError(t, writeFrame(conn, payload))

	respBytes, err := readFrame(conn)
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(respBytes, &reply))
	assert.NotEmpty(t, reply.Hash)
	assert.Equal(t, "adsb", reply.Associator)

	assert.Len(t, store.Snapshot(), 1)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	pr, pw := net.Pipe()
	defer pr.Close()
	go func() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], maxPayloadBytes+1)
		pw.Write(lenBuf[:])
		pw.Close()
	}()

	_, err := readFrame(pr)
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}
