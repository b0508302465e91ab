package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBareAddressGetsHTTPScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"engines":[],"count":0}`))
	}))
	defer srv.Close()

	c := New(strings.TrimPrefix(srv.URL, "http://"), "")
	list, err := c.Engines("", "")
	require.NoError(t, err)
	assert.Equal(t, 0, list.Count)
}

func TestBearerTokenSentWhenConfigured(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"removed_containers":[],"pruned_cache_dirs":[]}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "secret").GC()
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", got)

	_, err = New(srv.URL, "").GC()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEnginesDecodesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/engines", r.URL.Path)
		w.Write([]byte(`{"engines":[{"container_id":"eng-1","container_name":"acestream-1",
			"host":"127.0.0.1","port":19001,"state":"running","health_status":"healthy",
			"vpn_container":"gluetun","forwarded":true,"forwarded_port":43437,
			"active_streams":["K|s1"],"stream_count":1}],"count":1}`))
	}))
	defer srv.Close()

	list, err := New(srv.URL, "").Engines("", "")
	require.NoError(t, err)
	require.Len(t, list.Engines, 1)
	e := list.Engines[0]
	assert.Equal(t, "eng-1", e.ContainerID)
	assert.Equal(t, "acestream-1", e.ContainerName)
	assert.Equal(t, 19001, e.Port)
	assert.Equal(t, "healthy", e.Health)
	assert.Equal(t, "gluetun", e.VPNContainer)
	assert.True(t, e.Forwarded)
	assert.Equal(t, 43437, e.ForwardedPort)
	assert.Equal(t, []string{"K|s1"}, e.ActiveStreams)
}

func TestEnginesSendsFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "unhealthy", r.URL.Query().Get("health"))
		assert.Equal(t, "gluetun2", r.URL.Query().Get("vpn"))
		w.Write([]byte(`{"engines":[],"count":0}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Engines("unhealthy", "gluetun2")
	require.NoError(t, err)
}

func TestStreamsSendsFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "started", r.URL.Query().Get("status"))
		assert.Equal(t, "eng-1", r.URL.Query().Get("container_id"))
		w.Write([]byte(`{"streams":[{"id":"KEY|s1","key":"KEY","status":"started"}],"count":1}`))
	}))
	defer srv.Close()

	list, err := New(srv.URL, "").Streams("started", "eng-1")
	require.NoError(t, err)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "KEY|s1", list.Streams[0].ID)
}

func TestStreamStatsEscapesIDAndSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The stream ID separator must survive the round trip.
		assert.Equal(t, "/streams/KEY|s1/stats", r.URL.Path)
		assert.Equal(t, "2026-01-02T15:04:05Z", r.URL.Query().Get("since"))
		w.Write([]byte(`{"stream_id":"KEY|s1","stats":[{"peers":7,"speed_down":1024}],"count":1}`))
	}))
	defer srv.Close()

	stats, err := New(srv.URL, "").StreamStatsSince("KEY|s1", "2026-01-02T15:04:05Z")
	require.NoError(t, err)
	require.Len(t, stats.Stats, 1)
	assert.Equal(t, 7, stats.Stats[0].Peers)
}

func TestProvisionDecodesPorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/provision/acestream", r.URL.Path)
		w.Write([]byte(`{"container_id":"eng-9","container_name":"acestream-9",
			"host_http_port":19009,"container_http_port":6878,"container_https_port":6879}`))
	}))
	defer srv.Close()

	eng, err := New(srv.URL, "").Provision()
	require.NoError(t, err)
	assert.Equal(t, "eng-9", eng.ContainerID)
	assert.Equal(t, 19009, eng.HostHTTPPort)
	assert.Equal(t, 6878, eng.ContainerHTTPPort)
}

func TestBlockedProvisioningDecodedAsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":"max_capacity","message":"pool is at 3/3 engines","can_retry":true}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Provision()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "max_capacity", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "pool is at 3/3 engines")
	assert.Contains(t, apiErr.Error(), "max_capacity")
}

func TestPlainErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"container not found"}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "").StopContainer("nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
	assert.Equal(t, "container not found (http 404)", apiErr.Error())
}

func TestNonJSONErrorBodyKeptVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded\n"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Status()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}

func TestScaleHitsTargetPath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.Method + " " + r.URL.Path
		w.Write([]byte(`{"target":5}`))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "").Scale(5))
	assert.Equal(t, "POST /scale/5", path)
}

func TestStopContainerEscapesID(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"container_id":"eng 1","stopped":true}`))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "").StopContainer("eng 1"))
	assert.Equal(t, "/containers/eng 1", path)
}

func TestStatusRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orchestrator/status", r.URL.Path)
		w.Write([]byte(`{"overall":"degraded","version":"1.2.3","uptime":"3h2m1s",
			"engines":{"total":3,"healthy":2,"unhealthy":1,"starting":0,"free":1},
			"streams":{"active":2,"broadcasters":2,"clients":5},
			"vpn":{"mode":"single","connected":true},
			"reconciler":{"first_sync_done":true,"consecutive_outages":0},
			"provisioning":{"can_provision":false,"blocked_reason":"max_capacity"}}`))
	}))
	defer srv.Close()

	st, err := New(srv.URL, "").Status()
	require.NoError(t, err)
	assert.Equal(t, "degraded", st.Overall)
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, 3, st.Engines.Total)
	assert.Equal(t, 1, st.Engines.Unhealthy)
	assert.Equal(t, 5, st.Streams.Clients)
	assert.True(t, st.VPN.Connected)
	assert.True(t, st.Reconciler.FirstSyncDone)
	assert.False(t, st.Provisioning.CanProvision)
	assert.Equal(t, "max_capacity", st.Provisioning.BlockedReason)
}

func TestVPNStatusRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"mode":"redundant","containers":[
			{"container":"gluetun","health":"healthy","connected":true,"forwarded_port":43437},
			{"container":"gluetun2","health":"unhealthy","connected":false}]}`))
	}))
	defer srv.Close()

	rep, err := New(srv.URL, "").VPNStatus()
	require.NoError(t, err)
	assert.Equal(t, "redundant", rep.Mode)
	require.Len(t, rep.Containers, 2)
	assert.Equal(t, 43437, rep.Containers[0].ForwardedPort)
	assert.Equal(t, "unhealthy", rep.Containers[1].Health)
}

func TestConnectionRefusedIsWrapped(t *testing.T) {
	c := New("127.0.0.1:1", "")
	_, err := c.Status()
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Contains(t, err.Error(), "failed to reach orchestrator")
}
