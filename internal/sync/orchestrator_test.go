// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeworks/bedsync/internal/models"
	"github.com/probeworks/bedsync/internal/moonraker"
	"github.com/probeworks/bedsync/internal/store"
)

// mockMoonrakerServer simulates Moonraker's JSON-RPC over WebSocket
// endpoint: it answers methods from a canned result table and lets
// tests push server-initiated notifications.
type mockMoonrakerServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	connChan chan *websocket.Conn

	mu      stdsync.Mutex
	results map[string]string // method -> result JSON
}

func newMockMoonrakerServer() *mockMoonrakerServer {
	mock := &mockMoonrakerServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connChan: make(chan *websocket.Conn, 1),
		results:  make(map[string]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := mock.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mock.connChan <- conn
		mock.serveRPC(conn)
	}))

	return mock
}

func (m *mockMoonrakerServer) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockMoonrakerServer) close() {
	m.server.Close()
}

func (m *mockMoonrakerServer) setResult(method, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[method] = result
}

// serveRPC answers every request with the canned result for its method,
// or an empty object when none is registered.
func (m *mockMoonrakerServer) serveRPC(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Method string `json:"method"`
			ID     int64  `json:"id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		m.mu.Lock()
		result, ok := m.results[req.Method]
		m.mu.Unlock()
		if !ok {
			result = "{}"
		}

		resp := `{"jsonrpc": "2.0", "id": ` + strconv.FormatInt(req.ID, 10) + `, "result": ` + result + `}`
		m.writeMessage(conn, []byte(resp)) //nolint:errcheck // test server
	}
}

func (m *mockMoonrakerServer) sendNotification(conn *websocket.Conn, method string, params any) error {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	return m.writeMessage(conn, data)
}

func (m *mockMoonrakerServer) writeMessage(conn *websocket.Conn, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// fakeConnection is a static stand-in for the connection manager.
type fakeConnection struct {
	state  moonraker.State
	client *moonraker.Client
	sub    chan *moonraker.Client
}

func (f *fakeConnection) State() moonraker.State               { return f.state }
func (f *fakeConnection) Client() *moonraker.Client            { return f.client }
func (f *fakeConnection) Subscribed() <-chan *moonraker.Client { return f.sub }

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	return store.New(
		filepath.Join(dir, "probe_points.json"),
		filepath.Join(dir, "mesh_records.json"),
		filepath.Join(dir, "z_offsets.json"),
	)
}

const testGcodeStore = `{
	"gcode_store": [
		{"message": "probe at 10.000,20.000 is z=0.012500", "time": 100.0},
		{"message": "probe: z_offset: -1.245", "time": 101.0}
	]
}`

const testBedMesh = `{
	"status": {
		"bed_mesh": {
			"profile_name": "default",
			"mesh_min": [5.0, 10.0],
			"mesh_max": [215.0, 210.0],
			"probed_matrix": [[0.01, 0.02], [0.03, 0.04]]
		}
	}
}`

func TestRequestSync_CoalescesWhilePending(t *testing.T) {
	o := NewOrchestrator(&fakeConnection{}, newTestStore(t), time.Hour, 0)

	o.requestSync(ReasonEvent)
	o.requestSync(ReasonTimer)
	o.requestSync(ReasonManual)

	// One pending trigger, the rest coalesced.
	assert.Len(t, o.trigger, 1)
	assert.Equal(t, ReasonEvent, <-o.trigger)
	assert.Empty(t, o.trigger)
}

func TestRunSync_SkippedWhenNotSubscribed(t *testing.T) {
	conn := &fakeConnection{state: moonraker.StateDisconnected}
	o := NewOrchestrator(conn, newTestStore(t), time.Hour, 0)
	require.NoError(t, o.loadCollections())

	o.runSync(context.Background(), ReasonTimer)

	assert.True(t, o.LastSyncTime().IsZero())
	assert.Empty(t, o.probePoints)
}

func TestRunSync_FullCycle(t *testing.T) {
	mock := newMockMoonrakerServer()
	defer mock.close()
	mock.setResult("server.gcode_store", testGcodeStore)
	mock.setResult("printer.objects.query", testBedMesh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := moonraker.Dial(ctx, mock.url())
	require.NoError(t, err)
	defer client.Close()
	<-mock.connChan

	st := newTestStore(t)
	conn := &fakeConnection{state: moonraker.StateSubscribed, client: client}
	o := NewOrchestrator(conn, st, time.Hour, 0)
	require.NoError(t, o.loadCollections())

	o.runSync(ctx, ReasonManual)

	assert.False(t, o.LastSyncTime().IsZero())

	probes, err := st.LoadProbePoints()
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, models.ProbePoint{X: 10, Y: 20, Z: 0.0125, Timestamp: 100}, probes[0])

	meshes, err := st.LoadMeshRecords()
	require.NoError(t, err)
	require.Len(t, meshes, 1)
	assert.Equal(t, "default", meshes[0].ProfileName)

	offsets, err := st.LoadZOffsets()
	require.NoError(t, err)
	require.Len(t, offsets, 1)
	assert.Equal(t, -1.245, offsets[0].ZOffset)

	// A second run against the same history adds nothing.
	o.runSync(ctx, ReasonTimer)
	probes, err = st.LoadProbePoints()
	require.NoError(t, err)
	assert.Len(t, probes, 1)
}

func TestRunSync_PartialPersistFailure(t *testing.T) {
	mock := newMockMoonrakerServer()
	defer mock.close()
	mock.setResult("server.gcode_store", testGcodeStore)
	mock.setResult("printer.objects.query", testBedMesh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := moonraker.Dial(ctx, mock.url())
	require.NoError(t, err)
	defer client.Close()
	<-mock.connChan

	// Mesh path routed through a regular file: mesh saves fail, probe
	// and z-offset saves succeed.
	dir := t.TempDir()
	blockerPath := filepath.Join(dir, "blocker")
	require.NoError(t, writeFile(blockerPath))
	st := store.New(
		filepath.Join(dir, "probe_points.json"),
		filepath.Join(blockerPath, "mesh_records.json"),
		filepath.Join(dir, "z_offsets.json"),
	)

	conn := &fakeConnection{state: moonraker.StateSubscribed, client: client}
	o := NewOrchestrator(conn, st, time.Hour, 0)
	require.NoError(t, o.loadCollections())

	o.runSync(ctx, ReasonManual)

	// The cycle still counts as a success for the kinds that persisted.
	assert.False(t, o.LastSyncTime().IsZero())

	probes, err := st.LoadProbePoints()
	require.NoError(t, err)
	assert.Len(t, probes, 1)

	assert.Empty(t, o.meshRecords, "failed mesh save must not be committed to memory")
	assert.NoFileExists(t, filepath.Join(blockerPath, "mesh_records.json"))
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0o644)
}

func TestSyncProbePoints_PersistFailureRetriedNextCycle(t *testing.T) {
	dir := t.TempDir()
	goodStore := store.New(
		filepath.Join(dir, "probe_points.json"),
		filepath.Join(dir, "mesh_records.json"),
		filepath.Join(dir, "z_offsets.json"),
	)
	require.NoError(t, goodStore.SaveProbePoints([]models.ProbePoint{
		{X: 1, Y: 1, Z: 0.001, Timestamp: 50},
	}))

	// Probe path routed through a regular file: every save fails.
	blockedStore := store.New(
		filepath.Join(dir, "probe_points.json", "impossible.json"),
		filepath.Join(dir, "mesh_records.json"),
		filepath.Join(dir, "z_offsets.json"),
	)

	o := NewOrchestrator(&fakeConnection{}, blockedStore, time.Hour, 0)
	o.probePoints = []models.ProbePoint{{X: 1, Y: 1, Z: 0.001, Timestamp: 50}}
	o.loaded = true

	caller := &fakeCaller{responses: map[string]json.RawMessage{
		"server.gcode_store": gcodeStoreResponse("probe at 10.000,20.000 is z=0.012500"),
	}}

	added, ok := o.syncProbePoints(context.Background(), caller, testLogger())
	assert.False(t, ok)
	assert.Zero(t, added)

	// Memory unchanged: the new point was not committed.
	require.Len(t, o.probePoints, 1)
	assert.Equal(t, 50.0, o.probePoints[0].Timestamp)

	// The next cycle against a working store picks the point back up.
	o.store = goodStore
	added, ok = o.syncProbePoints(context.Background(), caller, testLogger())
	assert.True(t, ok)
	assert.Equal(t, 1, added)
	require.Len(t, o.probePoints, 2)

	persisted, err := goodStore.LoadProbePoints()
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestSyncProbePoints_FetchFailureLeavesStateAlone(t *testing.T) {
	st := newTestStore(t)
	o := NewOrchestrator(&fakeConnection{}, st, time.Hour, 0)
	require.NoError(t, o.loadCollections())

	caller := &fakeCaller{errs: map[string]error{
		"server.gcode_store": assert.AnError,
	}}

	added, ok := o.syncProbePoints(context.Background(), caller, testLogger())
	assert.False(t, ok)
	assert.Zero(t, added)
	assert.Empty(t, o.probePoints)
}

func TestListen_CalibrationEventTriggersSync(t *testing.T) {
	mock := newMockMoonrakerServer()
	defer mock.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := moonraker.Dial(ctx, mock.url())
	require.NoError(t, err)
	defer client.Close()
	serverConn := <-mock.connChan

	o := NewOrchestrator(&fakeConnection{}, newTestStore(t), time.Hour, 0)
	go o.listen(ctx, client)

	// Noise first, then the calibration-complete line.
	require.NoError(t, mock.sendNotification(serverConn, "notify_gcode_response", []string{"G28 homing"}))
	require.NoError(t, mock.sendNotification(serverConn, "notify_proc_stat_update", map[string]any{}))
	require.NoError(t, mock.sendNotification(serverConn, "notify_gcode_response", []string{"Mesh Bed Leveling Complete"}))

	select {
	case reason := <-o.trigger:
		assert.Equal(t, ReasonEvent, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("calibration event did not trigger a sync")
	}

	// Only one trigger arrived: the noise lines were ignored.
	assert.Empty(t, o.trigger)
}

func TestRun_InitialSyncOnSubscribe(t *testing.T) {
	mock := newMockMoonrakerServer()
	defer mock.close()
	mock.setResult("server.gcode_store", testGcodeStore)
	mock.setResult("printer.objects.query", testBedMesh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := moonraker.Dial(ctx, mock.url())
	require.NoError(t, err)
	defer client.Close()
	<-mock.connChan

	st := newTestStore(t)
	conn := &fakeConnection{
		state:  moonraker.StateSubscribed,
		client: client,
		sub:    make(chan *moonraker.Client, 1),
	}
	conn.sub <- client

	o := NewOrchestrator(conn, st, time.Hour, 0)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- o.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return !o.LastSyncTime().IsZero()
	}, 3*time.Second, 10*time.Millisecond, "initial sync after subscribe did not run")

	probes, err := st.LoadProbePoints()
	require.NoError(t, err)
	assert.Len(t, probes, 1)

	stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
