package docker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/dockercli"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/audit"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Engine
// =============================================================================

const engineContainerID = "4f1c2b9e7d3a4f1c2b9e7d3a4f1c2b9e7d3a4f1c2b9e7d3a4f1c2b9e7d3a4f1c"

var apiVersionPrefix = regexp.MustCompile(`^/v[0-9]+\.[0-9]+`)

// testEngine answers the subset of the engine API the client uses.
type testEngine struct {
	version   string
	state     string // State.Status reported after start
	createErr string

	mu       sync.Mutex
	requests []string
	created  struct {
		Name   string
		Image  string
		Labels map[string]string
		Env    []string
	}
}

func (e *testEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Api-Version", "1.45")
	path := apiVersionPrefix.ReplaceAllString(r.URL.Path, "")

	e.mu.Lock()
	defer e.mu.Unlock()
	if path != "/_ping" {
		e.requests = append(e.requests, r.Method+" "+path)
	}

	switch {
	case path == "/_ping":
		_, _ = w.Write([]byte("OK"))
	case path == "/version":
		writeEngineJSON(w, http.StatusOK, map[string]string{"Version": e.version, "ApiVersion": "1.45"})
	case r.Method == http.MethodPost && path == "/containers/create":
		if e.createErr != "" {
			writeEngineJSON(w, http.StatusInternalServerError, map[string]string{"message": e.createErr})
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&e.created); err != nil {
			writeEngineJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		e.created.Name = r.URL.Query().Get("name")
		writeEngineJSON(w, http.StatusCreated, map[string]any{"Id": engineContainerID, "Warnings": []string{}})
	case r.Method == http.MethodPost && path == "/containers/"+engineContainerID+"/start":
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && path == "/containers/"+engineContainerID+"/json":
		writeEngineJSON(w, http.StatusOK, map[string]any{
			"Id":     engineContainerID,
			"Name":   "/" + e.created.Name,
			"State":  map[string]any{"Status": e.state, "Running": e.state == "running"},
			"Config": map[string]any{"Image": e.created.Image},
		})
	default:
		writeEngineJSON(w, http.StatusNotFound, map[string]string{"message": "no such route " + path})
	}
}

func (e *testEngine) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.requests...)
}

func writeEngineJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// newEngineClient serves engine on a local listener and returns an
// APIClient pointed at it.
func newEngineClient(t *testing.T, engine *testEngine, rec *audit.Recorder) (*APIClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithHTTPClient(srv.Client()),
		client.WithAPIVersionNegotiation(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })

	node := remoteNode()
	node.HostIP = "127.0.0.1"
	return newAPIClient(node, cli, DefaultConfig(), WithAuditSink(rec), WithSleep(noSleep)), srv
}

// =============================================================================
// Ping Tests
// =============================================================================

func TestAPIClient_Ping(t *testing.T) {
	tests := []struct {
		name    string
		version string
		closed  bool
		wantErr bool
	}{
		{name: "engine answers", version: "28.0.1"},
		{name: "empty version", version: "", wantErr: true},
		{name: "engine unreachable", version: "28.0.1", closed: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newEngineClient(t, &testEngine{version: tt.version}, &audit.Recorder{})
			if tt.closed {
				srv.Close()
			}

			err := c.Ping(context.Background())

			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var connErr *ConnectivityError
			require.ErrorAs(t, err, &connErr)
			assert.ErrorIs(t, err, ErrConnectionFailed)
			assert.Equal(t, "runtime", connErr.Tier)
		})
	}
}

// =============================================================================
// RunContainer Tests
// =============================================================================

func TestAPIClient_RunContainerVerifiesRunningState(t *testing.T) {
	spec := dockercli.RunSpec{
		Name:   "cyberlab-web",
		Image:  "nginx:1.25",
		Env:    map[string]string{"MODE": "lab"},
		Labels: map[string]string{dockercli.AssetLabel: "asset_1"},
	}

	tests := []struct {
		name      string
		state     string
		createErr string
		wantErr   error
		wantCalls []string
	}{
		{
			name:  "running after start",
			state: "running",
			wantCalls: []string{
				"POST /containers/create",
				"POST /containers/" + engineContainerID + "/start",
				"GET /containers/" + engineContainerID + "/json",
			},
		},
		{
			name:    "exited right after start",
			state:   "exited",
			wantErr: ErrExecutionFailed,
			wantCalls: []string{
				"POST /containers/create",
				"POST /containers/" + engineContainerID + "/start",
				"GET /containers/" + engineContainerID + "/json",
			},
		},
		{
			name:      "create refused",
			createErr: "image not found",
			wantCalls: []string{"POST /containers/create"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &testEngine{version: "28.0.1", state: tt.state, createErr: tt.createErr}
			rec := &audit.Recorder{}
			c, _ := newEngineClient(t, engine, rec)

			info, err := c.RunContainer(context.Background(), spec)

			assert.Equal(t, tt.wantCalls, engine.calls())
			switch {
			case tt.createErr != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.createErr)
				assert.Nil(t, info)
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), "not running after start")
				assert.Nil(t, info)
			default:
				require.NoError(t, err)
				assert.Equal(t, engineContainerID, info.ContainerID)
				assert.Equal(t, "cyberlab-web", info.Name)
				assert.Equal(t, "nginx:1.25", info.Image)
				assert.Equal(t, "running", info.Status)
				assert.Equal(t, domain.CurrentRunning, domain.MapRuntimeStatus(info.Status))
			}

			events := rec.Events()
			require.NotEmpty(t, events)
			assert.Equal(t, audit.OpContainerRun, events[0].Operation)
		})
	}
}

func TestAPIClient_RunContainerSendsSpec(t *testing.T) {
	engine := &testEngine{version: "28.0.1", state: "running"}
	c, _ := newEngineClient(t, engine, &audit.Recorder{})

	asset := &domain.Asset{ID: "asset_7", Name: "Web", DockerImage: "nginx:1.25", ContainerEnv: "MODE=lab"}
	_, err := c.RunContainer(context.Background(), dockercli.RunSpecForAsset(asset, ""))
	require.NoError(t, err)

	engine.mu.Lock()
	created := engine.created
	engine.mu.Unlock()
	assert.Equal(t, "cyberlab-web", created.Name)
	assert.Equal(t, "nginx:1.25", created.Image)
	assert.Equal(t, "asset_7", created.Labels[dockercli.AssetLabel])
	assert.Contains(t, created.Env, "MODE=lab")
}

func TestAPIClient_RunContainerRefusesNameBeforeAnyCall(t *testing.T) {
	engine := &testEngine{version: "28.0.1", state: "running"}
	c, _ := newEngineClient(t, engine, &audit.Recorder{})

	_, err := c.RunContainer(context.Background(), dockercli.RunSpec{Name: "postgres", Image: "postgres:16"})

	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, engine.calls())
}
