package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/habitledger/internal/compactor"
	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/remote"
	"github.com/roach88/habitledger/internal/syncengine"
)

const testCatalog = `
habit: run: {
	name:     "Run"
	type:     "formation"
	goal:     5
	unit:     "km"
	schedule: ["mon", "wed", "fri"]
}

habit: meditate: {
	name: "Meditate"
	type: "formation"
	goal: 1
}

habit: smoking: {
	name: "No smoking"
	type: "breaking"
	goal: 0
}
`

// testDevice is one install of the CLI: its own config, database and
// device id, syncing through a shared in-memory remote.
type testDevice struct {
	config string
	remote *remote.Memory
}

func newTestDevice(t *testing.T, mem *remote.Memory) *testDevice {
	t.Helper()
	dir := t.TempDir()
	catalogDir := filepath.Join(dir, "habits")
	require.NoError(t, os.Mkdir(catalogDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(catalogDir, "habits.cue"), []byte(testCatalog), 0o644))

	configPath := filepath.Join(dir, "habitledger.yaml")
	cfg := "# local install\ndatabase: " + filepath.Join(dir, "ledger.db") + "\ncatalog_dir: " + catalogDir + "\n"
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))

	return &testDevice{config: configPath, remote: mem}
}

type testResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

// run executes the CLI with JSON output and decodes the response.
func (d *testDevice) run(t *testing.T, args ...string) (testResponse, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{remote: d.remote})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", d.config, "--format", "json"}, args...))

	err := cmd.Execute()

	var resp testResponse
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &resp), out.String())
	}
	return resp, err
}

func decodeData[T any](t *testing.T, resp testResponse) T {
	t.Helper()
	require.Equal(t, "ok", resp.Status)
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func TestRecordAndShow(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	// 2024-03-01 is a Friday, so run is scheduled.
	resp, err := dev.run(t, "record", "--habit", "run", "--date", "2024-03-01", "--value", "3")
	require.NoError(t, err)
	rec := decodeData[RecordResult](t, resp)
	assert.Equal(t, int64(3), rec.Record.Progress)
	assert.False(t, rec.Completed)

	resp, err = dev.run(t, "record", "--habit", "run", "--date", "2024-03-01", "--value", "5")
	require.NoError(t, err)
	rec = decodeData[RecordResult](t, resp)
	assert.Equal(t, int64(5), rec.Record.Progress)
	assert.True(t, rec.Completed)

	resp, err = dev.run(t, "show", "--date", "2024-03-01")
	require.NoError(t, err)
	show := decodeData[ShowResult](t, resp)
	require.Len(t, show.Records, 1)
	assert.Equal(t, "run", show.Records[0].HabitID)
	assert.Equal(t, int64(5), show.Records[0].Progress)
	assert.Equal(t, domain.GuestUserID, show.Aggregate.UserID)
}

func TestRecordAddAndSet(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	for i := 0; i < 2; i++ {
		_, err := dev.run(t, "record", "--habit", "meditate", "--date", "2024-03-02", "--add", "1")
		require.NoError(t, err)
	}
	resp, err := dev.run(t, "record", "--habit", "meditate", "--date", "2024-03-02", "--set", "0")
	require.NoError(t, err)
	assert.Equal(t, int64(0), decodeData[RecordResult](t, resp).Record.Progress)

	resp, err = dev.run(t, "events", "--habit", "meditate", "--date", "2024-03-02")
	require.NoError(t, err)
	events := decodeData[[]domain.ProgressEvent](t, resp)
	require.Len(t, events, 3)
	assert.Equal(t, domain.KindDelta, events[0].Kind)
	assert.Equal(t, domain.KindSet, events[2].Kind)
	assert.Equal(t, []int64{1, 2, 3}, []int64{events[0].Sequence, events[1].Sequence, events[2].Sequence})
}

func TestRecordErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantExit int
		wantCode string
	}{
		{
			name:     "unknown habit",
			args:     []string{"record", "--habit", "swim", "--date", "2024-03-01", "--value", "1"},
			wantExit: ExitCommandError,
			wantCode: domain.CodeUnknownHabit,
		},
		{
			name:     "bad date",
			args:     []string{"record", "--habit", "run", "--date", "2024-3-1", "--value", "1"},
			wantExit: ExitCommandError,
			wantCode: domain.CodeInvalidDate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t, remote.NewMemory())
			resp, err := dev.run(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.wantExit, GetExitCode(err))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestRecordRequiresOneMode(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	_, err := dev.run(t, "record", "--habit", "run")
	require.Error(t, err)

	_, err = dev.run(t, "record", "--habit", "run", "--add", "1", "--set", "2")
	require.Error(t, err)
}

func TestHabits(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	// 2024-03-02 is a Saturday: run is not scheduled.
	resp, err := dev.run(t, "habits", "--date", "2024-03-02")
	require.NoError(t, err)
	habits := decodeData[[]domain.Habit](t, resp)
	require.Len(t, habits, 2)
	assert.Equal(t, "meditate", habits[0].ID)
	assert.Equal(t, "smoking", habits[1].ID)
}

func TestSyncBetweenDevices(t *testing.T) {
	mem := remote.NewMemory()
	phone := newTestDevice(t, mem)
	laptop := newTestDevice(t, mem)

	_, err := phone.run(t, "--user", "alice", "record", "--habit", "run", "--date", "2024-03-01", "--value", "5")
	require.NoError(t, err)

	resp, err := phone.run(t, "--user", "alice", "sync")
	require.NoError(t, err)
	h := decodeData[syncengine.Health](t, resp)
	assert.Equal(t, syncengine.StateIdle, h.State)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Equal(t, 1, mem.Len(remote.EventsCollection("", "alice")))

	_, err = laptop.run(t, "--user", "alice", "sync")
	require.NoError(t, err)

	resp, err = laptop.run(t, "--user", "alice", "show", "--date", "2024-03-01")
	require.NoError(t, err)
	show := decodeData[ShowResult](t, resp)
	require.Len(t, show.Records, 1)
	assert.Equal(t, int64(5), show.Records[0].Progress)
}

func TestSyncRequiresSignedInUser(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	resp, err := dev.run(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeNotAuthenticated, resp.Error.Code)
}

func TestSyncRemoteFailure(t *testing.T) {
	mem := remote.NewMemory()
	dev := newTestDevice(t, mem)

	_, err := dev.run(t, "--user", "alice", "record", "--habit", "run", "--date", "2024-03-01", "--value", "5")
	require.NoError(t, err)

	mem.SetPutHook(func(ctx context.Context, collection, id string) error {
		return assert.AnError
	})
	resp, err := dev.run(t, "--user", "alice", "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeRemoteFailure, resp.Error.Code)
	assert.Zero(t, mem.Len(remote.EventsCollection("", "alice")))
}

func TestMigrate(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	_, err := dev.run(t, "record", "--habit", "meditate", "--date", "2024-03-02", "--value", "1")
	require.NoError(t, err)

	resp, err := dev.run(t, "--user", "alice", "migrate")
	require.NoError(t, err)
	result := decodeData[MigrateResult](t, resp)
	assert.Equal(t, MigrateResult{UserID: "alice", Migrated: 1}, result)

	resp, err = dev.run(t, "--user", "alice", "show", "--date", "2024-03-02")
	require.NoError(t, err)
	require.Len(t, decodeData[ShowResult](t, resp).Records, 1)

	resp, err = dev.run(t, "show", "--date", "2024-03-02")
	require.NoError(t, err)
	assert.Empty(t, decodeData[ShowResult](t, resp).Records)
}

func TestMigrateRequiresUser(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	resp, err := dev.run(t, "migrate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeNotAuthenticated, resp.Error.Code)
}

func TestMigrateRefusesForeignData(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	_, err := dev.run(t, "--user", "bob", "record", "--habit", "meditate", "--date", "2024-03-02", "--value", "1")
	require.NoError(t, err)
	_, err = dev.run(t, "record", "--habit", "meditate", "--date", "2024-03-02", "--value", "1")
	require.NoError(t, err)

	resp, err := dev.run(t, "--user", "alice", "migrate")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeForeignData, resp.Error.Code)
}

func TestReplay(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	_, err := dev.run(t, "record", "--habit", "run", "--date", "2024-03-01", "--value", "5")
	require.NoError(t, err)
	_, err = dev.run(t, "record", "--habit", "meditate", "--date", "2024-03-01", "--add", "1")
	require.NoError(t, err)

	resp, err := dev.run(t, "replay")
	require.NoError(t, err)
	result := decodeData[ReplayResult](t, resp)
	assert.Equal(t, 2, result.Rebuilt)
	assert.True(t, result.Verified)
	assert.Empty(t, result.Mismatches)

	resp, err = dev.run(t, "replay", "--verify-only")
	require.NoError(t, err)
	result = decodeData[ReplayResult](t, resp)
	assert.Zero(t, result.Rebuilt)
	assert.True(t, result.Verified)
}

func TestCompact(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	_, err := dev.run(t, "record", "--habit", "run", "--date", "2024-03-01", "--value", "5")
	require.NoError(t, err)

	// Guest events never reach the remote, so nothing is eligible.
	resp, err := dev.run(t, "compact")
	require.NoError(t, err)
	report := decodeData[compactor.Report](t, resp)
	assert.Zero(t, report.Compacted)
	assert.Zero(t, report.EventsRemoved)
}

func TestDeviceIDPersisted(t *testing.T) {
	dev := newTestDevice(t, remote.NewMemory())

	_, err := dev.run(t, "record", "--habit", "run", "--date", "2024-03-01", "--value", "1")
	require.NoError(t, err)
	_, err = dev.run(t, "record", "--habit", "run", "--date", "2024-03-01", "--value", "2")
	require.NoError(t, err)

	data, err := os.ReadFile(dev.config)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# local install")
	var cfg struct {
		DeviceID string `yaml:"device_id"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.NotEmpty(t, cfg.DeviceID)

	resp, err := dev.run(t, "events", "--habit", "run", "--date", "2024-03-01")
	require.NoError(t, err)
	events := decodeData[[]domain.ProgressEvent](t, resp)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, cfg.DeviceID, e.DeviceID, "every run reuses the stored device id")
	}
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "show"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMissingConfigFile(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "show"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), "Error [")
}

func TestServeHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "habitledger_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	health := syncengine.Health{State: syncengine.StateIdle}
	handler := newServeHandler(func() syncengine.Health { return health }, reg)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var got syncengine.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, syncengine.StateIdle, got.State)

	health = syncengine.Health{State: syncengine.StateError, Degraded: true, ConsecutiveFailures: 5}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "habitledger_test_total 1")
}
