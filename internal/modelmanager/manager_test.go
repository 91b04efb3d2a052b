package modelmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/registry"
)

func sampleModels() []domain.ModelDescriptor {
	return []domain.ModelDescriptor{
		{ID: "sd15-cli", Name: "SD15 CLI", Command: "sd", ExecMode: domain.ExecModeCLI, LoadMode: domain.LoadModeOnDemand},
		{ID: "sdxl-server", Name: "SDXL Server", Command: "sdxl-server", Args: []string{"--port", "{{port}}"}, ExecMode: domain.ExecModeServer, LoadMode: domain.LoadModePreload, Port: 9100},
	}
}

func TestGetAndAll(t *testing.T) {
	m := New(sampleModels(), registry.New(9000, 9200))

	d, ok := m.Get("sd15-cli")
	require.True(t, ok)
	assert.Equal(t, "SD15 CLI", d.Name)

	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.Len(t, m.All(), 2)
}

func TestDefaultPrefersPreload(t *testing.T) {
	m := New(sampleModels(), registry.New(9000, 9200))
	d, ok := m.Default()
	require.True(t, ok)
	assert.Equal(t, "sdxl-server", d.ID)
}

func TestDefaultFallsBackToFirst(t *testing.T) {
	models := []domain.ModelDescriptor{
		{ID: "only-one", Command: "x", ExecMode: domain.ExecModeCLI, LoadMode: domain.LoadModeOnDemand},
	}
	m := New(models, registry.New(9000, 9200))
	d, ok := m.Default()
	require.True(t, ok)
	assert.Equal(t, "only-one", d.ID)
}

func TestStartUnknownModel(t *testing.T) {
	m := New(sampleModels(), registry.New(9000, 9200))
	_, err := m.Start(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, domain.ErrUnknownModel)
}

func TestStartCLIModeIsNoopStub(t *testing.T) {
	m := New(sampleModels(), registry.New(9000, 9200))
	rec, err := m.Start(context.Background(), "sd15-cli", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecModeCLI, rec.ExecMode)
	assert.Equal(t, domain.ProcessRunning, rec.Status)

	assert.Empty(t, m.Running(), "CLI-mode models are never registered")
}

func TestEnsureRunningCLIModeReturnsNoURL(t *testing.T) {
	m := New(sampleModels(), registry.New(9000, 9200))
	url, err := m.EnsureRunning(context.Background(), "sd15-cli")
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestEnsureRunningUnknownModel(t *testing.T) {
	m := New(sampleModels(), registry.New(9000, 9200))
	_, err := m.EnsureRunning(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrUnknownModel)
}

func TestStopOnUnknownModelIsSafe(t *testing.T) {
	m := New(sampleModels(), registry.New(9000, 9200))
	assert.NoError(t, m.Stop("never-started"))
}

func TestStatusOfUnknownModelReportsStopped(t *testing.T) {
	m := New(sampleModels(), registry.New(9000, 9200))
	st, err := m.Status("never-started")
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessStopped, st.Status)
}

func TestResolveAPIURLPrefersExplicitTemplate(t *testing.T) {
	d := domain.ModelDescriptor{APIURL: "http://127.0.0.1:{{port}}/v1"}
	assert.Equal(t, "http://127.0.0.1:9321/v1", resolveAPIURL(d, 9321))
}

func TestResolveAPIURLDefaultsToLoopback(t *testing.T) {
	d := domain.ModelDescriptor{}
	assert.Equal(t, "http://127.0.0.1:9321", resolveAPIURL(d, 9321))
}

func TestSubstitutePort(t *testing.T) {
	out := substitutePort([]string{"--port", "{{port}}", "--threads", "4"}, 9500)
	assert.Equal(t, []string{"--port", "9500", "--threads", "4"}, out)
}

func TestRingBufferTruncatesToMax(t *testing.T) {
	b := newRingBuffer(2)
	_, _ = b.Write([]byte("one\ntwo\nthree\n"))
	assert.Equal(t, []string{"two", "three"}, b.Lines())
}

func TestReapZombiesReturnsRemovedIDs(t *testing.T) {
	reg := registry.New(9000, 9200)
	_, err := reg.Register("sd15-cli", 1<<30, 9001, domain.ExecModeServer)
	require.NoError(t, err)

	m := New(sampleModels(), reg)
	removed := m.ReapZombies()
	assert.Equal(t, []string{"sd15-cli"}, removed)
}
