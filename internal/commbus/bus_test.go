package commbus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "comms.json"))
}

func TestFirstAccessCreatesDocument(t *testing.T) {
	bus := testBus(t)

	doc, err := bus.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, doc.Meta.Version)
	assert.Nil(t, doc.Meta.LastUpdated)
	assert.Nil(t, doc.Meta.LastUpdatedBy)
	assert.Empty(t, doc.Agents)

	// The file exists on disk with null metadata.
	data, err := os.ReadFile(bus.Path())
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "_meta")
}

func TestUpdateFieldCreatesAgentWithDefaults(t *testing.T) {
	bus := testBus(t)

	require.NoError(t, bus.UpdateField("designer", "mission", "design the thing"))

	rec, err := bus.GetAgent("designer")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "design the thing", rec.Mission)
	assert.Equal(t, StateIdle, rec.LifecycleState)
	assert.Empty(t, rec.Requests)
	assert.Empty(t, rec.Added)
	assert.NotNil(t, rec.LastUpdated)
}

func TestMutationStampsMetadata(t *testing.T) {
	bus := testBus(t)

	require.NoError(t, bus.UpdateField("builder", "workingOn", "T001"))

	doc, err := bus.ReadRaw()
	require.NoError(t, err)
	require.NotNil(t, doc.Meta.LastUpdatedBy)
	assert.Equal(t, "builder", *doc.Meta.LastUpdatedBy)
	assert.NotNil(t, doc.Meta.LastUpdated)
	assert.NotNil(t, doc.Agents["builder"].LastUpdated)
}

func TestRequestDeliveryFlow(t *testing.T) {
	bus := testBus(t)

	// Designer asks builder for an icon set.
	require.NoError(t, bus.AddRequest("designer", "builder", "export icon set"))

	pending, err := bus.GetRequestsForAgent("builder")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "designer", pending[0].FromAgent)
	assert.Equal(t, "export icon set", pending[0].Request)

	// Builder completes it: the request moves from designer's requests to
	// designer's added, attributed to builder.
	require.NoError(t, bus.CompleteRequest("builder", "designer", "export icon set", "icons at assets/icons/"))

	rec, err := bus.GetAgent("designer")
	require.NoError(t, err)
	assert.Empty(t, rec.Requests)
	require.Len(t, rec.Added, 1)
	assert.Equal(t, Delivery{From: "builder", Description: "icons at assets/icons/", OriginalRequest: "export icon set"}, rec.Added[0])

	doc, err := bus.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, "builder", *doc.Meta.LastUpdatedBy)

	pending, err = bus.GetRequestsForAgent("builder")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCompleteRequestIdempotent(t *testing.T) {
	bus := testBus(t)

	require.NoError(t, bus.AddRequest("designer", "builder", "export icon set"))
	require.NoError(t, bus.CompleteRequest("builder", "designer", "export icon set", "done"))
	require.NoError(t, bus.CompleteRequest("builder", "designer", "export icon set", "done"))

	rec, err := bus.GetAgent("designer")
	require.NoError(t, err)
	assert.Len(t, rec.Added, 1)
}

func TestCompleteRequestUnknownRequester(t *testing.T) {
	bus := testBus(t)
	require.NoError(t, bus.CompleteRequest("builder", "ghost", "anything", "done"))
}

func TestClearAddedAndRemoveRequest(t *testing.T) {
	bus := testBus(t)

	require.NoError(t, bus.AddRequest("designer", "builder", "first"))
	require.NoError(t, bus.AddRequest("designer", "builder", "second"))
	require.NoError(t, bus.RemoveRequest("designer", "builder", "first"))

	rec, err := bus.GetAgent("designer")
	require.NoError(t, err)
	require.Len(t, rec.Requests, 1)
	assert.Equal(t, "second", rec.Requests[0].Text)

	require.NoError(t, bus.CompleteRequest("builder", "designer", "second", "ok"))
	require.NoError(t, bus.ClearAdded("designer"))

	rec, err = bus.GetAgent("designer")
	require.NoError(t, err)
	assert.Empty(t, rec.Added)
}

func TestRemoveAgent(t *testing.T) {
	bus := testBus(t)

	require.NoError(t, bus.UpdateField("builder", "mission", "build"))
	require.NoError(t, bus.RemoveAgent("builder"))

	rec, err := bus.GetAgent("builder")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestResetClearsDocument(t *testing.T) {
	bus := testBus(t)

	require.NoError(t, bus.UpdateField("builder", "mission", "build"))
	require.NoError(t, bus.Reset())

	doc, err := bus.ReadRaw()
	require.NoError(t, err)
	assert.Empty(t, doc.Agents)
	assert.Nil(t, doc.Meta.LastUpdatedBy)
}

func TestLegacySnakeCaseAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comms.json")
	legacy := `{
		"_meta": {"version": "1.0", "last_updated": "2026-01-02T03:04:05Z", "last_updated_by": "watcher"},
		"builder": {
			"mission": "build",
			"working_on": "T007",
			"done": "",
			"next": "",
			"requests": [],
			"added": [],
			"lifecycle_state": "working",
			"breakpoint": {"type": "blocked", "task_id": "T007", "summary": "stuck", "blocked_on": ["T002"], "pr_url": "local://pr/3"},
			"last_updated": "2026-01-02T03:04:05Z"
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	bus := New(path)
	rec, err := bus.GetAgent("builder")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "T007", rec.WorkingOn)
	assert.Equal(t, StateWorking, rec.LifecycleState)
	assert.NotNil(t, rec.LastUpdated)
	require.NotNil(t, rec.Breakpoint)
	assert.Equal(t, "T007", rec.Breakpoint.TaskID)
	assert.Equal(t, []string{"T002"}, rec.Breakpoint.BlockedOn)
	assert.Equal(t, "local://pr/3", rec.Breakpoint.PRURL)

	doc, err := bus.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, "watcher", *doc.Meta.LastUpdatedBy)
}

func TestWritesUseCamelCase(t *testing.T) {
	bus := testBus(t)
	require.NoError(t, bus.UpdateField("builder", "workingOn", "T001"))

	data, err := os.ReadFile(bus.Path())
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"workingOn"`)
	assert.Contains(t, text, `"lifecycleState"`)
	assert.NotContains(t, text, `"working_on"`)
}

func TestMalformedDocumentIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comms.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	bus := New(path)
	_, err := bus.ReadRaw()
	var commError *CommunicationError
	require.ErrorAs(t, err, &commError)
	assert.True(t, commError.Fatal)
}

func TestFileHashChangesWithContent(t *testing.T) {
	bus := testBus(t)

	h1, err := bus.FileHash()
	require.NoError(t, err)

	require.NoError(t, bus.UpdateField("builder", "mission", "build"))
	h2, err := bus.FileHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	h3, err := bus.FileHash()
	require.NoError(t, err)
	assert.Equal(t, h2, h3)
}
