package worker

import (
	"context"
	"testing"
	"time"

	"github.com/compozy/taskengine/engine/app"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/compozy/taskengine/engine/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *app.Registry {
	t.Helper()
	reg, err := app.NewRegistry(&app.Manifest{
		Identifier: "media",
		Tasks: []app.TaskDefinition{
			{Identifier: "thumb", Handler: "docker:worker:thumbnail"},
			{Identifier: "notify", Handler: "builtin:notify"},
		},
		ContainerProfiles: map[string]app.ContainerProfile{
			"worker": {
				Image:  "example/worker:1",
				HostID: "local",
				JobClasses: map[string]app.JobClass{
					"thumbnail": {Mode: app.ModeAsync, StorageAccessPolicy: storage.AccessPolicy{
						{FolderID: "media", Methods: []storage.Method{storage.MethodPut}, Prefix: "thumbs/"},
					}},
				},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func TestHandlerRouter_Route(t *testing.T) {
	ctx := context.Background()
	router := NewHandlerRouter(testRegistry(t))

	t.Run("Should pair a container task with a driving task", func(t *testing.T) {
		inner := &task.Task{ID: core.MustNewID(), OwnerIdentifier: "media", TaskIdentifier: "thumb", HandlerIdentifier: "docker:worker:thumbnail"}
		params, err := router.Route(ctx, inner)
		require.NoError(t, err)
		require.Len(t, params, 1)
		p := params[0]
		assert.Equal(t, app.CoreOwner, p.OwnerIdentifier)
		assert.Equal(t, DrivingTaskIdentifier, p.TaskIdentifier)
		assert.Equal(t, DrivingHandler, p.HandlerIdentifier)
		data, ok := p.Data.(DrivingData)
		require.True(t, ok)
		assert.Equal(t, inner.ID, data.InnerTaskID)
		assert.Equal(t, "worker", data.Profile)
		assert.Equal(t, "thumbnail", data.JobClass)
		require.Len(t, data.StorageAccessPolicy, 1)
		assert.Equal(t, "thumbs/", data.StorageAccessPolicy[0].Prefix)
	})

	t.Run("Should leave other handlers alone", func(t *testing.T) {
		params, err := router.Route(ctx, &task.Task{OwnerIdentifier: "media", HandlerIdentifier: "builtin:notify"})
		require.NoError(t, err)
		assert.Empty(t, params)
	})

	t.Run("Should fail for unknown apps", func(t *testing.T) {
		_, err := router.Route(ctx, &task.Task{OwnerIdentifier: "ghost", HandlerIdentifier: "docker:worker:thumbnail"})
		assert.ErrorIs(t, err, app.ErrAppNotFound)
	})
}

func TestParseDrivingData(t *testing.T) {
	innerID := core.MustNewID()

	t.Run("Should decode data stored as JSON", func(t *testing.T) {
		driving := &task.Task{
			OwnerIdentifier: app.CoreOwner,
			TaskIdentifier:  DrivingTaskIdentifier,
			Data: map[string]any{
				"innerTaskId":   innerID.String(),
				"appIdentifier": "media",
				"profile":       "worker",
				"jobClass":      "thumbnail",
				"storageAccessPolicy": []any{
					map[string]any{"folderId": "media", "methods": []any{"GET"}, "objectKey": "a.png"},
				},
			},
		}
		data, err := ParseDrivingData(driving)
		require.NoError(t, err)
		assert.Equal(t, innerID, data.InnerTaskID)
		require.Len(t, data.StorageAccessPolicy, 1)
		assert.Equal(t, []storage.Method{storage.MethodGet}, data.StorageAccessPolicy[0].Methods)
		assert.Equal(t, "a.png", data.StorageAccessPolicy[0].ObjectKey)
	})

	t.Run("Should reject tasks that are not driving tasks", func(t *testing.T) {
		_, err := ParseDrivingData(&task.Task{OwnerIdentifier: "media", TaskIdentifier: "thumb"})
		assert.ErrorIs(t, err, ErrNotDrivingTask)
	})

	t.Run("Should reject driving tasks without an inner task", func(t *testing.T) {
		_, err := ParseDrivingData(&task.Task{OwnerIdentifier: app.CoreOwner, TaskIdentifier: DrivingTaskIdentifier, Data: map[string]any{}})
		assert.Error(t, err)
	})
}

func TestLaunchedJob(t *testing.T) {
	t.Run("Should read the start context from the system log", func(t *testing.T) {
		driving := &task.Task{SystemLog: []task.LogEntry{{
			Payload: task.LogPayload{LogType: task.LogStarted, Data: map[string]any{"jobId": "j1", "hostId": "h"}},
			At:      time.Now(),
		}}}
		sc, ok := LaunchedJob(driving)
		require.True(t, ok)
		assert.Equal(t, "j1", sc.JobID)
		assert.Equal(t, "h", sc.HostID)
	})
	t.Run("Should report nothing for unlaunched tasks", func(t *testing.T) {
		_, ok := LaunchedJob(&task.Task{})
		assert.False(t, ok)
	})
}
