package container

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockAdapter) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	args := m.Called(ctx, opts)
	res, _ := args.Get(0).(*RunResult)
	return res, args.Error(1)
}

func (m *mockAdapter) PullImage(ctx context.Context, image string) error {
	return m.Called(ctx, image).Error(0)
}

func (m *mockAdapter) ImageExists(ctx context.Context, image string) (bool, error) {
	args := m.Called(ctx, image)
	return args.Bool(0), args.Error(1)
}

func (m *mockAdapter) ListContainersByLabels(ctx context.Context, labels map[string]string) ([]Summary, error) {
	args := m.Called(ctx, labels)
	res, _ := args.Get(0).([]Summary)
	return res, args.Error(1)
}

func (m *mockAdapter) CreateContainer(ctx context.Context, opts CreateOptions) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func (m *mockAdapter) StartContainer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockAdapter) IsContainerRunning(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockAdapter) Exec(ctx context.Context, id string, cmd []string) (*ExecOutput, error) {
	args := m.Called(ctx, id, cmd)
	res, _ := args.Get(0).(*ExecOutput)
	return res, args.Error(1)
}

func testSpec() ContainerSpec {
	return ContainerSpec{
		AppIdentifier: "media",
		ProfileName:   "ffmpeg",
		ProfileHash:   "abc123",
		Image:         "example/ffmpeg:1",
		Command:       []string{"sleep", "infinity"},
	}
}

func newTestOrchestrator(a DockerAdapter) *Orchestrator {
	return NewOrchestrator(map[string]DockerAdapter{"host-1": a},
		WithPlatformID("test"), WithPullBackoff(1, time.Millisecond))
}

func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestOrchestrator_Labels(t *testing.T) {
	t.Run("Should include platform app profile and hash labels", func(t *testing.T) {
		o := NewOrchestrator(nil, WithPlatformID("plat"))
		spec := testSpec()
		spec.Labels = map[string]string{"team": "media"}
		labels := o.Labels(spec)
		assert.Equal(t, "plat", labels[LabelPlatform])
		assert.Equal(t, "media", labels[LabelApp])
		assert.Equal(t, "ffmpeg", labels[LabelProfile])
		assert.Equal(t, "abc123", labels[LabelProfileHash])
		assert.Equal(t, "media", labels["team"])
	})
	t.Run("Should derive a stable hash when none is given", func(t *testing.T) {
		o := NewOrchestrator(nil)
		spec := testSpec()
		spec.ProfileHash = ""
		first := o.Labels(spec)[LabelProfileHash]
		assert.NotEmpty(t, first)
		assert.Equal(t, first, o.Labels(spec)[LabelProfileHash])
		spec.Image = "example/ffmpeg:2"
		assert.NotEqual(t, first, o.Labels(spec)[LabelProfileHash])
	})
}

func TestOrchestrator_FindOrCreateContainer(t *testing.T) {
	ctx := context.Background()

	t.Run("Should prefer a running container over an exited one", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		a.On("ListContainersByLabels", mock.Anything, o.Labels(testSpec())).Return([]Summary{
			{ID: "c-exited", State: StateExited},
			{ID: "c-running", Name: "worker", State: StateRunning},
		}, nil)
		info, err := o.FindOrCreateContainer(ctx, "host-1", testSpec())
		require.NoError(t, err)
		assert.Equal(t, "c-running", info.ContainerID)
		assert.Equal(t, StateRunning, info.State)
		assert.False(t, info.Created)
		assert.False(t, info.Started)
		a.AssertNotCalled(t, "StartContainer", mock.Anything, mock.Anything)
		a.AssertNotCalled(t, "CreateContainer", mock.Anything, mock.Anything)
	})

	t.Run("Should start the first stopped container when none are running", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		a.On("ListContainersByLabels", mock.Anything, mock.Anything).Return([]Summary{
			{ID: "c-dead", State: StateDead},
			{ID: "c-exited", State: StateExited},
			{ID: "c-created", State: StateCreated},
		}, nil)
		a.On("StartContainer", mock.Anything, "c-exited").Return(nil).Once()
		info, err := o.FindOrCreateContainer(ctx, "host-1", testSpec())
		require.NoError(t, err)
		assert.Equal(t, "c-exited", info.ContainerID)
		assert.Equal(t, StateRunning, info.State)
		assert.True(t, info.Started)
		a.AssertNotCalled(t, "CreateContainer", mock.Anything, mock.Anything)
		a.AssertExpectations(t)
	})

	t.Run("Should create and start a container when none match", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		spec := testSpec()
		a.On("ListContainersByLabels", mock.Anything, mock.Anything).Return([]Summary{}, nil)
		a.On("ImageExists", mock.Anything, spec.Image).Return(true, nil)
		a.On("CreateContainer", mock.Anything, mock.MatchedBy(func(opts CreateOptions) bool {
			return opts.Image == spec.Image &&
				opts.Labels[LabelProfileHash] == "abc123" &&
				len(opts.Name) > 0
		})).Return("c-new", nil)
		a.On("StartContainer", mock.Anything, "c-new").Return(nil)
		info, err := o.FindOrCreateContainer(ctx, "host-1", spec)
		require.NoError(t, err)
		assert.Equal(t, "c-new", info.ContainerID)
		assert.True(t, info.Created)
		assert.Contains(t, info.Name, "test-media-ffmpeg")
		a.AssertNotCalled(t, "PullImage", mock.Anything, mock.Anything)
	})

	t.Run("Should pull a missing image with retries", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		spec := testSpec()
		a.On("ListContainersByLabels", mock.Anything, mock.Anything).Return([]Summary{}, nil)
		a.On("ImageExists", mock.Anything, spec.Image).Return(false, nil)
		a.On("PullImage", mock.Anything, spec.Image).Return(errors.New("registry timeout")).Once()
		a.On("PullImage", mock.Anything, spec.Image).Return(nil).Once()
		a.On("CreateContainer", mock.Anything, mock.Anything).Return("c-new", nil)
		a.On("StartContainer", mock.Anything, "c-new").Return(nil)
		_, err := o.FindOrCreateContainer(ctx, "host-1", spec)
		require.NoError(t, err)
		a.AssertNumberOfCalls(t, "PullImage", 2)
	})

	t.Run("Should report CONTAINER_CREATE_FAILED when creation fails", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		a.On("ListContainersByLabels", mock.Anything, mock.Anything).Return([]Summary{}, nil)
		a.On("ImageExists", mock.Anything, mock.Anything).Return(true, nil)
		a.On("CreateContainer", mock.Anything, mock.Anything).Return("", errors.New("no space left"))
		_, err := o.FindOrCreateContainer(ctx, "host-1", testSpec())
		require.Error(t, err)
		code, ok := CodeOf(err)
		require.True(t, ok)
		assert.Equal(t, CodeContainerCreateFailed, code)
	})

	t.Run("Should report DOCKER_NOT_CONFIGURED for unknown hosts", func(t *testing.T) {
		o := newTestOrchestrator(&mockAdapter{})
		_, err := o.FindOrCreateContainer(ctx, "host-9", testSpec())
		code, ok := CodeOf(err)
		require.True(t, ok)
		assert.Equal(t, CodeDockerNotConfigured, code)
	})
}

func TestOrchestrator_ExecInContainer(t *testing.T) {
	ctx := context.Background()
	req := JobRequest{Mode: ModeSync, JobClass: "transcode", JobID: "job-1", Payload: map[string]any{"file": "a.mp4"}}

	t.Run("Should fail fast when the container is stopped", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		a.On("IsContainerRunning", mock.Anything, "c1").Return(false, nil)
		res := o.ExecInContainer(ctx, "host-1", "c1", req)
		assert.False(t, res.Success)
		require.NotNil(t, res.Failure)
		assert.Equal(t, CodeContainerNotRunning, res.Failure.Code)
		assert.Equal(t, string(CodeContainerNotRunning), res.Error.Code)
		a.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
		a.AssertNotCalled(t, "StartContainer", mock.Anything, mock.Anything)
	})

	t.Run("Should pass an encoded descriptor and parse a structured result", func(t *testing.T) {
		a := &mockAdapter{}
		o := NewOrchestrator(map[string]DockerAdapter{"host-1": a}, WithAgentCommand([]string{"agent", "run"}))
		a.On("IsContainerRunning", mock.Anything, "c1").Return(true, nil)
		var captured []string
		a.On("Exec", mock.Anything, "c1", mock.Anything).Run(func(args mock.Arguments) {
			captured = args.Get(2).([]string)
		}).Return(&ExecOutput{Output: frame(1, `{"success":true,"result":{"frames":12}}`)}, nil)
		res := o.ExecInContainer(ctx, "host-1", "c1", req)
		require.True(t, res.Success)
		assert.Equal(t, map[string]any{"frames": float64(12)}, res.Result)
		require.Len(t, captured, 3)
		assert.Equal(t, []string{"agent", "run"}, captured[:2])
		raw, err := base64.StdEncoding.DecodeString(captured[2])
		require.NoError(t, err)
		var decoded JobRequest
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, "job-1", decoded.JobID)
		assert.Equal(t, ModeSync, decoded.Mode)
	})

	t.Run("Should map a structured failure to a task error", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		a.On("IsContainerRunning", mock.Anything, "c1").Return(true, nil)
		out := "starting\n" + `{"success":false,"error":{"name":"DecodeError","code":"BAD_INPUT","message":"corrupt file"}}`
		a.On("Exec", mock.Anything, "c1", mock.Anything).Return(&ExecOutput{ExitCode: 1, Output: []byte(out)}, nil)
		res := o.ExecInContainer(ctx, "host-1", "c1", req)
		assert.False(t, res.Success)
		assert.Nil(t, res.Failure)
		require.NotNil(t, res.Error)
		assert.Equal(t, "DecodeError", res.Error.Name)
		assert.Equal(t, "BAD_INPUT", res.Error.Code)
		assert.Equal(t, "corrupt file", res.Error.Message)
	})

	t.Run("Should treat unstructured output as an opaque success result", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		a.On("IsContainerRunning", mock.Anything, "c1").Return(true, nil)
		a.On("Exec", mock.Anything, "c1", mock.Anything).Return(&ExecOutput{Output: []byte("done\n")}, nil)
		res := o.ExecInContainer(ctx, "host-1", "c1", req)
		assert.True(t, res.Success)
		assert.Equal(t, "done", res.Result)
	})

	t.Run("Should report EXEC_FAILED for a non-zero exit without a result", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		a.On("IsContainerRunning", mock.Anything, "c1").Return(true, nil)
		output := append(frame(1, "working"), frame(2, "segfault")...)
		a.On("Exec", mock.Anything, "c1", mock.Anything).Return(&ExecOutput{ExitCode: 139, Output: output}, nil)
		res := o.ExecInContainer(ctx, "host-1", "c1", req)
		assert.False(t, res.Success)
		require.NotNil(t, res.Failure)
		assert.Equal(t, CodeExecFailed, res.Failure.Code)
		assert.Contains(t, res.Error.Message, "segfault")
	})

	t.Run("Should report EXEC_FAILED when the exec call errors", func(t *testing.T) {
		a := &mockAdapter{}
		o := newTestOrchestrator(a)
		a.On("IsContainerRunning", mock.Anything, "c1").Return(true, nil)
		a.On("Exec", mock.Anything, "c1", mock.Anything).Return(nil, errors.New("connection reset"))
		res := o.ExecInContainer(ctx, "host-1", "c1", req)
		require.NotNil(t, res.Failure)
		assert.Equal(t, CodeExecFailed, res.Failure.Code)
	})
}

func TestDemultiplex(t *testing.T) {
	t.Run("Should split framed streams", func(t *testing.T) {
		stdout, stderr := Demultiplex(append(frame(1, "out"), frame(2, "err")...))
		assert.Equal(t, "out", string(stdout))
		assert.Equal(t, "err", string(stderr))
	})
	t.Run("Should return raw output when not framed", func(t *testing.T) {
		stdout, stderr := Demultiplex([]byte("ok"))
		assert.Equal(t, "ok", string(stdout))
		assert.Empty(t, stderr)
	})
}

func TestOrchestrator_PingAll(t *testing.T) {
	t.Run("Should join failures from every host", func(t *testing.T) {
		good := &mockAdapter{}
		good.On("Ping", mock.Anything).Return(nil)
		bad := &mockAdapter{}
		bad.On("Ping", mock.Anything).Return(errors.New("refused"))
		o := NewOrchestrator(map[string]DockerAdapter{"a": good, "b": bad})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := o.PingAll(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "host b")
		assert.NotContains(t, err.Error(), "host a")
	})
}

func TestOrchestrator_SmokeAll(t *testing.T) {
	t.Run("Should run a labelled one-off container on every host", func(t *testing.T) {
		a := &mockAdapter{}
		a.On("Run", mock.Anything, RunOptions{
			Image:   "alpine:3.20",
			Command: []string{"true"},
			Labels:  map[string]string{LabelPlatform: "test"},
		}).Return(&RunResult{ExitCode: 0}, nil).Once()
		o := newTestOrchestrator(a)
		require.NoError(t, o.SmokeAll(context.Background(), "alpine:3.20", nil))
		a.AssertExpectations(t)
	})

	t.Run("Should report hosts whose container fails or exits non-zero", func(t *testing.T) {
		failing := &mockAdapter{}
		failing.On("Run", mock.Anything, mock.Anything).Return(&RunResult{ExitCode: 2, Output: []byte("no shell")}, nil)
		broken := &mockAdapter{}
		broken.On("Run", mock.Anything, mock.Anything).Return(nil, errors.New("pull denied"))
		o := NewOrchestrator(map[string]DockerAdapter{"a": failing, "b": broken})
		err := o.SmokeAll(context.Background(), "example/agent:1", []string{"/agent", "--version"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "host a: smoke container exited with code 2: no shell")
		assert.Contains(t, err.Error(), "host b: pull denied")
	})
}
