package container

import "context"

type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateRestarting State = "restarting"
	StateExited     State = "exited"
	StateDead       State = "dead"
)

type Summary struct {
	ID     string
	Name   string
	Image  string
	State  State
	Labels map[string]string
}

type CreateOptions struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	Labels  map[string]string
}

type RunOptions struct {
	Image   string
	Command []string
	Env     map[string]string
	Labels  map[string]string
}

type RunResult struct {
	ExitCode int
	Output   []byte
}

// ExecOutput is the raw exec stream. Output may still carry the runtime's
// stdout/stderr multiplexing headers.
type ExecOutput struct {
	ExitCode int
	Output   []byte
}

// DockerAdapter is the capability set the orchestrator needs from one
// container host.
type DockerAdapter interface {
	Ping(ctx context.Context) error
	// Run executes a one-off container to completion and removes it.
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
	PullImage(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)
	// ListContainersByLabels returns containers in any state whose labels
	// include every given pair.
	ListContainersByLabels(ctx context.Context, labels map[string]string) ([]Summary, error)
	CreateContainer(ctx context.Context, opts CreateOptions) (string, error)
	StartContainer(ctx context.Context, id string) error
	IsContainerRunning(ctx context.Context, id string) (bool, error)
	Exec(ctx context.Context, id string, cmd []string) (*ExecOutput, error)
}
