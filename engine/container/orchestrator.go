// Package container runs task handlers inside long-lived worker containers.
// Containers are found or created per app profile on an injected set of
// hosts and jobs are handed to an in-container agent over exec.
package container

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gosimple/slug"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
)

const (
	LabelPlatform    = "io.taskengine.platform"
	LabelApp         = "io.taskengine.app"
	LabelProfile     = "io.taskengine.profile"
	LabelProfileHash = "io.taskengine.profile-hash"

	defaultPlatformID  = "taskengine"
	defaultPullRetries = 2
	defaultPullBackoff = 500 * time.Millisecond
	maxMessageLength   = 4096
)

// DefaultAgentCommand is the fixed in-container agent entrypoint. The
// encoded job descriptor is appended as the last argument.
var DefaultAgentCommand = []string{"/usr/local/bin/taskengine-agent", "run-job"}

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// ContainerSpec describes the container a profile needs.
type ContainerSpec struct {
	AppIdentifier string
	ProfileName   string
	ProfileHash   string
	Image         string
	Command       []string
	Env           map[string]string
	Labels        map[string]string
}

type ContainerInfo struct {
	HostID      string
	ContainerID string
	Name        string
	State       State
	Created     bool
	Started     bool
}

// JobRequest is handed to the agent as a base64 JSON descriptor.
type JobRequest struct {
	Mode     Mode   `json:"mode"`
	JobClass string `json:"jobClass"`
	JobID    string `json:"jobId"`
	TaskID   string `json:"taskId,omitempty"`
	Token    string `json:"token,omitempty"`
	HookURL  string `json:"hookUrl,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// ExecResult is the interpreted outcome of one exec. Failure is set when
// the orchestration itself failed; Error is set for any unsuccessful result.
type ExecResult struct {
	Success bool
	Result  any
	Error   *task.Error
	Failure *JobError
}

func failedResult(je *JobError) ExecResult {
	return ExecResult{Success: false, Error: je.TaskError(), Failure: je}
}

// Metrics receives orchestration outcomes.
type Metrics interface {
	RecordContainerAction(hostID, action string)
	RecordExec(hostID, outcome string, d time.Duration)
}

type Option func(*Orchestrator)

func WithPlatformID(id string) Option {
	return func(o *Orchestrator) { o.platformID = id }
}

func WithAgentCommand(cmd []string) Option {
	return func(o *Orchestrator) { o.agentCommand = append([]string(nil), cmd...) }
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithPullBackoff(retries uint64, base time.Duration) Option {
	return func(o *Orchestrator) {
		o.pullRetries = retries
		o.pullBackoff = base
	}
}

// Orchestrator owns one adapter per host. The map is fixed at construction.
type Orchestrator struct {
	adapters     map[string]DockerAdapter
	platformID   string
	agentCommand []string
	metrics      Metrics
	pullRetries  uint64
	pullBackoff  time.Duration
}

func NewOrchestrator(adapters map[string]DockerAdapter, opts ...Option) *Orchestrator {
	copied := make(map[string]DockerAdapter, len(adapters))
	for host, a := range adapters {
		copied[host] = a
	}
	o := &Orchestrator{
		adapters:     copied,
		platformID:   defaultPlatformID,
		agentCommand: DefaultAgentCommand,
		pullRetries:  defaultPullRetries,
		pullBackoff:  defaultPullBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Hosts() []string {
	out := make([]string, 0, len(o.adapters))
	for h := range o.adapters {
		out = append(out, h)
	}
	return out
}

func (o *Orchestrator) adapter(hostID, op string) (DockerAdapter, *JobError) {
	a, ok := o.adapters[hostID]
	if !ok || a == nil {
		return nil, jobError(CodeDockerNotConfigured, hostID, op, errors.New("no container adapter for host"))
	}
	return a, nil
}

func (o *Orchestrator) record(hostID, action string) {
	if o.metrics != nil {
		o.metrics.RecordContainerAction(hostID, action)
	}
}

// PingAll checks every configured host, retrying transient failures.
func (o *Orchestrator) PingAll(ctx context.Context) error {
	var errs []error
	for host, a := range o.adapters {
		backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := a.Ping(ctx); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("host %s: %w", host, err))
		}
	}
	return errors.Join(errs...)
}

// SmokeAll runs a one-off container from image on every host and expects
// it to exit cleanly. It catches hosts that answer pings but cannot pull or
// start containers.
func (o *Orchestrator) SmokeAll(ctx context.Context, image string, cmd []string) error {
	if len(cmd) == 0 {
		cmd = []string{"true"}
	}
	var errs []error
	for host, a := range o.adapters {
		res, err := a.Run(ctx, RunOptions{
			Image:   image,
			Command: cmd,
			Labels:  map[string]string{LabelPlatform: o.platformID},
		})
		o.record(host, "smoke")
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("host %s: %w", host, err))
		case res.ExitCode != 0:
			errs = append(errs, fmt.Errorf("host %s: smoke container exited with code %d: %s",
				host, res.ExitCode, truncate(strings.TrimSpace(string(res.Output)))))
		}
	}
	return errors.Join(errs...)
}

// Labels returns the exact label set identifying containers of spec.
func (o *Orchestrator) Labels(spec ContainerSpec) map[string]string {
	labels := make(map[string]string, len(spec.Labels)+4)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelPlatform] = o.platformID
	labels[LabelApp] = spec.AppIdentifier
	labels[LabelProfile] = spec.ProfileName
	labels[LabelProfileHash] = spec.hash()
	return labels
}

func (s ContainerSpec) hash() string {
	if s.ProfileHash != "" {
		return s.ProfileHash
	}
	return core.HashOf(map[string]any{"image": s.Image, "command": s.Command, "env": s.Env})
}

func (o *Orchestrator) containerName(spec ContainerSpec) (string, error) {
	id, err := core.NewID()
	if err != nil {
		return "", err
	}
	hash := spec.hash()
	if len(hash) > 12 {
		hash = hash[:12]
	}
	suffix := strings.ToLower(id.String())
	suffix = suffix[len(suffix)-6:]
	return slug.Make(strings.Join([]string{o.platformID, spec.AppIdentifier, spec.ProfileName, hash, suffix}, "-")), nil
}

// FindOrCreateContainer returns a running container for spec on hostID.
// A running match wins; otherwise the first exited or created match is
// started; otherwise a new container is created and started. Errors are
// always *JobError.
func (o *Orchestrator) FindOrCreateContainer(ctx context.Context, hostID string, spec ContainerSpec) (*ContainerInfo, error) {
	a, jerr := o.adapter(hostID, "find_or_create")
	if jerr != nil {
		return nil, jerr
	}
	log := logger.FromContext(ctx).With("host_id", hostID, "app", spec.AppIdentifier, "profile", spec.ProfileName)
	labels := o.Labels(spec)
	matches, err := a.ListContainersByLabels(ctx, labels)
	if err != nil {
		return nil, jobError(CodeContainerCreateFailed, hostID, "list_containers", err)
	}
	for _, c := range matches {
		if c.State == StateRunning {
			o.record(hostID, "reuse")
			return &ContainerInfo{HostID: hostID, ContainerID: c.ID, Name: c.Name, State: StateRunning}, nil
		}
	}
	for _, c := range matches {
		if c.State != StateExited && c.State != StateCreated {
			continue
		}
		if err := a.StartContainer(ctx, c.ID); err != nil {
			return nil, jobError(CodeContainerCreateFailed, hostID, "start_container", err)
		}
		o.record(hostID, "restart")
		log.Info("Restarted stopped container", "container_id", c.ID)
		return &ContainerInfo{HostID: hostID, ContainerID: c.ID, Name: c.Name, State: StateRunning, Started: true}, nil
	}
	if err := o.ensureImage(ctx, a, spec.Image); err != nil {
		return nil, jobError(CodeContainerCreateFailed, hostID, "pull_image", err)
	}
	name, err := o.containerName(spec)
	if err != nil {
		return nil, jobError(CodeContainerCreateFailed, hostID, "name_container", err)
	}
	id, err := a.CreateContainer(ctx, CreateOptions{
		Name:    name,
		Image:   spec.Image,
		Command: spec.Command,
		Env:     spec.Env,
		Labels:  labels,
	})
	if err != nil {
		return nil, jobError(CodeContainerCreateFailed, hostID, "create_container", err)
	}
	if err := a.StartContainer(ctx, id); err != nil {
		return nil, jobError(CodeContainerCreateFailed, hostID, "start_container", err)
	}
	o.record(hostID, "create")
	log.Info("Created container", "container_id", id, "name", name)
	return &ContainerInfo{HostID: hostID, ContainerID: id, Name: name, State: StateRunning, Created: true, Started: true}, nil
}

func (o *Orchestrator) ensureImage(ctx context.Context, a DockerAdapter, image string) error {
	exists, err := a.ImageExists(ctx, image)
	if err != nil {
		return fmt.Errorf("inspecting image %s: %w", image, err)
	}
	if exists {
		return nil
	}
	backoff := retry.WithMaxRetries(o.pullRetries, retry.NewExponential(o.pullBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := a.PullImage(ctx, image); err != nil {
			return retry.RetryableError(fmt.Errorf("pulling image %s: %w", image, err))
		}
		return nil
	})
}

// EncodeJob renders the agent descriptor argument.
func EncodeJob(req JobRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding job descriptor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ExecInContainer hands req to the agent inside a running container. A
// stopped container is reported as CONTAINER_NOT_RUNNING and never
// restarted here.
func (o *Orchestrator) ExecInContainer(ctx context.Context, hostID, containerID string, req JobRequest) ExecResult {
	started := time.Now()
	res := o.exec(ctx, hostID, containerID, req)
	if o.metrics != nil {
		outcome := "success"
		switch {
		case res.Failure != nil:
			outcome = strings.ToLower(string(res.Failure.Code))
		case !res.Success:
			outcome = "failure"
		}
		o.metrics.RecordExec(hostID, outcome, time.Since(started))
	}
	return res
}

func (o *Orchestrator) exec(ctx context.Context, hostID, containerID string, req JobRequest) ExecResult {
	a, jerr := o.adapter(hostID, "exec")
	if jerr != nil {
		return failedResult(jerr)
	}
	running, err := a.IsContainerRunning(ctx, containerID)
	if err != nil {
		return failedResult(jobError(CodeContainerNotRunning, hostID, "inspect_container", err))
	}
	if !running {
		return failedResult(jobError(CodeContainerNotRunning, hostID, "exec",
			fmt.Errorf("container %s is not running", containerID)))
	}
	encoded, err := EncodeJob(req)
	if err != nil {
		return failedResult(jobError(CodeExecFailed, hostID, "exec", err))
	}
	cmd := append(append([]string(nil), o.agentCommand...), encoded)
	out, err := a.Exec(ctx, containerID, cmd)
	if err != nil {
		return failedResult(jobError(CodeExecFailed, hostID, "exec", err))
	}
	stdout, stderr := Demultiplex(out.Output)
	logger.FromContext(ctx).Debug("Container exec finished",
		"host_id", hostID, "container_id", containerID, "job_id", req.JobID, "exit_code", out.ExitCode)
	if res, ok := parseResult(stdout); ok {
		return res
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		return failedResult(jobError(CodeExecFailed, hostID, "exec",
			fmt.Errorf("agent exited with code %d: %s", out.ExitCode, truncate(msg))))
	}
	return ExecResult{Success: true, Result: strings.TrimSpace(string(stdout))}
}

// Demultiplex splits the runtime's framed stdout/stderr stream. Input that
// is not framed is returned unchanged as stdout.
func Demultiplex(raw []byte) (stdout, stderr []byte) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !isFramed(raw) {
		return raw, nil
	}
	var out, errOut bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &errOut, bytes.NewReader(raw)); err != nil {
		return raw, nil
	}
	return out.Bytes(), errOut.Bytes()
}

func isFramed(raw []byte) bool {
	const headerLen = 8
	if len(raw) < headerLen || raw[0] > 2 {
		return false
	}
	return raw[1] == 0 && raw[2] == 0 && raw[3] == 0
}

// parseResult reads a {success, result?, error?} document from the output.
// Agents may log before the result, so the last JSON line is tried when the
// whole output is not a document.
func parseResult(stdout []byte) (ExecResult, bool) {
	text := strings.TrimSpace(string(stdout))
	if text == "" {
		return ExecResult{}, false
	}
	candidates := []string{text}
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		candidates = append(candidates, strings.TrimSpace(text[idx+1:]))
	}
	for _, c := range candidates {
		if !gjson.Valid(c) {
			continue
		}
		doc := gjson.Parse(c)
		success := doc.Get("success")
		if !doc.IsObject() || (success.Type != gjson.True && success.Type != gjson.False) {
			continue
		}
		if success.Bool() {
			return ExecResult{Success: true, Result: doc.Get("result").Value()}, true
		}
		return ExecResult{Success: false, Error: resultError(doc.Get("error"))}, true
	}
	return ExecResult{}, false
}

func resultError(e gjson.Result) *task.Error {
	out := &task.Error{Name: "JobFailedError", Message: "job reported failure"}
	switch {
	case e.IsObject():
		if v := e.Get("name").String(); v != "" {
			out.Name = v
		}
		out.Code = e.Get("code").String()
		if v := e.Get("message").String(); v != "" {
			out.Message = v
		}
		if d, ok := e.Get("details").Value().(map[string]any); ok {
			out.Details = d
		}
	case e.Type == gjson.String:
		out.Message = e.String()
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxMessageLength {
		return s
	}
	return s[:maxMessageLength] + "..."
}
