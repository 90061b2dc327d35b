// Package docker implements container.DockerAdapter over the Docker Engine API.
package docker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/compozy/taskengine/engine/container"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// HostConfig describes how to reach one container host.
type HostConfig struct {
	ID       string `koanf:"id"       json:"id"       validate:"required"`
	Host     string `koanf:"host"     json:"host"`
	Username string `koanf:"username" json:"username"`
	Password string `koanf:"password" json:"password"`
	Token    string `koanf:"token"    json:"token"`
}

func (c HostConfig) headers() map[string]string {
	switch {
	case c.Token != "":
		return map[string]string{"Authorization": "Bearer " + c.Token}
	case c.Username != "":
		creds := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		return map[string]string{"Authorization": "Basic " + creds}
	}
	return nil
}

type Adapter struct {
	cli *client.Client
}

var _ container.DockerAdapter = (*Adapter)(nil)

func New(cfg HostConfig) (*Adapter, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	if h := cfg.headers(); h != nil {
		opts = append(opts, client.WithHTTPHeaders(h))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client for host %s: %w", cfg.ID, err)
	}
	return &Adapter{cli: cli}, nil
}

// NewAll builds one adapter per configured host, keyed by host ID.
func NewAll(hosts []HostConfig) (map[string]container.DockerAdapter, error) {
	out := make(map[string]container.DockerAdapter, len(hosts))
	for _, h := range hosts {
		if _, dup := out[h.ID]; dup {
			return nil, fmt.Errorf("duplicate container host id %q", h.ID)
		}
		a, err := New(h)
		if err != nil {
			return nil, err
		}
		out[h.ID] = a
	}
	return out, nil
}

func (a *Adapter) Close() error {
	return a.cli.Close()
}

func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("pinging docker: %w", err)
	}
	return nil
}

func (a *Adapter) PullImage(ctx context.Context, ref string) error {
	rc, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// the pull only completes once the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (a *Adapter) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := a.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, err
	}
	return len(images) > 0, nil
}

func labelFilters(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	return args
}

func (a *Adapter) ListContainersByLabels(ctx context.Context, labels map[string]string) ([]container.Summary, error) {
	list, err := a.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: labelFilters(labels)})
	if err != nil {
		return nil, err
	}
	out := make([]container.Summary, 0, len(list))
	for i := range list {
		c := &list[i]
		out = append(out, container.Summary{
			ID:     c.ID,
			Name:   primaryName(c.Names),
			Image:  c.Image,
			State:  container.State(string(c.State)),
			Labels: c.Labels,
		})
	}
	return out, nil
}

func primaryName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) CreateContainer(ctx context.Context, opts container.CreateOptions) (string, error) {
	resp, err := a.cli.ContainerCreate(ctx, &dockercontainer.Config{
		Image:  opts.Image,
		Cmd:    opts.Command,
		Env:    envList(opts.Env),
		Labels: opts.Labels,
	}, &dockercontainer.HostConfig{
		RestartPolicy: dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyUnlessStopped},
	}, nil, nil, opts.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *Adapter) StartContainer(ctx context.Context, id string) error {
	return a.cli.ContainerStart(ctx, id, dockercontainer.StartOptions{})
}

func (a *Adapter) IsContainerRunning(ctx context.Context, id string) (bool, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

func (a *Adapter) Exec(ctx context.Context, id string, cmd []string) (*container.ExecOutput, error) {
	created, err := a.cli.ContainerExecCreate(ctx, id, dockercontainer.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}
	attached, err := a.cli.ContainerExecAttach(ctx, created.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attached.Close()
	output, err := io.ReadAll(attached.Reader)
	if err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}
	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}
	return &container.ExecOutput{ExitCode: inspect.ExitCode, Output: output}, nil
}

// Run executes a one-off container and removes it afterwards.
func (a *Adapter) Run(ctx context.Context, opts container.RunOptions) (_ *container.RunResult, err error) {
	id, err := a.CreateContainer(ctx, container.CreateOptions{
		Image:   opts.Image,
		Command: opts.Command,
		Env:     opts.Env,
		Labels:  opts.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	defer func() {
		rmErr := a.cli.ContainerRemove(context.WithoutCancel(ctx), id, dockercontainer.RemoveOptions{Force: true})
		if rmErr != nil && !client.IsErrNotFound(rmErr) {
			err = errors.Join(err, fmt.Errorf("removing container: %w", rmErr))
		}
	}()
	if err := a.StartContainer(ctx, id); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}
	statusCh, errCh := a.cli.ContainerWait(ctx, id, dockercontainer.WaitConditionNotRunning)
	var exitCode int
	select {
	case werr := <-errCh:
		if werr != nil {
			return nil, fmt.Errorf("waiting for container: %w", werr)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	logs, err := a.cli.ContainerLogs(ctx, id, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("reading container logs: %w", err)
	}
	defer logs.Close()
	output, err := io.ReadAll(logs)
	if err != nil {
		return nil, fmt.Errorf("reading container logs: %w", err)
	}
	return &container.RunResult{ExitCode: exitCode, Output: output}, nil
}
