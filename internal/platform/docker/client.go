package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dontdude/goxec/internal/domain"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var (
	// ErrUnsupportedLanguage is returned for a language with no configured image.
	ErrUnsupportedLanguage = errors.New("sandbox: unsupported language")
	// ErrTimeout is returned when the code runs past its timeout.
	ErrTimeout = errors.New("sandbox: execution timed out")
)

// Language maps a language name to the image and interpreter that run it.
// The code is appended as the last argument of Command.
type Language struct {
	Image   string
	Command []string
}

// DefaultLanguages are the runtimes available out of the box.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"python":     {Image: "python:3.12-alpine", Command: []string{"python", "-c"}},
		"javascript": {Image: "node:22-alpine", Command: []string{"node", "-e"}},
	}
}

// Limits are the resource ceilings applied to every container.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	Timeout     time.Duration
	// OutputBytes caps how much of each stream is kept.
	OutputBytes int
}

// DefaultLimits returns conservative limits for untrusted code.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 256 * 1024 * 1024,
		NanoCPUs:    1_000_000_000,
		PidsLimit:   64,
		Timeout:     30 * time.Second,
		OutputBytes: 64 * 1024,
	}
}

// engine is the part of the Docker SDK the sandbox uses.
type engine interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Client wraps the official Docker SDK client and runs code in throwaway,
// locked-down containers.
type Client struct {
	cli       engine
	closer    io.Closer
	languages map[string]Language
	limits    Limits
	logger    *slog.Logger

	pulled sync.Map // image ref -> struct{}
}

// Check if Client implements domain.ContainerRunner
var _ domain.ContainerRunner = (*Client)(nil)

// NewClient connects to the Docker daemon from the environment and verifies
// it with a Ping, so a worker without Docker fails at startup rather than on
// its first job.
func NewClient(ctx context.Context, languages map[string]Language, limits Limits) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	slog.Info("Docker Client initialized successfully")
	c := newClient(cli, languages, limits)
	c.closer = cli
	return c, nil
}

func newClient(cli engine, languages map[string]Language, limits Limits) *Client {
	if len(languages) == 0 {
		languages = DefaultLanguages()
	}
	def := DefaultLimits()
	if limits.MemoryBytes <= 0 {
		limits.MemoryBytes = def.MemoryBytes
	}
	if limits.NanoCPUs <= 0 {
		limits.NanoCPUs = def.NanoCPUs
	}
	if limits.PidsLimit <= 0 {
		limits.PidsLimit = def.PidsLimit
	}
	if limits.Timeout <= 0 {
		limits.Timeout = def.Timeout
	}
	if limits.OutputBytes <= 0 {
		limits.OutputBytes = def.OutputBytes
	}
	return &Client{cli: cli, languages: languages, limits: limits, logger: slog.Default()}
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Supports implements domain.ContainerRunner.
func (c *Client) Supports(language string) bool {
	_, ok := c.languages[language]
	return ok
}

// containerSpec builds the isolation boundary: no network, read-only root
// filesystem with a small noexec tmpfs, every capability dropped, an
// unprivileged user, and cgroup limits on memory, CPU and process count.
func (c *Client) containerSpec(lang Language, code string) (*container.Config, *container.HostConfig) {
	cmd := append(append([]string{}, lang.Command...), code)
	pids := c.limits.PidsLimit

	cfg := &container.Config{
		Image:           lang.Image,
		Cmd:             cmd,
		User:            "65534:65534",
		WorkingDir:      "/tmp",
		NetworkDisabled: true,
		Env:             []string{"HOME=/tmp"},
		Labels:          map[string]string{"goxec.sandbox": "true"},
	}
	host := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=16m"},
		Resources: container.Resources{
			Memory:     c.limits.MemoryBytes,
			MemorySwap: c.limits.MemoryBytes,
			NanoCPUs:   c.limits.NanoCPUs,
			PidsLimit:  &pids,
		},
	}
	return cfg, host
}

// ensureImage pulls ref once per process.
func (c *Client) ensureImage(ctx context.Context, ref string) error {
	if _, ok := c.pulled.Load(ref); ok {
		return nil
	}

	c.logger.Info("Pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}

	c.pulled.Store(ref, struct{}{})
	return nil
}

// Run executes the code within an ephemeral container and always removes it.
func (c *Client) Run(ctx context.Context, spec domain.RunSpec) (domain.RunOutput, error) {
	lang, ok := c.languages[spec.Language]
	if !ok {
		return domain.RunOutput{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, spec.Language)
	}

	timeout := spec.Timeout
	if timeout <= 0 || timeout > c.limits.Timeout {
		timeout = c.limits.Timeout
	}

	if err := c.ensureImage(ctx, lang.Image); err != nil {
		return domain.RunOutput{}, err
	}

	cfg, host := c.containerSpec(lang, spec.Code)
	resp, err := c.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return domain.RunOutput{}, fmt.Errorf("failed to create container: %w", err)
	}
	defer c.remove(resp.ID)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	if err := c.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return domain.RunOutput{}, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := c.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return domain.RunOutput{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return domain.RunOutput{}, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return domain.RunOutput{}, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}
	elapsed := time.Since(started)

	logs, err := c.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return domain.RunOutput{}, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	stdout := &capped{limit: c.limits.OutputBytes}
	stderr := &capped{limit: c.limits.OutputBytes}
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return domain.RunOutput{}, fmt.Errorf("failed to demultiplex logs: %w", err)
	}

	c.logger.Info("Container finished", "containerID", resp.ID, "exitCode", exitCode, "duration", elapsed)
	return domain.RunOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: int(exitCode),
		Duration: elapsed.Milliseconds(),
	}, nil
}

func (c *Client) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		c.logger.Error("Failed to remove container", "containerID", id, "error", err)
	}
}

// capped keeps the first limit bytes written and silently drops the rest.
type capped struct {
	buf   []byte
	limit int
}

func (w *capped) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		if len(p) > room {
			w.buf = append(w.buf, p[:room]...)
		} else {
			w.buf = append(w.buf, p...)
		}
	}
	return len(p), nil
}

func (w *capped) String() string { return string(w.buf) }
