package docker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/dockercli"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Fake Client
// =============================================================================

// Call is one recorded runtime call.
type Call struct {
	Op     string
	Target string
}

// FakeClient is an in-memory RuntimeClient. It keeps a container table,
// records every call, and returns injected errors per operation.
type FakeClient struct {
	mu         sync.Mutex
	containers []*domain.ContainerInfo
	images     []domain.ImageInfo
	calls      []Call

	// PingErr is returned by Ping.
	PingErr error

	// Errors maps an operation name (ping excluded) to the error it returns.
	Errors map[string]error

	// StuckStatus, when set, is the status a started container ends up in
	// instead of running.
	StuckStatus string
}

// NewFakeClient creates a fake with the given containers.
func NewFakeClient(containers ...domain.ContainerInfo) *FakeClient {
	f := &FakeClient{Errors: make(map[string]error)}
	for _, c := range containers {
		f.AddContainer(c)
	}
	return f
}

// AddContainer adds or replaces a container.
func (f *FakeClient) AddContainer(c domain.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.containers {
		if existing.ContainerID == c.ContainerID {
			f.containers[i] = &c
			return
		}
	}
	f.containers = append(f.containers, &c)
}

// AddImage adds an image.
func (f *FakeClient) AddImage(img domain.ImageInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, img)
}

// SetError makes op fail with err; a nil err clears it.
func (f *FakeClient) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, op)
		return
	}
	f.Errors[op] = err
}

// Calls returns a copy of the call log.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times op was called.
func (f *FakeClient) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Status returns the raw status of a container, or "" when absent.
func (f *FakeClient) Status(idOrName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(idOrName); c != nil {
		return c.Status
	}
	return ""
}

// record logs a call and returns the injected error for op. Caller holds mu.
func (f *FakeClient) record(op, target string) error {
	f.calls = append(f.calls, Call{Op: op, Target: target})
	return f.Errors[op]
}

// find looks a container up by ID, ID prefix or name. Caller holds mu.
func (f *FakeClient) find(idOrName string) *domain.ContainerInfo {
	name := strings.TrimPrefix(idOrName, "/")
	for _, c := range f.containers {
		if c.ContainerID == idOrName || c.CleanName() == name {
			return c
		}
		if len(idOrName) >= 12 && strings.HasPrefix(c.ContainerID, idOrName) {
			return c
		}
	}
	return nil
}

func (f *FakeClient) notFound(op, id string) error {
	return NewDockerError(op, "container", id, "container not found", ErrContainerNotFound)
}

// Execute implements RuntimeClient.
func (f *FakeClient) Execute(_ context.Context, args []string, _ time.Duration) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("execute", strings.Join(args, " ")); err != nil {
		return &ExecResult{Args: args, ExitCode: 1, Stderr: err.Error()}, err
	}
	return &ExecResult{Args: args, Stdout: "ok"}, nil
}

// Ping implements RuntimeClient.
func (f *FakeClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "ping"})
	return f.PingErr
}

// ListContainers implements RuntimeClient.
func (f *FakeClient) ListContainers(_ context.Context, all bool) ([]domain.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list", ""); err != nil {
		return nil, err
	}
	out := make([]domain.ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		if all || c.IsRunning() {
			out = append(out, *c)
		}
	}
	return out, nil
}

// InspectContainer implements RuntimeClient.
func (f *FakeClient) InspectContainer(_ context.Context, idOrName string) (*domain.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("inspect", idOrName); err != nil {
		return nil, err
	}
	c := f.find(idOrName)
	if c == nil {
		return nil, f.notFound("InspectContainer", idOrName)
	}
	info := *c
	return &info, nil
}

// StartContainer implements RuntimeClient.
func (f *FakeClient) StartContainer(_ context.Context, idOrName string) error {
	return f.transition("start", idOrName, "running")
}

// StopContainer implements RuntimeClient.
func (f *FakeClient) StopContainer(_ context.Context, idOrName string) error {
	return f.transition("stop", idOrName, "exited")
}

// RestartContainer implements RuntimeClient.
func (f *FakeClient) RestartContainer(_ context.Context, idOrName string) error {
	return f.transition("restart", idOrName, "running")
}

func (f *FakeClient) transition(op, idOrName, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op, idOrName); err != nil {
		return err
	}
	c := f.find(idOrName)
	if c == nil {
		return f.notFound(op, idOrName)
	}
	if status == "running" && f.StuckStatus != "" {
		status = f.StuckStatus
	}
	c.Status = status
	return nil
}

// RemoveContainer implements RuntimeClient.
func (f *FakeClient) RemoveContainer(_ context.Context, idOrName string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("remove", idOrName); err != nil {
		return err
	}
	target := f.find(idOrName)
	if target == nil {
		return f.notFound("RemoveContainer", idOrName)
	}
	if target.IsRunning() && !force {
		return NewDockerError("RemoveContainer", "container", idOrName, "container is running", ErrExecutionFailed)
	}
	for i, c := range f.containers {
		if c == target {
			f.containers = append(f.containers[:i], f.containers[i+1:]...)
			break
		}
	}
	return nil
}

// RunContainer implements RuntimeClient.
func (f *FakeClient) RunContainer(_ context.Context, spec dockercli.RunSpec) (*domain.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("run", spec.Name); err != nil {
		return nil, err
	}
	status := "running"
	if f.StuckStatus != "" {
		status = f.StuckStatus
	}
	ports := make([]string, len(spec.Ports))
	for i, p := range spec.Ports {
		ports[i] = p.String()
	}
	c := &domain.ContainerInfo{
		ContainerID:  fmt.Sprintf("%064x", len(f.containers)+1),
		Name:         spec.Name,
		Image:        spec.Image,
		Status:       status,
		PortMappings: strings.Join(ports, ","),
	}
	f.containers = append(f.containers, c)
	if !isUp(status) {
		return nil, &CommandExecutionError{Command: "run " + spec.Name, Stdout: status}
	}
	info := *c
	return &info, nil
}

// ContainerLogs implements RuntimeClient.
func (f *FakeClient) ContainerLogs(_ context.Context, idOrName string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("logs", idOrName); err != nil {
		return "", err
	}
	if f.find(idOrName) == nil {
		return "", f.notFound("ContainerLogs", idOrName)
	}
	return fmt.Sprintf("last %d lines of %s\n", tail, idOrName), nil
}

// ContainerStats implements RuntimeClient.
func (f *FakeClient) ContainerStats(_ context.Context, idOrName string) (*domain.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stats", idOrName); err != nil {
		return nil, err
	}
	c := f.find(idOrName)
	if c == nil {
		return nil, f.notFound("ContainerStats", idOrName)
	}
	return &domain.ContainerStats{ContainerID: c.ContainerID, CPUPercent: 1.5, MemoryUsage: "10MiB / 1GiB", MemoryPercent: 0.98}, nil
}

// ListImages implements RuntimeClient.
func (f *FakeClient) ListImages(context.Context) ([]domain.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("images", ""); err != nil {
		return nil, err
	}
	out := make([]domain.ImageInfo, len(f.images))
	copy(out, f.images)
	return out, nil
}

// Close implements RuntimeClient.
func (f *FakeClient) Close() error {
	return nil
}

// =============================================================================
// Fake Runner
// =============================================================================

// FakeRunner is a CommandRunner returning scripted output. Responses are
// matched by the first argument after the connection flags.
type FakeRunner struct {
	mu        sync.Mutex
	calls     [][]string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	result *ExecResult
	err    error
}

// NewFakeRunner creates an empty fake runner. Unscripted commands succeed
// with no output.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: make(map[string]fakeResponse)}
}

// On scripts the response for a subcommand such as "ps" or "run".
func (r *FakeRunner) On(sub, stdout string, err error) *FakeRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[sub] = fakeResponse{result: &ExecResult{Stdout: stdout}, err: err}
	return r
}

// Run implements CommandRunner.
func (r *FakeRunner) Run(_ context.Context, args []string, _ time.Duration) (*ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), args...))

	resp, ok := r.responses[subcommand(args)]
	if !ok {
		return &ExecResult{Args: args}, nil
	}
	result := *resp.result
	result.Args = args
	return &result, resp.err
}

// Close implements CommandRunner.
func (r *FakeRunner) Close() error {
	return nil
}

// Calls returns every argument vector the runner received.
func (r *FakeRunner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// subcommand skips connection flags and returns the runtime subcommand.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-H", "--tlscacert", "--tlscert", "--tlskey":
			i++
		case "--tlsverify":
		default:
			return args[i]
		}
	}
	return ""
}
