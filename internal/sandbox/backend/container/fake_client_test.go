package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

type createCall struct {
	id         string
	config     *container.Config
	hostConfig *container.HostConfig
}

type fakeDockerClient struct {
	mu       sync.Mutex
	nextID   int
	pulls    []string
	creates  []createCall
	kills    []string
	removed  []string
	attached map[string]*fakeConn
	exitCh   map[string]chan container.WaitResponse

	exitCode int64
	block    bool
	oom      bool
	stdout   string
	stderr   string
}

func newFakeDockerClient() *fakeDockerClient {
	return &fakeDockerClient{
		attached: make(map[string]*fakeConn),
		exitCh:   make(map[string]chan container.WaitResponse),
	}
}

func (f *fakeDockerClient) Close() error { return nil }

func (f *fakeDockerClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, ref)
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("c-%d", f.nextID)
	f.nextID++
	f.creates = append(f.creates, createCall{id: id, config: config, hostConfig: hostConfig})
	f.exitCh[id] = make(chan container.WaitResponse, 1)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDockerClient) ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error) {
	conn := newFakeConn()
	f.mu.Lock()
	f.attached[containerID] = conn
	f.mu.Unlock()
	return types.HijackedResponse{Conn: conn}, nil
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.block {
		f.exitCh[containerID] <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return nil
}

func (f *fakeDockerClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	ch := f.exitCh[containerID]
	f.mu.Unlock()
	return ch, make(chan error)
}

func (f *fakeDockerClient) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    containerID,
			State: &types.ContainerState{OOMKilled: f.oom},
		},
	}, nil
}

func (f *fakeDockerClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDockerClient) ContainerKill(ctx context.Context, containerID, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, containerID)
	select {
	case f.exitCh[containerID] <- container.WaitResponse{StatusCode: 137}:
	default:
	}
	return nil
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	f.removed = append(f.removed, containerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) lastCreate() createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[len(f.creates)-1]
}

func (f *fakeDockerClient) conn(id string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[id]
}

// fakeConn records what the backend writes to the container's stdin.
type fakeConn struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Read(p []byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *fakeConn) CloseWrite() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Close() error { return nil }

// written waits for stdin to be closed and returns what was sent.
func (c *fakeConn) written(timeout time.Duration) (string, bool) {
	select {
	case <-c.done:
	case <-time.After(timeout):
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String(), true
}

func (c *fakeConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (c *fakeConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return string(a) }
func (a fakeAddr) String() string  { return string(a) }
