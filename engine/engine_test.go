package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/criyle/minidocker/container"
	"github.com/criyle/minidocker/pkg/cgroup"
	"github.com/criyle/minidocker/pkg/metainfo"
	"github.com/criyle/minidocker/pkg/overlay"
	"github.com/criyle/minidocker/pkg/platform/platformtest"
	"github.com/jonboulle/clockwork"
	"github.com/moby/go-archive"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeCgroups struct {
	mu        sync.Mutex
	groups    map[string][]int
	applied   map[string]cgroup.ResourceConfig
	destroyed []string
	applyErr  error
}

func newFakeCgroups() *fakeCgroups {
	return &fakeCgroups{
		groups:  make(map[string][]int),
		applied: make(map[string]cgroup.ResourceConfig),
	}
}

func (f *fakeCgroups) Create(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[id]; !ok {
		f.groups[id] = nil
	}
	return nil
}

func (f *fakeCgroups) Apply(id string, r cgroup.ResourceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied[id] = r
	return nil
}

func (f *fakeCgroups) AddProcess(id string, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[id] = append(f.groups[id], pid)
	return nil
}

func (f *fakeCgroups) Destroy(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, id)
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeCgroups) ReadMemoryEvents(id string) (cgroup.MemoryEvents, error) {
	return cgroup.MemoryEvents{"oom": 0}, nil
}

func (f *fakeCgroups) exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.groups[id]
	return ok
}

type fakeNetworks struct {
	connected    []string
	disconnected []string
	err          error
}

func (f *fakeNetworks) Connect(name, containerID string) error {
	f.connected = append(f.connected, name+"/"+containerID)
	return f.err
}

func (f *fakeNetworks) Disconnect(name, containerID string) error {
	f.disconnected = append(f.disconnected, name+"/"+containerID)
	return nil
}

type testEnv struct {
	engine   *Engine
	store    *metainfo.Store
	storage  *overlay.Manager
	platform *platformtest.Fake
	cgroups  *fakeCgroups
	network  *fakeNetworks
	clock    *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	log := logrus.New()
	log.SetOutput(os.Stderr)

	env := &testEnv{
		store:    metainfo.NewStore(filepath.Join(root, "containers")),
		platform: platformtest.New(),
		cgroups:  newFakeCgroups(),
		network:  &fakeNetworks{},
		clock:    clockwork.NewFakeClock(),
	}
	env.storage = overlay.NewManager(filepath.Join(root, "overlay"), filepath.Join(root, "images"), env.platform, log)
	writeImage(t, env.storage.ImagePath("busybox"))

	env.engine = New(Options{
		Store:       env.store,
		Storage:     env.storage,
		Cgroups:     env.cgroups,
		Platform:    env.platform,
		Network:     env.network,
		Clock:       env.clock,
		StopTimeout: 5 * time.Second,
		Seccomp:     true,
		Logger:      log,
	})
	return env
}

func writeImage(t *testing.T, path string) {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "sleep"), []byte("#!"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	rc, err := archive.TarWithOptions(src, &archive.TarOptions{})
	require.NoError(t, err)
	defer rc.Close()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.ReadFrom(rc)
	require.NoError(t, err)
}

func sleepCommand(detach bool) metainfo.RunCommand {
	cpu := uint64(50)
	mem := "10m"
	return metainfo.RunCommand{
		CPU:     &cpu,
		Mem:     &mem,
		Detach:  detach,
		Image:   "busybox",
		Command: "sleep",
		Args:    []string{"100"},
	}
}

// stop runs Stop while advancing the fake clock through the grace period
func (env *testEnv) stop(t *testing.T, id string) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- env.engine.Stop(id)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.clock.BlockUntilContext(ctx, 1))
	env.clock.Advance(5 * time.Second)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		t.Fatal("stop did not return")
		return nil
	}
}

func (env *testEnv) pid(t *testing.T, id string) int {
	t.Helper()
	m, err := env.store.Get(id)
	require.NoError(t, err)
	require.NotNil(t, m.Pid)
	return *m.Pid
}

func TestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.platform.IgnoreTerm = true

	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)
	require.Len(t, id, metainfo.IDLength)

	m, err := env.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, metainfo.StatusRunning, m.Status)
	require.NotNil(t, m.Pid)
	pid := *m.Pid

	// detached init gets the log file and nothing else of the terminal
	require.Len(t, env.platform.Spawned, 1)
	sc := env.platform.Spawned[0]
	assert.True(t, sc.Detach)
	require.Len(t, sc.Files, 1)
	assert.Equal(t, env.store.LogPath(id), sc.Files[0].Name())
	args, err := container.DecodeInitArgs(sc.Payload)
	require.NoError(t, err)
	assert.Equal(t, id, args.ID)
	assert.Equal(t, env.storage.Workspace(id).Merged, args.Root)
	assert.True(t, args.Seccomp)

	// same id names the record, the workspace and the cgroup
	assert.DirExists(t, env.store.Dir(id))
	assert.DirExists(t, env.storage.Dir(id))
	assert.True(t, env.cgroups.exists(id))
	assert.Equal(t, []int{pid}, env.cgroups.groups[id])
	assert.Equal(t, uint64(50), *env.cgroups.applied[id].CPU)
	assert.Equal(t, "10m", env.cgroups.applied[id].Memory)
	assert.Equal(t, []string{env.storage.Workspace(id).Merged}, env.platform.Targets())

	// process ignores SIGTERM, so it is killed after the grace period
	require.NoError(t, env.stop(t, id))
	assert.Equal(t, []platformtest.Signal{
		{Pid: pid, Sig: unix.SIGTERM},
		{Pid: pid, Sig: unix.SIGKILL},
	}, env.platform.Signals)
	m, err = env.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, metainfo.StatusExited, m.Status)
	assert.Nil(t, m.Pid)
	assert.False(t, env.cgroups.exists(id))
	assert.Empty(t, env.platform.Targets())

	require.NoError(t, env.engine.Remove(id))
	assert.False(t, env.store.Exists(id))
	assert.NoDirExists(t, env.store.Dir(id))
	assert.NoDirExists(t, env.storage.Dir(id))
}

func TestStopGraceful(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)
	pid := env.pid(t, id)

	require.NoError(t, env.stop(t, id))
	assert.Equal(t, []platformtest.Signal{{Pid: pid, Sig: unix.SIGTERM}}, env.platform.Signals)
	running, err := env.store.IsRunning(id)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestStopProcessGone(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)
	env.platform.Exit(env.pid(t, id), 0)

	// no grace period to wait for
	require.NoError(t, env.engine.Stop(id))
	assert.Empty(t, env.platform.Signals)
	assert.Empty(t, env.platform.Targets())
}

func TestRemoveRunningRejected(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(env.store.Dir(id), "config.json"))
	require.NoError(t, err)

	err = env.engine.Remove(id)
	require.Error(t, err)
	assert.True(t, IsStateConflict(err))

	after, err := os.ReadFile(filepath.Join(env.store.Dir(id), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{env.storage.Workspace(id).Merged}, env.platform.Targets())
}

func TestStartAfterStop(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)
	first := env.pid(t, id)
	require.NoError(t, env.stop(t, id))

	require.NoError(t, env.engine.Start(id, container.Stdio{}))
	second := env.pid(t, id)
	assert.NotEqual(t, first, second)
	running, err := env.store.IsRunning(id)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, []int{second}, env.cgroups.groups[id])
	assert.Equal(t, []string{env.storage.Workspace(id).Merged}, env.platform.Targets())
}

func TestStateConflicts(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)

	assert.True(t, IsStateConflict(env.engine.Start(id, container.Stdio{})))
	require.NoError(t, env.stop(t, id))
	assert.True(t, IsStateConflict(env.engine.Stop(id)))
	_, err = env.engine.Exec(id, []string{"ls"}, container.Stdio{})
	assert.True(t, IsStateConflict(err))
}

func TestUnknownContainer(t *testing.T) {
	env := newTestEnv(t)
	const id = "0000000000"
	assert.True(t, errdefs.IsNotFound(env.engine.Start(id, container.Stdio{})))
	assert.True(t, errdefs.IsNotFound(env.engine.Stop(id)))
	assert.True(t, errdefs.IsNotFound(env.engine.Remove(id)))
	assert.True(t, errdefs.IsNotFound(env.engine.Logs(id, os.Stdout)))
	assert.True(t, errdefs.IsNotFound(env.engine.Commit(id, "snapshot")))
	_, err := env.engine.Exec(id, []string{"ls"}, container.Stdio{})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestPrune(t *testing.T) {
	env := newTestEnv(t)
	exited := []string{"1000000001", "1000000002", "1000000003"}
	running := []string{"2000000001", "2000000002"}
	for _, id := range exited {
		require.NoError(t, env.store.Init(id, 1, sleepCommand(true)))
		require.NoError(t, env.store.RecordExit(id))
		require.NoError(t, os.MkdirAll(env.storage.Workspace(id).Upper, 0755))
	}
	before := make(map[string][]byte)
	for _, id := range running {
		require.NoError(t, env.store.Init(id, 1, sleepCommand(true)))
		require.NoError(t, os.MkdirAll(env.storage.Workspace(id).Upper, 0755))
		b, err := os.ReadFile(filepath.Join(env.store.Dir(id), "config.json"))
		require.NoError(t, err)
		before[id] = b
	}

	removed, err := env.engine.Prune()
	require.NoError(t, err)
	assert.Equal(t, exited, removed)
	for _, id := range exited {
		assert.False(t, env.store.Exists(id))
		assert.NoDirExists(t, env.storage.Dir(id))
	}
	for _, id := range running {
		b, err := os.ReadFile(filepath.Join(env.store.Dir(id), "config.json"))
		require.NoError(t, err)
		assert.Equal(t, before[id], b)
		assert.DirExists(t, env.storage.Workspace(id).Upper)
	}
}

func TestRunForeground(t *testing.T) {
	env := newTestEnv(t)
	env.platform.ForegroundExit = 3

	id, err := env.engine.Run(sleepCommand(false), container.Stdio{})
	require.NoError(t, err)

	require.Len(t, env.platform.Spawned, 1)
	assert.False(t, env.platform.Spawned[0].Detach)
	assert.Empty(t, env.platform.Spawned[0].Files)

	m, err := env.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, metainfo.StatusExited, m.Status)
	assert.Nil(t, m.Pid)
	assert.Equal(t, []string{id}, env.cgroups.destroyed)
	assert.Empty(t, env.platform.Targets())
	assert.NoDirExists(t, env.storage.Workspace(id).Merged)
}

func TestRunLimitFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	env.cgroups.applyErr = errors.New("write cpu.max: invalid argument")

	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.Error(t, err)
	require.Len(t, env.platform.Started, 1)
	pid := env.platform.Started[0]
	assert.False(t, env.platform.Alive(pid))
	assert.False(t, env.platform.Resumed(pid), "never resumed without limits")
	assert.Empty(t, env.platform.Targets())
	assert.False(t, env.cgroups.exists(id))
	running, err := env.store.IsRunning(id)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRunErrors(t *testing.T) {
	env := newTestEnv(t)

	cmd := sleepCommand(true)
	cmd.Image = "alpine"
	_, err := env.engine.Run(cmd, container.Stdio{})
	assert.True(t, errdefs.IsNotFound(err))

	cmd = sleepCommand(true)
	bad := "10x"
	cmd.Mem = &bad
	_, err = env.engine.Run(cmd, container.Stdio{})
	assert.True(t, errdefs.IsInvalidArgument(err))

	assert.Empty(t, env.platform.Spawned)
	assert.Empty(t, env.platform.Targets())
}

func TestRunConnectsNetwork(t *testing.T) {
	env := newTestEnv(t)
	env.network.err = errors.New("bridge down")
	cmd := sleepCommand(true)
	cmd.Network = "testbr"

	// connect failures are not fatal
	id, err := env.engine.Run(cmd, container.Stdio{})
	require.NoError(t, err)
	assert.Equal(t, []string{"testbr/" + id}, env.network.connected)

	got, err := env.store.GetCommand(id)
	require.NoError(t, err)
	assert.Equal(t, "testbr", got.Network)
}

func TestStopDisconnectsNetwork(t *testing.T) {
	env := newTestEnv(t)
	cmd := sleepCommand(true)
	cmd.Network = "testbr"
	id, err := env.engine.Run(cmd, container.Stdio{})
	require.NoError(t, err)
	assert.Empty(t, env.network.disconnected)

	require.NoError(t, env.stop(t, id))
	assert.Equal(t, []string{"testbr/" + id}, env.network.disconnected)

	// rm releases again whatever a failed teardown left
	require.NoError(t, env.engine.Remove(id))
	assert.Equal(t, []string{"testbr/" + id, "testbr/" + id}, env.network.disconnected)
}

func TestStopVolumeBusyKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	host := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(host, "data"), []byte("keep"), 0644))

	id := "0123456789"
	target := filepath.Join(env.storage.Workspace(id).Merged, "data")
	require.NoError(t, os.MkdirAll(target, 0755))
	cmd := sleepCommand(true)
	volume := host + ":/data"
	cmd.Volume = &volume
	require.NoError(t, env.engine.RunContainer(id, cmd, container.Stdio{}))

	env.platform.UnmountErr[target] = unix.EBUSY
	require.Error(t, env.stop(t, id))

	running, err := env.store.IsRunning(id)
	require.NoError(t, err)
	assert.True(t, running, "record stays running while mounted")
	assert.True(t, IsStateConflict(env.engine.Remove(id)))
	removed, err := env.engine.Prune()
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.FileExists(t, filepath.Join(host, "data"))
	assert.DirExists(t, env.storage.Dir(id))

	// once the volume is released stop completes the teardown
	delete(env.platform.UnmountErr, target)
	require.NoError(t, env.engine.Stop(id))
	running, err = env.store.IsRunning(id)
	require.NoError(t, err)
	assert.False(t, running)
	assert.Empty(t, env.platform.Targets())
	require.NoError(t, env.engine.Remove(id))
	assert.FileExists(t, filepath.Join(host, "data"))
}

func TestRunResumesAfterLimits(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)
	pid := env.pid(t, id)
	assert.True(t, env.platform.Resumed(pid))
	assert.Equal(t, []int{pid}, env.cgroups.groups[id])
}

func TestExec(t *testing.T) {
	env := newTestEnv(t)
	env.platform.EnterCode = 2
	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)

	code, err := env.engine.Exec(id, []string{"ls", "-l"}, container.Stdio{})
	require.NoError(t, err)
	assert.Equal(t, 2, code)
	assert.Equal(t, [][]string{{"ls", "-l"}}, env.platform.Entered)
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.store.LogPath(id), []byte("hello\n"), 0644))

	var sb strings.Builder
	require.NoError(t, env.engine.Logs(id, &sb))
	assert.Equal(t, "hello\n", sb.String())
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)
	b, err := env.engine.Run(sleepCommand(true), container.Stdio{})
	require.NoError(t, err)
	require.NoError(t, env.stop(t, b))

	all, err := env.engine.List(true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := env.engine.List(false)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a, running[0].ID)
}
