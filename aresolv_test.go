package aresolv

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

// spawnOrphanEnvVar re-runs the test binary as a throwaway parent that
// starts a worker, prints its pid and exits without stopping it. Used to
// observe the worker's orphan self-termination from the outside.
const spawnOrphanEnvVar = "ARESOLV_TEST_SPAWN_ORPHAN"

func TestMain(m *testing.M) {
	// Worker children spawned by Start re-execute this binary; hand them
	// over to the worker loop before any test machinery runs.
	Init()

	if os.Getenv(spawnOrphanEnvVar) != "" {
		spawnAndAbandonWorker()
		return
	}

	goleak.VerifyTestMain(m)
}

func spawnAndAbandonWorker() {
	r := New(&Config{CheckInterval: 200 * time.Millisecond})
	if err := r.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(r.cmd.Process.Pid)
	// Exit without Stop or Wait; the worker is now on its own.
	os.Exit(0)
}

// waitReadable polls the readiness fd the way an embedding event loop would.
func waitReadable(t *testing.T, fd int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain < 0 {
			t.Fatal("result channel never became readable")
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remain.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		if n > 0 {
			return
		}
	}
}

func startedResolver(t *testing.T, conf *Config) *Resolver {
	t.Helper()

	r := New(conf)
	require.NoError(t, r.Start())
	t.Cleanup(func() {
		if !r.stopped {
			assert.NoError(t, r.Stop())
		}
		r.Wait()
	})

	return r
}

func TestResolverLifecycle(t *testing.T) {
	r := startedResolver(t, nil)

	require.NoError(t, r.Submit(0x1, "localhost", "80"))

	waitReadable(t, r.Ready(), 30*time.Second)
	resp, err := r.Fetch()
	require.NoError(t, err)

	assert.Equal(t, Tag(0x1), resp.Tag)
	require.Nil(t, resp.Err)
	require.NotEmpty(t, resp.Records)
	assert.Equal(t, "127.0.0.1", resp.Records[0].IP().String())
	assert.Equal(t, 80, resp.Records[0].Port())
}

func TestResolverScenario(t *testing.T) {
	r := startedResolver(t, nil)

	require.NoError(t, r.Submit(0x1, "localhost", "80"))
	require.NoError(t, r.Submit(0x2, "invalid.invalid", "80"))

	waitReadable(t, r.Ready(), 30*time.Second)
	first, err := r.Fetch()
	require.NoError(t, err)
	assert.Equal(t, Tag(0x1), first.Tag)
	assert.NotEmpty(t, first.Records)

	waitReadable(t, r.Ready(), 60*time.Second)
	second, err := r.Fetch()
	require.NoError(t, err)
	assert.Equal(t, Tag(0x2), second.Tag)
	assert.Empty(t, second.Records)
	assert.NotNil(t, second.Err)
}

func TestResolverStartTwice(t *testing.T) {
	r := startedResolver(t, nil)

	assert.Error(t, r.Start())
}

func TestResolverNotStarted(t *testing.T) {
	r := New(nil)

	assert.ErrorIs(t, r.Submit(1, "localhost", "80"), errNotStarted)
	_, err := r.Fetch()
	assert.ErrorIs(t, err, errNotStarted)
	assert.ErrorIs(t, r.Stop(), errNotStarted)
	assert.ErrorIs(t, r.Wait(), errNotStarted)
}

func TestResolverSubmitValidation(t *testing.T) {
	r := startedResolver(t, nil)

	assert.Error(t, r.Submit(1, strings.Repeat("a", MaxHostLen+1), "80"))
	assert.Error(t, r.Submit(2, "localhost", "toolong"))

	// The rejected submissions wrote nothing; the handle still works.
	require.NoError(t, r.Submit(3, "localhost", "80"))
	waitReadable(t, r.Ready(), 30*time.Second)
	resp, err := r.Fetch()
	require.NoError(t, err)
	assert.Equal(t, Tag(3), resp.Tag)
}

func TestResolverGracefulStop(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Start())

	require.NoError(t, r.Submit(1, "localhost", "80"))
	waitReadable(t, r.Ready(), 30*time.Second)
	_, err := r.Fetch()
	require.NoError(t, err)

	require.NoError(t, r.Stop())
	assert.NoError(t, r.Wait())

	assert.ErrorIs(t, r.Submit(2, "localhost", "80"), errNotStarted)
	_, err = r.Fetch()
	assert.ErrorIs(t, err, errNotStarted)
}

func TestResolverIndependentInstances(t *testing.T) {
	a := startedResolver(t, nil)
	b := startedResolver(t, nil)

	require.NoError(t, a.Submit(1, "localhost", "80"))
	require.NoError(t, b.Submit(2, "localhost", "443"))

	waitReadable(t, a.Ready(), 30*time.Second)
	respA, err := a.Fetch()
	require.NoError(t, err)
	assert.Equal(t, Tag(1), respA.Tag)

	waitReadable(t, b.Ready(), 30*time.Second)
	respB, err := b.Fetch()
	require.NoError(t, err)
	assert.Equal(t, Tag(2), respB.Tag)

	// Stopping one worker leaves the other usable.
	require.NoError(t, a.Stop())
	require.NoError(t, a.Wait())

	require.NoError(t, b.Submit(3, "localhost", "80"))
	waitReadable(t, b.Ready(), 30*time.Second)
	respB, err = b.Fetch()
	require.NoError(t, err)
	assert.Equal(t, Tag(3), respB.Tag)
}

func TestWorkerOrphanSelfTerminates(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), spawnOrphanEnvVar+"=1")
	out, err := cmd.Output()
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	require.NoError(t, err)

	// Two self-check intervals (200ms in the spawner) plus slack.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if unix.Kill(pid, 0) == unix.ESRCH {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("worker %d is still alive after its parent exited", pid)
}
