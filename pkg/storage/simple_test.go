package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/platform"
)

func newTestPlatform(t *testing.T) *platform.Simulated {
	t.Helper()
	plat := platform.NewSimulated()
	plat.AddHost(platform.Host{Name: "store0", Cores: 1, MemBytes: 1 << 30})
	plat.AddDisk(platform.Disk{Host: "store0", MountPoint: "/disk", SizeBytes: 1000, ReadBps: 100, WriteBps: 100})
	return plat
}

func TestSimpleWriteReadDelete(t *testing.T) {
	plat := newTestPlatform(t)
	s, err := NewSimple("ss0", plat, "store0", "/disk", SimpleOptions{})
	require.NoError(t, err)

	dur, err := s.ReserveWrite("/f1", 500)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, dur)
	assert.Equal(t, int64(500), s.FreeSpace())

	require.NoError(t, s.CommitWrite("/f1", 500))
	assert.True(t, s.Exists("/f1"))
	size, ok := s.FileSize("/f1")
	require.True(t, ok)
	assert.Equal(t, int64(500), size)

	rd, err := s.Read("/f1", 500)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, rd)

	require.NoError(t, s.Delete("/f1"))
	assert.False(t, s.Exists("/f1"))
	assert.Equal(t, int64(1000), s.FreeSpace())
}

func TestSimpleOverflowFailsBeforeAnyTimePasses(t *testing.T) {
	plat := newTestPlatform(t)
	s, err := NewSimple("ss0", plat, "store0", "/disk", SimpleOptions{})
	require.NoError(t, err)

	_, err = s.ReserveWrite("/big", 1001)
	require.Error(t, err)
	assert.IsType(t, &failure.StorageServiceNotEnoughSpace{}, err)
	assert.Equal(t, int64(1000), s.FreeSpace())
}

func TestSimpleAbortReleasesReservation(t *testing.T) {
	plat := newTestPlatform(t)
	s, err := NewSimple("ss0", plat, "store0", "/disk", SimpleOptions{})
	require.NoError(t, err)

	_, err = s.ReserveWrite("/f1", 800)
	require.NoError(t, err)
	assert.Equal(t, int64(200), s.FreeSpace())

	s.AbortWrite("/f1", 800)
	assert.Equal(t, int64(1000), s.FreeSpace())
	assert.False(t, s.Exists("/f1"))
}

func TestSimpleConcurrentReservationsCannotOverflow(t *testing.T) {
	plat := newTestPlatform(t)
	s, err := NewSimple("ss0", plat, "store0", "/disk", SimpleOptions{})
	require.NoError(t, err)

	_, err = s.ReserveWrite("/a", 600)
	require.NoError(t, err)
	_, err = s.ReserveWrite("/b", 600)
	require.Error(t, err)
	assert.IsType(t, &failure.StorageServiceNotEnoughSpace{}, err)
}

func TestSimpleReadUnknownFile(t *testing.T) {
	plat := newTestPlatform(t)
	s, err := NewSimple("ss0", plat, "store0", "/disk", SimpleOptions{})
	require.NoError(t, err)

	_, err = s.Read("/nope", 1)
	assert.IsType(t, &failure.FileNotFound{}, err)
	assert.IsType(t, &failure.FileNotFound{}, s.Delete("/nope"))
	_, err = s.LastWriteDate("/nope")
	assert.IsType(t, &failure.FileNotFound{}, err)
}

func TestParseLocation(t *testing.T) {
	svc, path, err := ParseLocation("ss0:/data/f1")
	require.NoError(t, err)
	assert.Equal(t, "ss0", svc)
	assert.Equal(t, "/data/f1", path)

	_, _, err = ParseLocation("no-colon")
	assert.Error(t, err)
	_, _, err = ParseLocation(":/path")
	assert.Error(t, err)
}

func TestRouterCopy(t *testing.T) {
	plat := newTestPlatform(t)
	plat.AddHost(platform.Host{Name: "store1", Cores: 1, MemBytes: 1 << 30})
	plat.AddDisk(platform.Disk{Host: "store1", MountPoint: "/disk", SizeBytes: 400, ReadBps: 100, WriteBps: 100})

	src, err := NewSimple("src", plat, "store0", "/disk", SimpleOptions{})
	require.NoError(t, err)
	dst, err := NewSimple("dst", plat, "store1", "/disk", SimpleOptions{})
	require.NoError(t, err)

	reg := NewRegistry()
	reg.Register(src)
	reg.Register(dst)
	rt := NewRouter(reg)

	_, err = rt.ReserveWrite("src:/f1", 300)
	require.NoError(t, err)
	require.NoError(t, rt.CommitWrite("src:/f1", 300))

	dur, err := rt.Copy("src:/f1", "dst:/f1")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, dur)
	assert.True(t, rt.Exists("dst:/f1"))

	// Copying a file larger than dst's capacity fails and leaves dst as is.
	_, err = rt.ReserveWrite("src:/f2", 500)
	require.NoError(t, err)
	require.NoError(t, rt.CommitWrite("src:/f2", 500))
	_, err = rt.Copy("src:/f2", "dst:/f2")
	assert.IsType(t, &failure.StorageServiceNotEnoughSpace{}, err)
	assert.False(t, rt.Exists("dst:/f2"))

	// Copying an absent file reports FileNotFound.
	_, err = rt.Copy("src:/missing", "dst:/missing")
	assert.IsType(t, &failure.FileNotFound{}, err)
}
