package lock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLock_CreatesAndRemovesLockFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	fl := NewFileLock(dir)

	unlock, err := fl.Lock("abc")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "abc.lock"))
	require.NoError(t, err)
	require.Equal(t, 1, fl.Held("abc"))

	unlock()
	unlock()

	_, err = os.Stat(filepath.Join(dir, "abc.lock"))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, 0, fl.Held("abc"))
}

func TestLock_RejectsPathNames(t *testing.T) {
	fl := NewFileLock(t.TempDir())

	_, err := fl.Lock("a/b")
	require.Error(t, err)

	_, err = fl.Lock("")
	require.Error(t, err)
}

func TestLock_SerializesSameName(t *testing.T) {
	fl := NewFileLock(t.TempDir())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := fl.Lock("shared")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	require.Equal(t, 0, fl.Held("shared"))
}

func TestLock_ExcludesAcrossInstancesWhileLockFileIsRecycled(t *testing.T) {
	dir := t.TempDir()
	a, b, c := NewFileLock(dir), NewFileLock(dir), NewFileLock(dir)

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
	)
	hold := func() {
		mu.Lock()
		holders++
		if holders > maxSeen {
			maxSeen = holders
		}
		mu.Unlock()

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		holders--
		mu.Unlock()
	}

	unlockA, err := a.Lock("x")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		unlock, err := b.Lock("x")
		if err != nil {
			t.Error(err)
			return
		}
		hold()
		unlock()
	}()

	// Let b open the lock file and block in flock before a unlinks it.
	time.Sleep(100 * time.Millisecond)
	unlockA()

	go func() {
		defer wg.Done()
		unlock, err := c.Lock("x")
		if err != nil {
			t.Error(err)
			return
		}
		hold()
		unlock()
	}()
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	_, err = os.Stat(filepath.Join(dir, "x.lock"))
	require.True(t, os.IsNotExist(err))
}
