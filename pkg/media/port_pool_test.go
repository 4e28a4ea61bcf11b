package media

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbc-server/pkg/errors"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestAllocateSequenceWithMockedAvailability(t *testing.T) {
	restore := setPortAvailabilityChecker(func(int) bool { return true })
	defer restore()

	pool := NewPortPool(30000, 30006, quietLogger())

	first, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, 30000, first)

	second, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, 30002, second)

	pool.Release(first)
	reused, err := pool.Allocate()
	require.NoError(t, err)
	require.Equal(t, first, reused)

	stats := pool.Stats()
	require.Equal(t, 4, stats.TotalPorts)
	require.Equal(t, 2, stats.UsedPorts)
	require.Equal(t, 2, stats.AvailablePorts)
}

func TestPoolExhaustion(t *testing.T) {
	restore := setPortAvailabilityChecker(func(int) bool { return true })
	defer restore()

	pool := NewPortPool(30000, 30002, quietLogger())
	_, err := pool.Allocate()
	require.NoError(t, err)
	_, err = pool.Allocate()
	require.NoError(t, err)

	_, err = pool.Allocate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPoolExhausted)
	assert.Equal(t, int64(1), pool.Stats().Exhaustions)
}

func TestPoolSkipsUnbindablePorts(t *testing.T) {
	restore := setPortAvailabilityChecker(func(port int) bool { return port != 30000 })
	defer restore()

	pool := NewPortPool(30000, 30006, quietLogger())
	port, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 30002, port)
	assert.False(t, pool.InUse(30000))
}

func TestPoolNeverHandsOutLivePort(t *testing.T) {
	restore := setPortAvailabilityChecker(func(int) bool { return true })
	defer restore()

	pool := NewPortPool(30000, 30198, quietLogger())

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := pool.Allocate()
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[port], "port %d handed out twice", port)
			assert.Zero(t, port%2)
			seen[port] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 100)
}

func TestPoolInvalidRangeFallsBack(t *testing.T) {
	pool := NewPortPool(5000, 4000, quietLogger())
	min, max := pool.Range()
	assert.Equal(t, 35000, min)
	assert.Equal(t, 65000, max)

	odd := NewPortPool(40001, 40009, quietLogger())
	min, _ = odd.Range()
	assert.Equal(t, 40002, min)
}
