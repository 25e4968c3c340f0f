package infra

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/puretik/modmail-relay/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_MutualExclusion(t *testing.T) {
	lt := NewLockTable()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lt.WithLock(context.Background(), "U1", func() error {
				// Unprotected read-modify-write; the race detector flags
				// this if the lock fails to serialize.
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestLockTable_DistinctUsersDoNotBlock(t *testing.T) {
	lt := NewLockTable()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = lt.WithLock(context.Background(), "U1", func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	// U2 proceeds while U1's lock is held.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := lt.WithLock(ctx, "U2", func() error { return nil })
	assert.NoError(t, err)

	close(release)
}

func TestLockTable_Timeout(t *testing.T) {
	lt := NewLockTable()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = lt.WithLock(context.Background(), "U1", func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := lt.WithLock(ctx, "U1", func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, model.ErrLockTimeout)
	assert.False(t, ran)

	close(release)
}

func TestLockTable_EntriesAreReclaimed(t *testing.T) {
	lt := NewLockTable()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		id := string(rune('A' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lt.WithLock(context.Background(), id, func() error { return nil })
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, lt.Len())
}

func TestLockTable_ReleasedOnError(t *testing.T) {
	lt := NewLockTable()

	wantErr := assert.AnError
	err := lt.WithLock(context.Background(), "U1", func() error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	// The lock must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, lt.WithLock(ctx, "U1", func() error { return nil }))
	assert.Equal(t, 0, lt.Len())
}
