package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleRunsInDeadlineOrder(t *testing.T) {
	s := New()
	defer s.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	record := func(n int) Task {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			wg.Done()
		}
	}

	s.Schedule(30*time.Millisecond, record(3))
	s.Schedule(10*time.Millisecond, record(1))
	s.Schedule(20*time.Millisecond, record(2))

	wg.Wait()
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestScheduleFIFOOnEqualDeadline(t *testing.T) {
	s := New()
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	deadline := 15 * time.Millisecond
	for i := 0; i < 3; i++ {
		i := i
		s.Schedule(deadline, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestStopPreventsFurtherScheduling(t *testing.T) {
	s := New()
	s.Stop()

	ran := false
	s.Schedule(time.Millisecond, func() { ran = true })
	time.Sleep(20 * time.Millisecond)
	require.False(t, ran)
}
