package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(61 * time.Second)
	assert.Equal(t, start.Add(61*time.Second), f.Now())
}

func TestFakeAfterFiresOnlyWhenDue(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch := f.After(10 * time.Second)
	require.Equal(t, 1, f.Waiters())

	f.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, time.Unix(10, 0), got)
	default:
		t.Fatal("waiter did not fire")
	}
	assert.Equal(t, 0, f.Waiters())
}

func TestFakeAfterNonPositive(t *testing.T) {
	f := NewFake(time.Unix(5, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}
