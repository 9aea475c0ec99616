package alerts

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gaugeSpy struct {
	mu   sync.Mutex
	last int
}

func (g *gaugeSpy) SetAlertsPending(n int) {
	g.mu.Lock()
	g.last = n
	g.mu.Unlock()
}

func TestRaise_KindRequired(t *testing.T) {
	q := NewQueue(4, nil)
	_, err := q.Raise(Raise{Kind: "  ", Details: "flat tire"})
	assert.ErrorIs(t, err, ErrKindRequired)
	assert.Empty(t, q.List(false))
}

func TestRaise_Message(t *testing.T) {
	q := NewQueue(4, nil)

	a, err := q.Raise(Raise{CourierName: "Rui", Kind: "Flat tire", Details: " Av. Brasil "})
	require.NoError(t, err)
	assert.Equal(t, "Flat tire: Av. Brasil", a.Message)
	assert.NotEmpty(t, a.ID)
	assert.True(t, a.Pending())

	b, err := q.Raise(Raise{Kind: "Accident"})
	require.NoError(t, err)
	assert.Equal(t, "Accident", b.Message)
	assert.Equal(t, "Courier", b.CourierName)
}

func TestLatest_DoesNotAcknowledge(t *testing.T) {
	// GIVEN: Two pending alerts
	// WHEN: The admin polls twice
	// THEN: The newest is returned each time with count 2

	gauge := &gaugeSpy{}
	q := NewQueue(4, gauge)
	_, err := q.Raise(Raise{Kind: "first"})
	require.NoError(t, err)
	second, err := q.Raise(Raise{Kind: "second"})
	require.NoError(t, err)

	for range 2 {
		latest, n := q.Latest()
		require.NotNil(t, latest)
		assert.Equal(t, second.ID, latest.ID)
		assert.Equal(t, 2, n)
	}
	assert.Equal(t, 2, gauge.last)
}

func TestAck(t *testing.T) {
	gauge := &gaugeSpy{}
	q := NewQueue(4, gauge)
	first, _ := q.Raise(Raise{Kind: "first"})
	second, _ := q.Raise(Raise{Kind: "second"})

	n, err := q.Ack(second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, gauge.last)

	latest, n := q.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, first.ID, latest.ID)
	assert.Equal(t, 1, n)

	n, err = q.Ack(second.ID)
	require.NoError(t, err, "acknowledging twice is fine")
	assert.Equal(t, 1, n)

	_, err = q.Ack("nope")
	assert.ErrorIs(t, err, ErrAlertNotFound)

	_, err = q.Ack(first.ID)
	require.NoError(t, err)
	latest, n = q.Latest()
	assert.Nil(t, latest)
	assert.Zero(t, n)
	assert.Len(t, q.List(false), 2)
	assert.Empty(t, q.List(true))
}

func TestCapacity(t *testing.T) {
	q := NewQueue(2, nil)
	a, err := q.Raise(Raise{Kind: "a"})
	require.NoError(t, err)
	_, err = q.Raise(Raise{Kind: "b"})
	require.NoError(t, err)

	_, err = q.Raise(Raise{Kind: "c"})
	assert.ErrorIs(t, err, ErrQueueFull, "two pending, nothing to evict")

	_, err = q.Ack(a.ID)
	require.NoError(t, err)
	c, err := q.Raise(Raise{Kind: "c"})
	require.NoError(t, err)

	list := q.List(false)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Kind)
	assert.Equal(t, c.ID, list[1].ID)
}
