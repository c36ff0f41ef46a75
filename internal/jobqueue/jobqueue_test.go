package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProgressPercent(t *testing.T) {
	cases := []struct {
		name string
		p    Progress
		want int
	}{
		{"zero of total", Progress{Done: 0, Total: 3}, 0},
		{"one third", Progress{Done: 1, Total: 3}, 33},
		{"two thirds", Progress{Done: 2, Total: 3}, 66},
		{"complete", Progress{Done: 3, Total: 3}, 100},
		{"no total reports complete", Progress{Done: 0, Total: 0}, 100},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.p.Percent(), c.name)
	}
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	q := New(context.Background())
	defer q.Stop()

	ran := make(chan struct{})
	h, started := q.Submit("Inbox", "test job", func(ctx context.Context, report ProgressFunc) error {
		close(ran)
		return nil
	})
	require.True(t, started)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	require.NoError(t, h.Wait())
	require.NotEmpty(t, h.ID())
}

func TestSubmitSerializesPerResource(t *testing.T) {
	q := New(context.Background())
	defer q.Stop()

	release := make(chan struct{})
	started1 := make(chan struct{})
	_, ok1 := q.Submit("Inbox", "first", func(ctx context.Context, report ProgressFunc) error {
		close(started1)
		<-release
		return nil
	})
	require.True(t, ok1)

	<-started1
	require.True(t, q.Busy("Inbox"))

	_, ok2 := q.Submit("Inbox", "second", func(ctx context.Context, report ProgressFunc) error {
		return nil
	})
	require.False(t, ok2, "second submit for same resource should not start")

	close(release)
}

func TestCancelResourceStopsJob(t *testing.T) {
	q := New(context.Background())
	defer q.Stop()

	h, _ := q.Submit("Inbox", "cancellable", func(ctx context.Context, report ProgressFunc) error {
		<-ctx.Done()
		return ctx.Err()
	})

	q.CancelResource("Inbox")
	err := h.Wait()
	require.ErrorIs(t, err, context.Canceled)
}
