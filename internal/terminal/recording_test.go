package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderRecordsOutputAndInput(t *testing.T) {
	rec := NewRecorder(24, 80)
	rec.RecordOutput([]byte("hello"))
	rec.RecordInput([]byte("ls\n"))

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventOutput, events[0].Kind)
	assert.Equal(t, []byte("hello"), events[0].Payload)
	assert.Equal(t, EventInput, events[1].Kind)
	assert.Equal(t, []byte("ls\n"), events[1].Payload)
}

func TestRecordingWireShape(t *testing.T) {
	rec := NewRecorder(10, 20)
	rec.RecordOutput([]byte("hi"))
	data, err := rec.JSON(time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"rows":10`)
	assert.Contains(t, string(data), `"cols":20`)
	assert.Contains(t, string(data), `"type":"output"`)
}

func TestPlayerSeekReplaysOutput(t *testing.T) {
	rec := NewRecorder(5, 10)
	rec.RecordOutput([]byte("ab"))
	time.Sleep(time.Millisecond)
	rec.RecordOutput([]byte("cd"))
	data, err := rec.JSON(0)
	require.NoError(t, err)

	player, err := NewPlayer(data)
	require.NoError(t, err)

	player.Seek(player.Duration())
	html := player.HTML()
	assert.Contains(t, html, "a")
	assert.Contains(t, html, "c")
}

func TestPlayerPlayReachesEnd(t *testing.T) {
	rec := NewRecorder(5, 10)
	rec.RecordOutput([]byte("x"))
	data, err := rec.JSON(0)
	require.NoError(t, err)

	player, err := NewPlayer(data)
	require.NoError(t, err)
	player.SetSpeed(100) // fast-forward so the test doesn't wait real-time

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ticked := make(chan struct{}, 1)
	player.Play(ctx, func(position time.Duration, html string) {
		select {
		case ticked <- struct{}{}:
		default:
		}
	})

	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not tick")
	}
	assert.Eventually(t, func() bool { return player.Position() == player.Duration() }, time.Second, time.Millisecond)
}

func TestPlayerStopIsIdempotent(t *testing.T) {
	rec := NewRecorder(5, 10)
	rec.RecordOutput([]byte("x"))
	data, err := rec.JSON(0)
	require.NoError(t, err)

	player, err := NewPlayer(data)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		player.Stop()
		player.Stop()
	})
}
