package diagnostics

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawsnerd/internal/driver"
	"drawsnerd/internal/offline"
	"drawsnerd/internal/recorder"
)

type failingSnapshots struct {
	driver.Driver
}

func (failingSnapshots) Snapshot(context.Context, string) (string, error) {
	return "", errors.New("screenshot failed")
}

func TestNamespace(t *testing.T) {
	tests := []struct {
		labels []string
		want   string
	}{
		{[]string{"Football", "Football Boys Season"}, "Football__Football_Boys_Season"},
		{[]string{" Premier League (Senior A) "}, "Premier_League_Senior_A"},
		{[]string{"", "  "}, "root"},
		{nil, "root"},
		{[]string{"a/b\\c"}, "a_b_c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Namespace(tt.labels...))
	}
}

func TestCaptureRecordsAttempt(t *testing.T) {
	d, err := offline.NewFromString("<p>x</p>", offline.Options{})
	require.NoError(t, err)

	rec, err := recorder.NewRecorder(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, rec.Start("run"))
	defer rec.Close()

	sink := NewSink(d, Options{Enabled: true, Recorder: rec})
	first := sink.Capture(context.Background(), 1, "Football", "Premier League")
	second := sink.Capture(context.Background(), 1, "Football", "Premier League")

	require.NotEmpty(t, first)
	assert.NotEqual(t, first, second, "same context and attempt must not collide")
	assert.True(t, strings.HasPrefix(first, "offline:Football__Premier_League__attempt1_"), first)

	records := sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "Football__Premier_League", records[0].Context)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, first, records[0].SnapshotRef)

	events, err := recorder.ReadEvents(rec.Path(), recorder.EventAttempt)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestCaptureNeverFails(t *testing.T) {
	d, err := offline.NewFromString("<p>x</p>", offline.Options{})
	require.NoError(t, err)

	sink := NewSink(failingSnapshots{d}, Options{Enabled: true})
	ref := sink.Capture(context.Background(), 2, "Rugby")
	assert.Empty(t, ref)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "screenshot failed", records[0].Error)
}

func TestCaptureUsesDetachedContext(t *testing.T) {
	d, err := offline.NewFromString("<p>x</p>", offline.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := NewSink(d, Options{Enabled: true})
	assert.NotEmpty(t, sink.Capture(ctx, 1, "Cricket"))
}

func TestDisabledAndNilSinks(t *testing.T) {
	d, err := offline.NewFromString("<p>x</p>", offline.Options{})
	require.NoError(t, err)

	disabled := NewSink(d, Options{})
	assert.Empty(t, disabled.Capture(context.Background(), 1, "x"))
	assert.Empty(t, disabled.Records())
	assert.Empty(t, d.Snapshots())

	var nilSink *Sink
	assert.Empty(t, nilSink.Capture(context.Background(), 1, "x"))
	assert.Nil(t, nilSink.Records())
	nilSink.Reset()
}
