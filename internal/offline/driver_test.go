package offline

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawsnerd/internal/driver"
)

const accordion = `<html><body>
<mat-expansion-panel-header aria-expanded="false" aria-controls="p-football">Football</mat-expansion-panel-header>
<div id="p-football" hidden>
  <mat-expansion-panel-header aria-expanded="false" aria-controls="p-boys">Football Boys Season</mat-expansion-panel-header>
  <div id="p-boys" hidden><span>inner</span></div>
</div>
<div class="tabs">
  <button aria-controls="t1">Round 1</button>
  <button aria-controls="t2">Round 2</button>
</div>
<div id="t1"><table class="standing"><tr><td>A</td></tr></table></div>
<div id="t2" hidden><table class="standing"><tr><td>B</td></tr></table></div>
<div data-occluded><button id="covered">Covered</button></div>
</body></html>`

func newDriver(t *testing.T, opts Options) *Driver {
	t.Helper()
	d, err := NewFromString(accordion, opts)
	require.NoError(t, err)
	return d
}

func TestFindAllFiltersVisibilityAndText(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, Options{})

	all, err := d.FindAll(ctx, driver.Selector{CSS: "mat-expansion-panel-header"}, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	shown, err := d.FindAll(ctx, driver.Selector{CSS: "mat-expansion-panel-header", Visible: true}, nil)
	require.NoError(t, err)
	require.Len(t, shown, 1)
	text, err := d.ReadText(ctx, shown[0])
	require.NoError(t, err)
	assert.Equal(t, "Football", text)

	// Containment is case-sensitive.
	none, err := d.FindAll(ctx, driver.Selector{CSS: "mat-expansion-panel-header", Contains: "football"}, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	boys, err := d.FindAll(ctx, driver.Selector{CSS: "mat-expansion-panel-header", Contains: "Boys"}, nil)
	require.NoError(t, err)
	assert.Len(t, boys, 1)
}

func TestFindAllScoped(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, Options{})

	regions, err := d.FindAll(ctx, driver.Selector{CSS: "#p-football"}, nil)
	require.NoError(t, err)
	require.Len(t, regions, 1)

	inside, err := d.FindAll(ctx, driver.Selector{CSS: "mat-expansion-panel-header"}, regions[0])
	require.NoError(t, err)
	require.Len(t, inside, 1)
	text, err := d.ReadText(ctx, inside[0])
	require.NoError(t, err)
	assert.Equal(t, "Football Boys Season", text)
}

func TestActivateTogglesAccordion(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, Options{})

	headers, err := d.FindAll(ctx, driver.Selector{CSS: "mat-expansion-panel-header", Contains: "Football", Visible: true}, nil)
	require.NoError(t, err)
	require.Len(t, headers, 1)

	require.NoError(t, d.Activate(ctx, headers[0]))
	val, ok, err := d.ReadAttribute(ctx, headers[0], "aria-expanded")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", val)

	shown, err := d.FindAll(ctx, driver.Selector{CSS: "mat-expansion-panel-header", Visible: true}, nil)
	require.NoError(t, err)
	assert.Len(t, shown, 2)

	// A second activation collapses.
	require.NoError(t, d.Activate(ctx, headers[0]))
	val, _, err = d.ReadAttribute(ctx, headers[0], "aria-expanded")
	require.NoError(t, err)
	assert.Equal(t, "false", val)
}

func TestActivateSwitchesTabs(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, Options{})

	buttons, err := d.FindAll(ctx, driver.Selector{CSS: ".tabs button", Contains: "Round 2"}, nil)
	require.NoError(t, err)
	require.Len(t, buttons, 1)
	require.NoError(t, d.Activate(ctx, buttons[0]))

	tables, err := d.FindAll(ctx, driver.Selector{CSS: ".standing", Visible: true}, nil)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	text, err := d.ReadText(ctx, tables[0])
	require.NoError(t, err)
	assert.Equal(t, "B", text)
}

func TestActivateBlockedByOcclusion(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, Options{})

	covered, err := d.FindAll(ctx, driver.Selector{CSS: "#covered"}, nil)
	require.NoError(t, err)
	require.Len(t, covered, 1)

	err = d.Activate(ctx, covered[0])
	assert.True(t, errors.Is(err, driver.ErrInteractionBlocked), "got %v", err)
	assert.NoError(t, d.ActivateProgrammatic(ctx, covered[0]))
}

func TestActivateHiddenElementIsBlocked(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, Options{})

	hidden, err := d.FindAll(ctx, driver.Selector{CSS: "mat-expansion-panel-header", Contains: "Boys"}, nil)
	require.NoError(t, err)
	require.Len(t, hidden, 1)
	assert.ErrorIs(t, d.Activate(ctx, hidden[0]), driver.ErrInteractionBlocked)
}

func TestDetachedHandleIsStale(t *testing.T) {
	ctx := context.Background()
	d := newDriver(t, Options{})

	buttons, err := d.FindAll(ctx, driver.Selector{CSS: ".tabs button"}, nil)
	require.NoError(t, err)
	require.Len(t, buttons, 2)

	d.Mutate(func(doc *goquery.Document) {
		doc.Find(".tabs").Remove()
	})

	_, err = d.ReadText(ctx, buttons[0])
	assert.ErrorIs(t, err, driver.ErrStaleReference)
	assert.ErrorIs(t, d.Activate(ctx, buttons[1]), driver.ErrStaleReference)
	_, err = d.FindAll(ctx, driver.Selector{CSS: "td"}, buttons[0])
	assert.ErrorIs(t, err, driver.ErrStaleReference)
}

func TestOnActivateHook(t *testing.T) {
	ctx := context.Background()
	hookErr := errors.New("boom")
	var seen string
	d := newDriver(t, Options{
		OnActivate: func(doc *goquery.Document, target *goquery.Selection) error {
			seen = target.Text()
			return hookErr
		},
	})

	buttons, err := d.FindAll(ctx, driver.Selector{CSS: ".tabs button", Contains: "Round 1"}, nil)
	require.NoError(t, err)
	require.Len(t, buttons, 1)
	assert.ErrorIs(t, d.Activate(ctx, buttons[0]), hookErr)
	assert.Equal(t, "Round 1", seen)
}

func TestWaitUntilTimesOut(t *testing.T) {
	d := newDriver(t, Options{PollInterval: time.Millisecond})

	_, err := d.WaitUntil(context.Background(), 20*time.Millisecond,
		driver.AnyMatch(d, driver.Selector{CSS: ".missing"}, nil))
	assert.ErrorIs(t, err, driver.ErrTimeout)
}

func TestSnapshotWritesFile(t *testing.T) {
	dir := t.TempDir()
	d := newDriver(t, Options{SnapshotDir: dir})

	ref, err := d.Snapshot(context.Background(), "football__attempt1")
	require.NoError(t, err)
	raw, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Football Boys Season")
	assert.Equal(t, []string{ref}, d.Snapshots())

	mem := newDriver(t, Options{})
	ref, err = mem.Snapshot(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "offline:x", ref)
}
