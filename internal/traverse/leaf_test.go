package traverse

import (
	"context"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expandChain opens every ancestor of footballPath and returns the leaf spec.
func expandChain(t *testing.T, ctrl *Controller) *PanelSpec {
	t.Helper()
	chain := ctrl.chain(footballPath)
	for _, spec := range chain {
		_, err := ctrl.panels.expand(context.Background(), spec, 1)
		require.NoError(t, err, spec.Label)
	}
	return chain[len(chain)-1]
}

func TestEnumerateStopsWhenButtonListShrinks(t *testing.T) {
	leafBody := `
<button id="b-r1" aria-controls="t-r1">Round 1</button>
<button id="b-r2" aria-controls="t-r2">Round 2</button>
<button id="b-r3" aria-controls="t-r3">Round 3</button>
<div id="t-r1" hidden><table class="standing"><tr><td>A</td></tr></table></div>
<div id="t-r2" hidden><table class="standing"><tr><td>B</td></tr></table></div>
<div id="t-r3" hidden><table class="standing"><tr><td>C</td></tr></table></div>`
	hook := func(doc *goquery.Document, target *goquery.Selection) error {
		if target.Text() == "Round 1" {
			doc.Find("#b-r3").Remove()
		}
		return nil
	}
	d := newCounting(newOffline(t, footballPage(leafBody, nil), hook))
	ctrl := newTestController(d, Deps{})
	leaf := expandChain(t, ctrl)

	phases, err := ctrl.enumerate(context.Background(), leaf)
	require.NoError(t, err, "a shrinking list is a soft stop")

	want := []PhaseResult{{Label: "Round 1", Rows: [][]string{{"A"}}}}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Fatalf("phases mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, d.activations("Round 2"))
}

func TestEnumerateIgnoresGrowth(t *testing.T) {
	leafBody := `
<button id="b-r1" aria-controls="t-r1">Round 1</button>
<div id="t-r1" hidden><table class="standing"><tr><td>A</td></tr></table></div>`
	hook := func(doc *goquery.Document, target *goquery.Selection) error {
		if target.Text() == "Round 1" {
			doc.Find("#b-r1").AfterHtml(`<button id="b-late">Late Round</button>`)
		}
		return nil
	}
	d := newCounting(newOffline(t, footballPage(leafBody, nil), hook))
	ctrl := newTestController(d, Deps{})
	leaf := expandChain(t, ctrl)

	phases, err := ctrl.enumerate(context.Background(), leaf)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, "Round 1", phases[0].Label)
	assert.Zero(t, d.activations("Late Round"))
}

func TestEnumerateRetriesStaleButtonOnce(t *testing.T) {
	d := newCounting(newOffline(t, footballPage(footballLeaf, nil), nil))
	ctrl := newTestController(d, Deps{})
	leaf := expandChain(t, ctrl)

	d.mu.Lock()
	d.staleReads["Round 1"] = true
	d.mu.Unlock()

	phases, err := ctrl.enumerate(context.Background(), leaf)
	require.NoError(t, err)
	if diff := cmp.Diff(footballPhases, phases); diff != "" {
		t.Fatalf("phases mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, d.activations("Round 1"))
}

func TestEnumerateEmptyTableIsNotAnError(t *testing.T) {
	leafBody := `
<button id="b-r1" aria-controls="t-r1">Round 1</button>
<div id="t-r1" hidden><p>No results yet</p></div>`
	d := newCounting(newOffline(t, footballPage(leafBody, nil), nil))
	ctrl := newTestController(d, Deps{})
	leaf := expandChain(t, ctrl)

	phases, err := ctrl.enumerate(context.Background(), leaf)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, "Round 1", phases[0].Label)
	assert.NotNil(t, phases[0].Rows)
	assert.Empty(t, phases[0].Rows)
}

func TestEnumerateLeafWithoutPhaseButtons(t *testing.T) {
	leafBody := `<table class="standing"><tr><th>Team</th></tr><tr><td>Lions</td><td>3</td></tr></table>`
	d := newCounting(newOffline(t, footballPage(leafBody, nil), nil))
	ctrl := newTestController(d, Deps{})
	leaf := expandChain(t, ctrl)

	phases, err := ctrl.enumerate(context.Background(), leaf)
	require.NoError(t, err)
	want := []PhaseResult{{Label: "", Rows: [][]string{{"Lions", "3"}}}}
	assert.Equal(t, want, phases)
}

func TestEnumerateOnlyReservedButtonsAndNoTable(t *testing.T) {
	leafBody := `<button>Fixtures</button><button>Results</button><button>   </button>`
	d := newCounting(newOffline(t, footballPage(leafBody, nil), nil))
	ctrl := newTestController(d, Deps{})
	leaf := expandChain(t, ctrl)

	phases, err := ctrl.enumerate(context.Background(), leaf)
	require.NoError(t, err)
	assert.Empty(t, phases)
	assert.Zero(t, d.activations("Fixtures"))
	assert.Zero(t, d.activations("Results"))
}

func TestEnumerateReservedButtonsSkipDirectExtraction(t *testing.T) {
	leafBody := `<button>Fixtures</button><button>Standings</button>
<table class="standing"><tr><td>Lions</td><td>3</td></tr></table>`
	d := newCounting(newOffline(t, footballPage(leafBody, nil), nil))
	ctrl := newTestController(d, Deps{})
	leaf := expandChain(t, ctrl)

	phases, err := ctrl.enumerate(context.Background(), leaf)
	require.NoError(t, err)
	assert.Empty(t, phases, "the default view is not a phase")
}

func TestEnumerateStaleClickIsNotRetriedProgrammatically(t *testing.T) {
	d := newCounting(newOffline(t, footballPage(footballLeaf, nil), nil))
	ctrl := newTestController(d, Deps{})
	leaf := expandChain(t, ctrl)

	d.mu.Lock()
	d.staleClicks["Round 1"] = true
	d.mu.Unlock()

	phases, err := ctrl.enumerate(context.Background(), leaf)
	require.NoError(t, err)
	if diff := cmp.Diff(footballPhases, phases); diff != "" {
		t.Fatalf("phases mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, d.programmaticCount("Round 1"))
	d.mu.Lock()
	assert.Empty(t, d.programmaticIDs)
	d.mu.Unlock()
	assert.Equal(t, 2, d.activations("Round 1"), "re-queried button is clicked once more")
}
