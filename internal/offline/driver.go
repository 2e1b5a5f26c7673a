// Package offline replays a saved HTML capture of the draws page through
// goquery. Activation emulates the ARIA wiring Angular Material renders:
// headers toggle aria-expanded and the hidden attribute of the region named by
// aria-controls, and tab-like buttons reveal their own region while hiding the
// regions of their siblings.
package offline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"drawsnerd/internal/driver"
)

// ActivateHook runs after the built-in toggle for every activation. It may
// mutate doc freely; a returned error is surfaced from Activate.
type ActivateHook func(doc *goquery.Document, target *goquery.Selection) error

type Options struct {
	// SnapshotDir receives one HTML file per Snapshot call. Empty keeps
	// snapshots in memory only.
	SnapshotDir  string
	PollInterval time.Duration
	OnActivate   ActivateHook
	Logger       *zap.Logger
}

// Driver is a driver.Driver backed by an in-memory DOM.
type Driver struct {
	mu        sync.Mutex
	doc       *goquery.Document
	opts      Options
	logger    *zap.Logger
	ids       map[*html.Node]string
	nodes     map[string]*html.Node
	snapshots []string
}

var _ driver.Driver = (*Driver)(nil)

type handle struct {
	id   string
	node *html.Node
}

func (h handle) ID() string { return h.id }

// New parses r as the page under test.
func New(r io.Reader, opts Options) (*Driver, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse capture: %w", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		doc:    doc,
		opts:   opts,
		logger: logger.Named("offline"),
		ids:    make(map[*html.Node]string),
		nodes:  make(map[string]*html.Node),
	}, nil
}

// NewFromString is a convenience for inline fixtures.
func NewFromString(markup string, opts Options) (*Driver, error) {
	return New(strings.NewReader(markup), opts)
}

// Load opens a capture saved on disk.
func Load(path string, opts Options) (*Driver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return New(f, opts)
}

// Mutate runs fn against the document under the driver lock. Tests use it to
// simulate asynchronous re-renders between steps.
func (d *Driver) Mutate(fn func(doc *goquery.Document)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.doc)
}

// HTML renders the current document.
func (d *Driver) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Html()
}

// Snapshots lists the references returned by Snapshot so far.
func (d *Driver) Snapshots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.snapshots))
	copy(out, d.snapshots)
	return out
}

func (d *Driver) FindAll(ctx context.Context, sel driver.Selector, scope driver.Handle) ([]driver.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	root := d.doc.Selection
	if scope != nil {
		n, err := d.resolve(scope)
		if err != nil {
			return nil, err
		}
		root = d.doc.FindNodes(n)
	}

	var found []driver.Handle
	root.Find(sel.CSS).Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		if sel.Visible && !visible(n) {
			return
		}
		if sel.Contains != "" && !strings.Contains(normalizedText(s), sel.Contains) {
			return
		}
		found = append(found, d.handleFor(n))
	})
	return found, nil
}

func (d *Driver) WaitUntil(ctx context.Context, timeout time.Duration, probe driver.Probe) ([]driver.Handle, error) {
	return driver.PollUntil(ctx, timeout, driver.FixedSleeper(d.opts.PollInterval), probe)
}

func (d *Driver) Activate(ctx context.Context, h driver.Handle) error {
	return d.activate(ctx, h, true)
}

func (d *Driver) ActivateProgrammatic(ctx context.Context, h driver.Handle) error {
	return d.activate(ctx, h, false)
}

func (d *Driver) activate(ctx context.Context, h driver.Handle, pointer bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.resolve(h)
	if err != nil {
		return err
	}
	if pointer {
		if occluded(n) {
			return fmt.Errorf("%w: %s is covered by another element", driver.ErrInteractionBlocked, h.ID())
		}
		if !visible(n) {
			return fmt.Errorf("%w: %s has no visible shape", driver.ErrInteractionBlocked, h.ID())
		}
	}

	target := d.doc.FindNodes(n)
	d.toggle(target)
	d.logger.Debug("activated", zap.String("id", h.ID()), zap.Bool("pointer", pointer))

	if d.opts.OnActivate != nil {
		return d.opts.OnActivate(d.doc, target)
	}
	return nil
}

// toggle applies accordion or tab semantics depending on the attributes present.
func (d *Driver) toggle(target *goquery.Selection) {
	controls, hasControls := target.Attr("aria-controls")

	if expanded, ok := target.Attr("aria-expanded"); ok {
		open := expanded != "true"
		target.SetAttr("aria-expanded", fmt.Sprintf("%t", open))
		if hasControls {
			region := d.doc.Find(idSelector(controls))
			if open {
				region.RemoveAttr("hidden")
			} else {
				region.SetAttr("hidden", "")
			}
		}
		return
	}

	if !hasControls {
		return
	}
	target.Siblings().Each(func(_ int, sib *goquery.Selection) {
		if other, ok := sib.Attr("aria-controls"); ok && other != controls {
			d.doc.Find(idSelector(other)).SetAttr("hidden", "")
			sib.SetAttr("aria-selected", "false")
		}
	})
	d.doc.Find(idSelector(controls)).RemoveAttr("hidden")
	target.SetAttr("aria-selected", "true")
}

func (d *Driver) ReadText(ctx context.Context, h driver.Handle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.resolve(h)
	if err != nil {
		return "", err
	}
	return normalizedText(d.doc.FindNodes(n)), nil
}

func (d *Driver) ReadAttribute(ctx context.Context, h driver.Handle, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.resolve(h)
	if err != nil {
		return "", false, err
	}
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true, nil
		}
	}
	return "", false, nil
}

// ScrollIntoView has no layout to scroll; it only checks the handle is live.
func (d *Driver) ScrollIntoView(ctx context.Context, h driver.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.resolve(h)
	return err
}

func (d *Driver) Snapshot(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ref := "offline:" + label
	if d.opts.SnapshotDir != "" {
		markup, err := d.doc.Html()
		if err != nil {
			return "", fmt.Errorf("render snapshot: %w", err)
		}
		if err := os.MkdirAll(d.opts.SnapshotDir, 0o755); err != nil {
			return "", err
		}
		ref = filepath.Join(d.opts.SnapshotDir, label+".html")
		if err := os.WriteFile(ref, []byte(markup), 0o644); err != nil {
			return "", err
		}
	}
	d.snapshots = append(d.snapshots, ref)
	return ref, nil
}

func (d *Driver) handleFor(n *html.Node) driver.Handle {
	id, ok := d.ids[n]
	if !ok {
		id = fmt.Sprintf("node-%d", len(d.ids)+1)
		d.ids[n] = id
		d.nodes[id] = n
	}
	return handle{id: id, node: n}
}

// resolve maps a handle back to its node and rejects nodes that a mutation
// detached from the document.
func (d *Driver) resolve(h driver.Handle) (*html.Node, error) {
	var n *html.Node
	if oh, ok := h.(handle); ok {
		n = oh.node
	} else {
		n = d.nodes[h.ID()]
	}
	if n == nil {
		return nil, fmt.Errorf("%w: unknown handle %s", driver.ErrStaleReference, h.ID())
	}
	root := n
	for root.Parent != nil {
		root = root.Parent
	}
	if len(d.doc.Nodes) == 0 || root != d.doc.Nodes[0] {
		return nil, fmt.Errorf("%w: %s is detached", driver.ErrStaleReference, h.ID())
	}
	return n, nil
}

func visible(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		for _, a := range p.Attr {
			if a.Key == "hidden" {
				return false
			}
			if a.Key == "style" && strings.Contains(strings.ReplaceAll(a.Val, " ", ""), "display:none") {
				return false
			}
		}
	}
	return true
}

func occluded(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		for _, a := range p.Attr {
			if a.Key == "data-occluded" {
				return true
			}
		}
	}
	return false
}

func normalizedText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func idSelector(id string) string {
	return fmt.Sprintf("[id=%q]", id)
}
