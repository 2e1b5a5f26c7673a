package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"drawsnerd/internal/config"
)

// ErrNotConnected is returned by page operations before Start succeeded.
var ErrNotConnected = errors.New("browser not connected")

// Session describes the page a traversal drives.
type Session struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	Stealth   bool      `json:"stealth"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionManager owns the Chrome instance and the single page the traversal
// runs against. The panel tree is one exclusive resource, so there is at most
// one open page.
type SessionManager struct {
	cfg         config.BrowserConfig
	snapshotDir string
	logger      *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	page       *rod.Page
	session    *Session
	controlURL string
	launched   *launcher.Launcher
}

func NewSessionManager(cfg config.BrowserConfig, snapshotDir string, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		cfg:         cfg,
		snapshotDir: snapshotDir,
		logger:      logger.Named("browser"),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser, m.page, m.session, m.controlURL = nil, nil, nil, ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l := m.newLauncher()
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
		m.launched = l
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.logger.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

// newLauncher honours an explicit launch command; without one Rod finds or
// downloads a browser.
func (m *SessionManager) newLauncher() *launcher.Launcher {
	l := launcher.New().Headless(m.cfg.IsHeadless())
	if len(m.cfg.Launch) == 0 {
		return l
	}
	l = l.Bin(m.cfg.Launch[0])
	for _, rawFlag := range m.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Session returns the open page's metadata, if any.
func (m *SessionManager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Open replaces the current page with a fresh one navigated to url. With
// stealth enabled the page is created through go-rod/stealth.
func (m *SessionManager) Open(ctx context.Context, url string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return nil, ErrNotConnected
	}
	if m.page != nil {
		_ = m.page.Close()
		m.page, m.session = nil, nil
	}

	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Stealth {
		page, err = stealth.Page(m.browser)
	} else {
		page, err = m.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("failed to set viewport", zap.Error(err))
	}

	if url != "" {
		navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout())
		defer cancel()
		if err := page.Context(navCtx).Navigate(url); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("navigate %s: %w", url, err)
		}
		if err := page.Context(navCtx).WaitLoad(); err != nil {
			m.logger.Warn("wait load timed out", zap.String("url", url), zap.Error(err))
		}
	}

	meta := &Session{
		ID:        uuid.NewString(),
		TargetID:  string(page.TargetID),
		URL:       url,
		Stealth:   m.cfg.Stealth,
		CreatedAt: time.Now(),
	}
	if info, err := page.Info(); err == nil {
		meta.Title = info.Title
	}

	m.page = page
	m.session = meta
	m.logger.Info("page opened", zap.String("session", meta.ID), zap.String("url", url), zap.Bool("stealth", meta.Stealth))
	out := *meta
	return &out, nil
}

// Driver exposes the open page through the automation capability surface.
func (m *SessionManager) Driver() (*RodDriver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.page == nil {
		return nil, fmt.Errorf("%w: no page open", ErrNotConnected)
	}
	return NewRodDriver(m.page, RodDriverOptions{SnapshotDir: m.snapshotDir, Logger: m.logger}), nil
}

// Shutdown closes the page and the underlying browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.page != nil {
		_ = m.page.Close()
	}
	var err error
	if m.browser != nil {
		err = m.browser.Close()
	}
	if m.launched != nil {
		m.launched.Kill()
		m.launched.Cleanup()
	}
	m.browser, m.page, m.session, m.controlURL, m.launched = nil, nil, nil, "", nil
	m.logger.Info("browser shutdown complete")
	return err
}
