package handlers

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	sentimara "github.com/MegaGrindStone/sentimara-web-ui"
	"github.com/MegaGrindStone/sentimara-web-ui/internal/chat"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// Main handles the core functionality of the chat application. It hosts one chat client per open
// page, renders the HTML templates, and relays every client state change to the page's browser over
// server-sent events.
type Main struct {
	templates *template.Template
	markdown  goldmark.Markdown

	service chat.Service
	pages   *pages

	sessionTimeout time.Duration
	pageTTL        time.Duration

	logger *slog.Logger
}

// Options tunes the page lifecycle. Zero values select the defaults.
type Options struct {
	// SessionTimeout bounds the conversation creation made when a page is opened.
	SessionTimeout time.Duration
	// PageTTL is how long a page may go without an SSE subscriber before it is torn down.
	PageTTL time.Duration
}

const (
	defaultSessionTimeout = 10 * time.Second
	defaultPageTTL        = 10 * time.Minute

	errLoggerKey = "err"
)

// SSE event types for real-time updates.
const (
	transcriptEvent = "transcript"
	typingEvent     = "typing"
	composerEvent   = "composer"
	closeEvent      = "closeChat"
)

// NewMain creates a new Main instance backed by the given conversation service. It parses the required
// HTML templates from the embedded filesystem.
func NewMain(service chat.Service, opts Options, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		sentimara.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	if opts.PageTTL <= 0 {
		opts.PageTTL = defaultPageTTL
	}

	return Main{
		templates:      tmpl,
		markdown:       newMarkdown(),
		service:        service,
		pages:          newPages(),
		sessionTimeout: opts.SessionTimeout,
		pageTTL:        opts.PageTTL,
		logger:         logger.With(slog.String("module", "main")),
	}, nil
}

// HandleSSE subscribes the browser to the update stream of the page named by the page_id query
// parameter. The request is served until the browser disconnects.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	p, ok := m.pages.get(r.URL.Query().Get("page_id"))
	if !ok {
		m.logger.Warn("SSE requested for unknown page", slog.String("pageID", r.URL.Query().Get("page_id")))
		http.Error(w, "Page not found", http.StatusNotFound)
		return
	}

	p.attach()
	defer func() { p.detach(time.Now()) }()

	p.sseSrv.ServeHTTP(w, r)
}

// StartJanitor runs a background goroutine that periodically tears down pages whose browser has been
// gone for longer than the page TTL. It stops when ctx is done.
func (m Main) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Page janitor started",
			slog.Duration("interval", interval),
			slog.Duration("ttl", m.pageTTL))

		for {
			select {
			case now := <-ticker.C:
				if n := m.sweep(ctx, now); n > 0 {
					m.logger.Info("Page janitor closed idle pages", slog.Int("count", n))
				}
			case <-ctx.Done():
				m.logger.Info("Page janitor shutting down")
				return
			}
		}
	}()
}

func (m Main) sweep(ctx context.Context, now time.Time) int {
	expired := m.pages.expired(now, m.pageTTL)
	for _, p := range expired {
		if err := m.closePage(ctx, p); err != nil {
			m.logger.Warn("Failed to close idle page",
				slog.String("pageID", p.id),
				slog.String(errLoggerKey, err.Error()))
		}
	}
	return len(expired)
}

// Shutdown gracefully tears every page down. It closes the chat clients, which closes their streams,
// broadcasts a close event to connected browsers, and waits up to 5 seconds for the SSE connections to
// terminate.
func (m Main) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range m.pages.all() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.closePage(ctx, p); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (m Main) closePage(ctx context.Context, p *page) error {
	if !m.pages.remove(p.id) {
		return nil
	}
	p.client.Close()

	e := &sse.Message{Type: sse.Type(closeEvent)}
	// Browsers drop events without data, so the close event carries a placeholder
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = p.sseSrv.Publish(e)

	return p.sseSrv.Shutdown(ctx)
}
