package handlers

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/chat"
	"github.com/MegaGrindStone/sentimara-web-ui/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// page is one open browser page: its chat client and the SSE server that feeds the page's changes back
// to the browser.
type page struct {
	id     string
	client *chat.Client
	sseSrv *sse.Server

	mu          sync.Mutex
	subscribers int
	lastSeen    time.Time
}

type pages struct {
	mu   sync.Mutex
	byID map[string]*page
}

// pageObserver renders every state change of a page's chat client into an HTML fragment and publishes
// it to the page's browser.
type pageObserver struct {
	m      Main
	pageID string

	publish func(event, data string) error
}

func newPages() *pages {
	return &pages{byID: make(map[string]*page)}
}

func (ps *pages) add(p *page) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.byID[p.id] = p
}

func (ps *pages) get(id string) (*page, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.byID[id]
	return p, ok
}

// remove unregisters the page and reports whether it was still registered.
func (ps *pages) remove(id string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.byID[id]
	delete(ps.byID, id)
	return ok
}

func (ps *pages) all() []*page {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	res := make([]*page, 0, len(ps.byID))
	for _, p := range ps.byID {
		res = append(res, p)
	}
	return res
}

// expired returns the pages that have had no subscriber for longer than ttl.
func (ps *pages) expired(now time.Time, ttl time.Duration) []*page {
	var res []*page
	for _, p := range ps.all() {
		if p.idleSince(now) > ttl {
			res = append(res, p)
		}
	}
	return res
}

func (p *page) attach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers++
}

func (p *page) detach(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers--
	p.lastSeen = now
}

func (p *page) idleSince(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribers > 0 {
		return 0
	}
	return now.Sub(p.lastSeen)
}

// newPage registers a page with a fresh chat client. The conversation session is not created yet.
func (m Main) newPage() *page {
	p := &page{
		id:       uuid.New().String(),
		lastSeen: time.Now(),
	}
	p.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic},
			}, true
		},
	}
	obs := pageObserver{
		m:      m,
		pageID: p.id,
		publish: func(event, data string) error {
			msg := sse.Message{Type: sse.Type(event)}
			msg.AppendData(data)
			return p.sseSrv.Publish(&msg)
		},
	}
	p.client = chat.NewClient(m.service, obs, m.logger.With(slog.String("pageID", p.id)))

	m.pages.add(p)
	return p
}

func (o pageObserver) MessageAppended(msg models.Message) {
	var sb strings.Builder
	if err := o.m.templates.ExecuteTemplate(&sb, "chat_message", o.m.messageView(msg)); err != nil {
		o.m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	o.send(transcriptEvent, sb.String())
}

func (o pageObserver) StreamingUpdated(content string) {
	var sb strings.Builder
	if err := o.m.templates.ExecuteTemplate(&sb, "typing", content); err != nil {
		o.m.logger.Error("Failed to render streaming reply", slog.String(errLoggerKey, err.Error()))
		return
	}
	o.send(typingEvent, sb.String())
}

func (o pageObserver) LoadingChanged(loading bool) {
	var sb strings.Builder
	err := o.m.templates.ExecuteTemplate(&sb, "composer", composerData{
		PageID:  o.pageID,
		Loading: loading,
	})
	if err != nil {
		o.m.logger.Error("Failed to render composer", slog.String(errLoggerKey, err.Error()))
		return
	}
	o.send(composerEvent, sb.String())
}

func (o pageObserver) send(event, data string) {
	if err := o.publish(event, data); err != nil {
		o.m.logger.Error("Failed to publish page update",
			slog.String("pageID", o.pageID),
			slog.String("event", event),
			slog.String(errLoggerKey, err.Error()))
	}
}
