package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/chat"
)

// HandleHome opens a new chat page. It registers a chat client for the page, creates the conversation
// session eagerly so that a connection problem is shown right away, and renders the page. A failed
// session creation still renders the page, with the error entry in the transcript; the next send retries.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	p := m.newPage()

	ctx, cancel := context.WithTimeout(r.Context(), m.sessionTimeout)
	defer cancel()
	p.client.CreateSession(ctx)

	state := p.client.State()
	msgs := make([]messageView, len(state.Messages))
	for i, msg := range state.Messages {
		msgs[i] = m.messageView(msg)
	}

	data := homePageData{
		PageID:    p.id,
		Messages:  msgs,
		Streaming: state.Streaming,
		Composer: composerData{
			PageID:  p.id,
			Loading: state.Loading,
		},
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// HandleMessages processes a message sent from a page's composer. The message is handed to the page's
// chat client, and the reply is delivered over the page's SSE stream, so a successful request has no
// body.
//
// The handler expects "page_id" and "message" form values. It returns 405 for non-POST requests, 400
// for a blank message, and 404 for an unknown or already torn down page.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is empty")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	p, ok := m.pages.get(r.FormValue("page_id"))
	if !ok {
		m.logger.Warn("Message sent to unknown page", slog.String("pageID", r.FormValue("page_id")))
		http.Error(w, "Page not found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), m.sessionTimeout)
	defer cancel()

	if err := p.client.Send(ctx, msg); err != nil {
		if errors.Is(err, chat.ErrClosed) {
			http.Error(w, "Page not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to send message",
			slog.String("pageID", p.id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
