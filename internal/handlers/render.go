package handlers

import (
	"bytes"
	"html/template"
	"log/slog"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

type messageView struct {
	ID      string
	Role    models.Role
	Content template.HTML
	Time    string
	IsError bool
}

type composerData struct {
	PageID  string
	Loading bool
}

type homePageData struct {
	PageID    string
	Messages  []messageView
	Streaming string
	Composer  composerData
}

const messageTimeLayout = "15:04"

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
			),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
		),
	)
}

// messageView prepares a transcript entry for rendering. Assistant replies are Markdown; user messages
// and error entries are shown as plain text.
func (m Main) messageView(msg models.Message) messageView {
	return messageView{
		ID:      msg.ID,
		Role:    msg.Role,
		Content: m.renderContent(msg),
		Time:    msg.Timestamp.Format(messageTimeLayout),
		IsError: msg.IsError,
	}
}

func (m Main) renderContent(msg models.Message) template.HTML {
	plain := template.HTML(template.HTMLEscapeString(msg.Content))
	if msg.Role != models.RoleAssistant || msg.IsError {
		return plain
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(msg.Content), &buf); err != nil {
		m.logger.Warn("Failed to render markdown, falling back to plain text",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return plain
	}
	// goldmark omits raw HTML in the reply unless html.WithUnsafe is set.
	return template.HTML(buf.String())
}
