package router

import (
	"regexp"
	"strings"
	"time"

	"microclaw/internal/storage"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func EscapeXML(s string) string { return xmlEscaper.Replace(s) }

// FormatMessages renders a batch as the transcript the agent reads.
func FormatMessages(msgs []storage.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		b.WriteString(`<message sender="`)
		b.WriteString(EscapeXML(sender))
		b.WriteString(`" time="`)
		b.WriteString(m.Timestamp.UTC().Format(time.RFC3339))
		b.WriteString(`">`)
		b.WriteString(EscapeXML(m.Content))
		b.WriteString("</message>")
	}
	b.WriteString("\n</messages>")
	return b.String()
}

var internalTags = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>...</internal> blocks the agent keeps for itself.
func StripInternal(s string) string {
	return strings.TrimSpace(internalTags.ReplaceAllString(s, ""))
}

func FormatOutbound(prefix bool, name, text string) string {
	text = StripInternal(text)
	if text == "" {
		return ""
	}
	if prefix && name != "" {
		return name + ": " + text
	}
	return text
}
