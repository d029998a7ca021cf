package main

import (
	"bytes"
	"io"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
)

const (
	exportMarkdown = "markdown"
	exportHTML     = "html"
	exportTerminal = "terminal"
)

const transcriptTemplate = `# {{ .Title }}

{{ if .Pinned }}_pinned_ · {{ end }}{{ .Category | default "manual" }} · {{ .CreatedAt.Format "2006-01-02 15:04" }}
{{ range .Messages }}
### {{ .Role | toString | title }}{{ if .Partial }} (stopped){{ end }}

{{ .Content | trim }}
{{- if .Sources }}

{{ range .Sources }}- {{ .Title }}{{ if .Page }}, p. {{ .Page }}{{ end }}{{ if .URL }} <{{ .URL }}>{{ end }}
{{ end }}{{ end }}
{{ end }}`

var transcriptTmpl = template.Must(template.New("transcript").Funcs(sprig.TxtFuncMap()).Parse(transcriptTemplate))

// renderTranscript renders a conversation as markdown, html, or styled
// terminal output. style selects the glamour theme for the terminal format.
func renderTranscript(w io.Writer, c *conversation.Conversation, format string, style string) error {
	var md bytes.Buffer
	if err := transcriptTmpl.Execute(&md, c); err != nil {
		return errors.Wrap(err, "could not render transcript")
	}

	switch format {
	case exportMarkdown, "":
		_, err := w.Write(md.Bytes())
		return err
	case exportHTML:
		return goldmark.Convert(md.Bytes(), w)
	case exportTerminal:
		if style == "" {
			style = "dark"
		}
		styled, err := glamour.Render(md.String(), style)
		if err != nil {
			return errors.Wrap(err, "could not style transcript")
		}
		_, err = io.WriteString(w, styled)
		return err
	default:
		return errors.Errorf("unknown format %q (want %s)", format,
			strings.Join([]string{exportMarkdown, exportHTML, exportTerminal}, ", "))
	}
}
