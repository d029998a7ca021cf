package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/go-go-golems/chatsync/pkg/connectivity"
	"github.com/go-go-golems/chatsync/pkg/conversation"
	"gopkg.in/yaml.v3"
)

func printConversations(w io.Writer, convs []*conversation.Conversation, activeID string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "\tID\tTITLE\tMESSAGES\tLAST ACTIVITY")
	for _, c := range convs {
		marker := ""
		if c.ID == activeID {
			marker = "*"
		}
		if c.Pinned {
			marker += "^"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			marker, c.ID, c.Title, c.Metadata.MessageCount, c.LastActivity.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func printTranscript(w io.Writer, messages []conversation.Message) {
	for _, m := range messages {
		suffix := ""
		if m.Partial {
			suffix = " (stopped)"
		}
		_, _ = fmt.Fprintf(w, "%s%s\n", m.String(), suffix)
		for _, s := range m.Sources {
			_, _ = fmt.Fprintf(w, "    [source] %s\n", s.Title)
		}
	}
}

type statusReport struct {
	Status    connectivity.Status    `yaml:"status"`
	Cause     string                 `yaml:"cause,omitempty"`
	CheckedAt string                 `yaml:"checked-at"`
	Services  map[string]interface{} `yaml:"services,omitempty"`
	Pending   []string               `yaml:"pending,omitempty"`
}

func printStatus(w io.Writer, snap connectivity.Snapshot, pending []string) {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	_ = enc.Encode(statusReport{
		Status:    snap.Status,
		Cause:     snap.Cause,
		CheckedAt: snap.CheckedAt.Format("2006-01-02T15:04:05Z07:00"),
		Services:  snap.Services,
		Pending:   pending,
	})
}
