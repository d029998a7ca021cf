package main

import (
	"fmt"
	"io"

	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/mb0/glob"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"gopkg.in/yaml.v3"
)

func newConversationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, pinned first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			pattern, _ := cmd.Flags().GetString("title")
			convs, err := filterByTitle(a.engine.Conversations(), pattern)
			if err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), convs, a.engine.ActiveConversationID())
			return nil
		}),
	}
	listCmd.Flags().String("title", "", "Only list conversations whose title matches this glob")

	showCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a conversation (default: the active one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			id := a.engine.ActiveConversationID()
			if len(args) == 1 {
				id = args[0]
				if err := a.engine.SelectConversation(cmd.Context(), id); err != nil {
					return err
				}
			}
			c, err := a.engine.Conversation(id)
			if err != nil {
				return err
			}
			if format == "yaml" {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer func() { _ = enc.Close() }()
				return enc.Encode(c)
			}
			return renderTranscript(cmd.OutOrStdout(), c, format, a.engine.Settings().Theme)
		}),
	}
	showCmd.Flags().String("format", "yaml", "Output format (yaml, markdown, html, terminal)")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.engine.DeleteConversation(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("deleted %s\n", args[0])
			return nil
		}),
	}

	deleteAllCmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every conversation, locally and on the backend",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
					fmt.Sprintf("Delete all %d conversations?", len(a.engine.Conversations())))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			id, err := a.engine.DeleteAllConversations(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("all conversations deleted, started %s\n", id)
			return nil
		}),
	}
	deleteAllCmd.Flags().Bool("yes", false, "Do not ask for confirmation")

	cmd.AddCommand(listCmd, showCmd, deleteCmd, deleteAllCmd)
	return cmd
}

func filterByTitle(convs []*conversation.Conversation, pattern string) ([]*conversation.Conversation, error) {
	if pattern == "" {
		return convs, nil
	}
	ret := []*conversation.Conversation{}
	for _, c := range convs {
		matching, err := glob.Match(pattern, c.Title)
		if err != nil {
			return nil, err
		}
		if matching {
			ret = append(ret, c)
		}
	}
	return ret, nil
}

func confirm(r io.Reader, w io.Writer, question string) (bool, error) {
	ui := &input.UI{
		Writer: w,
		Reader: r,
	}
	answer, err := ui.Ask(question+" [y/n]", &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y", nil
}

// withApp runs f with a started engine that is stopped afterwards.
func withApp(f func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.start(cmd.Context()); err != nil {
			return err
		}
		return f(cmd, a, args)
	}
}
