package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-go-golems/chatsync/pkg/engine"
	"github.com/go-go-golems/chatsync/pkg/events"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const replHelp = `commands:
  /new [topic]          start a conversation
  /list                 list conversations
  /select <id>          switch conversation
  /delete <id>          delete a conversation
  /rename <id> <title>  rename a conversation
  /pin <id>             toggle pin
  /stop                 stop the current response
  /status               probe the backend
  /sync                 sync pending conversations
  /search <term>        search the active conversation
  /quit                 exit
anything else is sent as a question`

func newReplCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			logEvents, _ := cmd.Flags().GetBool("log-events")

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if logEvents {
				a.engine.Router().AddEventHandler("log-events", events.TopicChat, func(ev events.Event) error {
					log.Debug().Object("meta", ev.Metadata()).Str("type", string(ev.Type())).Msg("event")
					return nil
				})
			}
			if err := a.start(ctx); err != nil {
				return err
			}

			eg, egCtx := errgroup.WithContext(ctx)
			if logEvents {
				eg.Go(func() error {
					return a.engine.Router().Run(egCtx)
				})
			}
			if metricsAddr != "" {
				eg.Go(func() error {
					return serveMetrics(egCtx, metricsAddr)
				})
			}

			ch, err := a.engine.Subscribe(egCtx)
			if err != nil {
				return err
			}
			printer := newStreamPrinter(cmd.OutOrStdout())
			go printer.run(ch)

			// Ctrl-C stops the response in flight instead of leaving the session.
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go func() {
				for {
					select {
					case <-egCtx.Done():
						return
					case sig := <-sigs:
						if sig == syscall.SIGTERM || !a.engine.IsResponding() {
							cancel()
							return
						}
						if err := a.engine.StopGeneration(); err != nil {
							log.Debug().Err(err).Msg("could not stop generation")
						}
					}
				}
			}()

			r := &repl{engine: a.engine, printer: printer, out: cmd.OutOrStdout()}
			eg.Go(func() error {
				defer cancel()
				return r.loop(egCtx, cmd.InOrStdin())
			})
			err = eg.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address")
	cmd.Flags().Bool("log-events", false, "Log every engine event at debug level")
	return cmd
}

func serveMetrics(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type repl struct {
	engine  *engine.Engine
	printer *streamPrinter
	out     io.Writer
	wg      sync.WaitGroup
}

func (r *repl) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	defer r.wg.Wait()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	r.printf("active conversation %s, type /help for commands\n", r.engine.ActiveConversationID())
	for {
		r.printf("> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				r.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.ask(ctx, line)
	}

	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]
	arg := func(i int) (string, error) {
		if len(args) <= i {
			return "", errors.Errorf("%s needs more arguments", command)
		}
		return args[i], nil
	}

	switch command {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", replHelp)
	case "/new":
		id, err := r.engine.NewConversation(ctx, engine.NewConversationOptions{Topic: strings.Join(args, " ")})
		if err != nil {
			return false, err
		}
		r.printf("started %s\n", id)
	case "/list":
		printConversations(r.out, r.engine.Conversations(), r.engine.ActiveConversationID())
	case "/select":
		id, err := arg(0)
		if err != nil {
			return false, err
		}
		if err := r.engine.SelectConversation(ctx, id); err != nil {
			return false, err
		}
		printTranscript(r.out, r.engine.ActiveMessages())
	case "/delete":
		id, err := arg(0)
		if err != nil {
			return false, err
		}
		if err := r.engine.DeleteConversation(ctx, id); err != nil {
			return false, err
		}
		r.printf("deleted %s, active is %s\n", id, r.engine.ActiveConversationID())
	case "/rename":
		id, err := arg(0)
		if err != nil {
			return false, err
		}
		return false, r.engine.RenameConversation(ctx, id, strings.Join(args[1:], " "))
	case "/pin":
		id, err := arg(0)
		if err != nil {
			return false, err
		}
		pinned, err := r.engine.TogglePin(ctx, id)
		if err != nil {
			return false, err
		}
		r.printf("pinned: %t\n", pinned)
	case "/stop":
		return false, r.engine.StopGeneration()
	case "/status":
		printStatus(r.out, r.engine.CheckStatus(ctx), r.engine.PendingSyncs())
	case "/sync":
		res := r.engine.SyncPending(ctx)
		r.printf("synced %d, failed %d, skipped %d, pending %d\n",
			len(res.Synced), len(res.Failed), len(res.Skipped), len(r.engine.PendingSyncs()))
	case "/search":
		printTranscript(r.out, r.engine.SearchMessages(strings.Join(args, " ")))
	default:
		return false, errors.Errorf("unknown command %s", command)
	}
	return false, nil
}

// ask streams the answer in the background so that /stop and the lock
// checks of the other commands stay reachable.
func (r *repl) ask(ctx context.Context, prompt string) error {
	if r.engine.IsResponding() {
		return engine.ErrResponseInProgress
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := r.engine.Submit(ctx, prompt, "")
		if err != nil {
			r.printf("error: %v\n", err)
			return
		}
		r.printer.wait(res.RequestID, time.Second)
	}()
	return nil
}
