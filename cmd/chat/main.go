// Command chat is a terminal client for the relay. It streams assistant
// replies as they arrive and resumes existing conversations.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/peterh/liner"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/tjfontaine/chat-relay/internal/client"
	"github.com/tjfontaine/chat-relay/internal/domain"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := newLineReader(os.Stdin)
	err := newCommand(in, os.Stdout).Run(ctx, os.Args)
	in.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "chat:", err)
		os.Exit(1)
	}
}

// lineReader reads one prompted line of input. It returns io.EOF when input
// ends or the prompt is aborted.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

func newLineReader(f *os.File) lineReader {
	if term.IsTerminal(int(f.Fd())) {
		return newTerminalReader()
	}
	return &scanReader{scanner: bufio.NewScanner(f)}
}

// scanReader reads piped input without echoing prompts.
type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) ReadLine(string) (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *scanReader) Close() error { return nil }

// terminalReader adds line editing and persistent history.
type terminalReader struct {
	state       *liner.State
	historyFile string
}

func newTerminalReader() *terminalReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	r := &terminalReader{state: state}
	if dir, err := os.UserConfigDir(); err == nil {
		r.historyFile = filepath.Join(dir, "chat-relay", "history")
		if f, err := os.Open(r.historyFile); err == nil {
			_, _ = state.ReadHistory(f)
			f.Close()
		}
	}
	return r
}

func (r *terminalReader) ReadLine(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		r.state.AppendHistory(line)
	}
	return line, nil
}

func (r *terminalReader) Close() error {
	if r.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyFile), 0o700); err == nil {
			if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
				_, _ = r.state.WriteHistory(f)
				f.Close()
			}
		}
	}
	return r.state.Close()
}

func newCommand(in lineReader, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "talk to a chat relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   "http://localhost:8080",
				Usage:   "relay base URL",
				Sources: cli.EnvVars("RELAY_URL"),
			},
			&cli.StringFlag{
				Name:     "key",
				Usage:    "relay API key",
				Sources:  cli.EnvVars("RELAY_API_KEY"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "conversation",
				Aliases: []string{"c"},
				Usage:   "resume an existing conversation",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			transport := client.NewHTTPTransport(cmd.String("url"), cmd.String("key"))
			return repl(ctx, transport, cmd.String("conversation"), in, out)
		},
		Commands: []*cli.Command{
			{
				Name:  "conversations",
				Usage: "list your conversations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					transport := client.NewHTTPTransport(cmd.String("url"), cmd.String("key"))
					convs, err := transport.ListConversations(ctx)
					if err != nil {
						return err
					}
					printConversations(out, convs)
					return nil
				},
			},
		},
	}
}

// printer writes the unseen suffix of the accumulated reply.
type printer struct {
	out     io.Writer
	printed int
}

func (p *printer) content(s string) {
	if len(s) < p.printed {
		p.printed = 0
	}
	fmt.Fprint(p.out, s[p.printed:])
	p.printed = len(s)
}

func (p *printer) reset() {
	p.printed = 0
}

func repl(ctx context.Context, transport *client.HTTPTransport, conversationID string, in lineReader, out io.Writer) error {
	p := &printer{out: out}
	opts := []client.Option{client.WithObserver(client.Observer{
		OnContent: p.content,
		OnError: func(err *client.Error) {
			fmt.Fprintf(out, "\n! %v\n", err)
		},
	})}
	if conversationID != "" {
		opts = append(opts, client.WithConversation(conversationID))
	}
	session := client.NewSession(transport, transport, opts...)

	if conversationID != "" {
		if err := session.Reload(ctx); err != nil {
			return err
		}
		printTurns(out, session.Turns())
	}

	for {
		raw, err := in.ReadLine("> ")
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}
		line := strings.TrimSpace(raw)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		p.reset()
		err = session.Submit(ctx, line)
		fmt.Fprintln(out)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil && conversationID == "" {
			conversationID = session.ConversationID()
			fmt.Fprintf(out, "(conversation %s)\n", conversationID)
		}
	}
}

func printTurns(out io.Writer, turns []domain.Turn) {
	for _, t := range turns {
		fmt.Fprintf(out, "%s: %s\n", t.Role, t.Content)
	}
}

func printConversations(out io.Writer, convs []*domain.Conversation) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tTITLE")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), c.Title)
	}
	tw.Flush()
}
