package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bhaichat/internal/domain"
	"bhaichat/internal/personality"
	"bhaichat/internal/pipeline"
)

// Session is the chat surface the terminal drives.
type Session interface {
	SendMessage(ctx context.Context, text string) (*pipeline.Result, error)
	CreateNewConversation(ctx context.Context) (*domain.Conversation, error)
	Conversations(ctx context.Context) ([]domain.Conversation, error)
	SelectConversation(ctx context.Context, conv domain.Conversation) error
	SetPersonality(id string) error
	Personality() string
	Active() *domain.Conversation
	Messages() []domain.Message
	Events() <-chan domain.Event
}

// CLI implements domain.Channel for interactive terminal chat.
type CLI struct {
	session       Session
	personalities []personality.Personality
	logger        *slog.Logger
	in            io.Reader
	out           io.Writer
	spinner       bool

	outMu     sync.Mutex
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	listed    []domain.Conversation
}

type CLIConfig struct {
	Session       Session
	Personalities []personality.Personality
	Logger        *slog.Logger
	In            io.Reader
	Out           io.Writer
	// Spinner animates a thinking indicator while a reply is pending.
	Spinner bool
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		session:       cfg.Session,
		personalities: cfg.Personalities,
		logger:        cfg.Logger,
		in:            cfg.In,
		out:           cfg.Out,
		spinner:       cfg.Spinner,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until input ends, /quit is
// typed or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go c.watch(done)

	c.printf("Bhai Chat. Type a message and press Enter. /help lists commands.\n")
	if conv := c.session.Active(); conv != nil {
		c.printf("Conversation: %s\n", conv.Title)
		c.printHistory()
	}
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.prompt()
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.command(ctx, line); quit {
				c.logger.Info("user requested quit")
				return nil
			}
			c.prompt()
			continue
		}

		c.send(ctx, line)
		c.prompt()
	}
}

// watch drains session events so the bus never fills up, and reports
// conversation switches.
func (c *CLI) watch(done <-chan struct{}) {
	events := c.session.Events()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type == domain.EventConversation && evt.Conversation == nil {
				c.logger.Debug("conversation cleared")
			}
		}
	}
}

func (c *CLI) send(ctx context.Context, text string) {
	c.startThinking()
	res, err := c.session.SendMessage(ctx, text)
	c.stopThinking()
	if err != nil {
		c.printf("! %s\n", describeError(err))
		return
	}
	c.printf("--- %s ---\n%s\n----------------\n", c.personalityName(res.Reply.PersonalityID), res.Reply.Text)
}

func (c *CLI) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		c.printf("/new            start a new conversation\n" +
			"/list           list recent conversations\n" +
			"/open <n>       open conversation n from /list\n" +
			"/persona [id]   show or switch personality\n" +
			"/quit           exit\n")
	case "/new":
		conv, err := c.session.CreateNewConversation(ctx)
		if err != nil {
			c.printf("! %s\n", describeError(err))
			return false
		}
		c.printf("Started %q\n", conv.Title)
	case "/list":
		convs, err := c.session.Conversations(ctx)
		if err != nil {
			c.printf("! %s\n", describeError(err))
			return false
		}
		c.listed = convs
		activeID := ""
		if a := c.session.Active(); a != nil {
			activeID = a.ID
		}
		for i, conv := range convs {
			marker := " "
			if conv.ID == activeID {
				marker = "*"
			}
			c.printf("%s %2d. %s  %s\n", marker, i+1, conv.Title, formatWhen(conv.LastMessageAt))
		}
		if len(convs) == 0 {
			c.printf("No conversations yet.\n")
		}
	case "/open":
		if len(fields) < 2 {
			c.printf("usage: /open <n>\n")
			return false
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 || n > len(c.listed) {
			c.printf("! no conversation %s, run /list first\n", fields[1])
			return false
		}
		conv := c.listed[n-1]
		if err := c.session.SelectConversation(ctx, conv); err != nil {
			c.printf("! %s\n", describeError(err))
			return false
		}
		c.printf("Conversation: %s\n", conv.Title)
		c.printHistory()
	case "/persona":
		if len(fields) < 2 {
			current := c.session.Personality()
			for _, p := range c.personalities {
				marker := " "
				if p.ID == current {
					marker = "*"
				}
				c.printf("%s %s %-16s %s\n", marker, p.Emoji, p.ID, p.Description)
			}
			return false
		}
		if err := c.session.SetPersonality(fields[1]); err != nil {
			c.printf("! %s\n", describeError(err))
			return false
		}
		c.printf("Now chatting with %s\n", c.personalityName(fields[1]))
	default:
		c.printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}

func (c *CLI) printHistory() {
	for _, m := range c.session.Messages() {
		who := "You"
		if m.Sender == domain.SenderAssistant {
			who = c.personalityName(m.PersonalityID)
		}
		c.printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), who, m.Text)
	}
}

func (c *CLI) personalityName(id string) string {
	for _, p := range c.personalities {
		if p.ID == id {
			return p.Name
		}
	}
	return "Bhai"
}

func describeError(err error) string {
	switch domain.KindOf(err) {
	case domain.KindBackendFailure:
		return "bhai is not responding right now, your message was saved: " + err.Error()
	case domain.KindTransientIO:
		return "could not reach the store, try again: " + err.Error()
	default:
		return err.Error()
	}
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("02 Jan 15:04")
}

func (c *CLI) prompt() { c.printf("You> ") }

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	stop := c.thinkStop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.printf("\r%s Bhai is typing...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	c.printf("\r\033[K")
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

var _ domain.Channel = (*CLI)(nil)
