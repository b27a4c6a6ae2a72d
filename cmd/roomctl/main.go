// roomctl is a line-oriented terminal client for coderoom rooms. Plain
// lines are sent as chat messages; lines starting with "/" are commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/client"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

const probeTimeout = 5 * time.Second

type options struct {
	server   string
	roomID   string
	username string
	email    string
	author   bool
	debounce time.Duration
	verbose  bool
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("roomctl", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.server, "server", "s", "ws://localhost:8080/ws", "coordinator websocket URL")
	flagSet.StringVarP(&opts.roomID, "room", "r", "", "room to join (a new id is generated for --author when empty)")
	flagSet.StringVarP(&opts.username, "username", "u", "", "display name")
	flagSet.StringVarP(&opts.email, "email", "e", "", "email used for admission and blocking")
	flagSet.BoolVar(&opts.author, "author", false, "create the room and host it")
	flagSet.DurationVar(&opts.debounce, "debounce", client.DefaultDebounce, "quiet period before code changes are sent")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log transport diagnostics to stderr")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.username == "" {
		return errors.New("--username is required")
	}
	if opts.roomID == "" {
		if !opts.author {
			return errors.New("--room is required unless --author is set")
		}
		opts.roomID = client.NewRoomID()
	}

	logger := zap.NewNop()
	if opts.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
		defer logger.Sync()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !opts.author {
		if err := probe(ctx, opts, logger, out); err != nil {
			return err
		}
	}

	session, err := client.NewSession(client.Config{
		URL:      opts.server,
		RoomID:   opts.roomID,
		Username: opts.username,
		Email:    opts.email,
		IsAuthor: opts.author,
		Debounce: opts.debounce,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	t := &terminal{session: session, out: out}
	t.watch()

	if err := session.Join(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Room %s\n", opts.roomID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			session.Leave()
			return nil
		case <-session.Done():
			return session.Err()
		case line, ok := <-lines:
			if !ok {
				session.Leave()
				return nil
			}
			if quit := t.handle(line); quit {
				return nil
			}
		}
	}
}

// probe refuses to queue a join for a missing room or a blocked email
func probe(ctx context.Context, opts options, logger *zap.Logger, out io.Writer) error {
	socket := client.NewSocket(client.SocketOptions{
		URL:      opts.server,
		Username: opts.username,
		Email:    opts.email,
		Logger:   logger,
	})
	defer socket.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := socket.Connect(ctx); err != nil {
		return err
	}

	exists, blocked, err := client.Probe(ctx, socket, opts.roomID, opts.email)
	if err != nil {
		return fmt.Errorf("probe room: %w", err)
	}
	if !exists {
		return fmt.Errorf("room %s does not exist", opts.roomID)
	}
	if blocked {
		return fmt.Errorf("you are not allowed to join room %s", opts.roomID)
	}
	fmt.Fprintln(out, "Waiting for the host to let you in...")
	return nil
}

type terminal struct {
	session *client.Session
	out     io.Writer
}

func (t *terminal) printf(format string, args ...any) {
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) watch() {
	s := t.session
	s.OnStateChange(func(_, to client.State) {
		t.printf("* %s", to)
	})
	s.OnNavigateAway(func(reason string) {
		t.printf("* leaving room: %s", reason)
	})
	s.OnError(func(e protocol.Error) {
		t.printf("! %s: %s", e.Code, e.Message)
	})
	s.Chat().OnMessage(func(m protocol.NewMessage) {
		t.printf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), m.Sender, m.Message)
	})
	s.Chat().OnPermission(func(allowed bool) {
		if allowed {
			t.printf("* chat enabled")
		} else {
			t.printf("* chat disabled by the host")
		}
	})
	s.Code().OnRemoteUpdate(func(content string) {
		t.printf("* document updated (%d bytes)", len(content))
	})
	s.Queue().OnChange(func(list []protocol.JoinRequest) {
		if len(list) > 0 {
			last := list[len(list)-1]
			t.printf("* %d waiting; latest %s <%s>", len(list), last.Username, last.Email)
		}
	})
	s.Admission().OnBlockResult(func(res client.BlockResult) {
		if res.AlreadyBlocked {
			t.printf("* %s was already blocked", res.Email)
		} else {
			t.printf("* blocked %s", res.Email)
		}
	})
	s.Socket().On(protocol.KindReconnectAttempt, func(ev protocol.Event) {
		t.printf("* reconnecting (attempt %d)", ev.(protocol.ReconnectAttempt).Attempt)
	})
	s.Socket().On(protocol.KindEmailInUse, func(protocol.Event) {
		t.printf("* someone in this room already uses your email")
	})
}

// handle runs one input line and reports whether the client should exit
func (t *terminal) handle(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := t.session.Chat().Send(line); err != nil {
			t.printf("! %v", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	var err error
	s := t.session
	switch cmd {
	case "quit", "leave":
		s.Leave()
		return true
	case "who":
		for _, p := range s.Roster().Participants() {
			t.printf("  %s <%s>", p.Username, p.Email)
		}
	case "queue":
		for _, r := range s.Queue().List() {
			t.printf("  %s <%s>", r.Username, r.Email)
		}
	case "approve", "reject":
		err = t.decide(cmd, arg)
	case "remove":
		err = s.Admission().Remove(arg)
	case "block":
		err = s.Admission().Block(arg)
	case "kick":
		username, email, _ := strings.Cut(arg, " ")
		err = s.Admission().RemoveAndBlock(username, strings.TrimSpace(email))
	case "chat":
		err = s.Chat().SetPermission(arg != "off")
	case "pin":
		err = s.Chat().Pin(arg)
	case "unpin":
		s.Chat().Unpin(arg)
	case "pins":
		for _, m := range s.Chat().Pinned() {
			t.printf("  %s %s: %s", m.ID, m.Sender, m.Message)
		}
	case "code":
		s.Code().Edit(arg)
	case "show":
		t.printf("%s", s.Code().Content())
	case "undo":
		s.Code().Undo()
	case "redo":
		s.Code().Redo()
	case "reset":
		s.Code().Reset()
	case "lang":
		err = s.Code().SetLanguage(arg)
	case "load":
		err = t.load(arg)
	case "save":
		err = t.save()
	default:
		err = fmt.Errorf("unknown command /%s", cmd)
	}

	if err != nil {
		t.printf("! %v", err)
	}
	return false
}

func (t *terminal) decide(cmd, username string) error {
	for _, req := range t.session.Queue().List() {
		if req.Username != username {
			continue
		}
		if cmd == "approve" {
			return t.session.Admission().Approve(req)
		}
		return t.session.Admission().Reject(req)
	}
	return fmt.Errorf("no join request from %s", username)
}

func (t *terminal) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return t.session.Code().Load(path, f)
}

func (t *terminal) save() error {
	name := t.session.Code().DownloadName()
	if err := os.WriteFile(name, []byte(t.session.Code().Content()), 0o644); err != nil {
		return err
	}
	t.printf("* saved %s", name)
	return nil
}
