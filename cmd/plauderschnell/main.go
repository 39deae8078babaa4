package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/codefionn/plauderschnell/internal/cache"
	"github.com/codefionn/plauderschnell/internal/chat"
	"github.com/codefionn/plauderschnell/internal/client"
	"github.com/codefionn/plauderschnell/internal/config"
	"github.com/codefionn/plauderschnell/internal/eventbus"
	"github.com/codefionn/plauderschnell/internal/logger"
	"github.com/codefionn/plauderschnell/internal/outbox"
	"github.com/codefionn/plauderschnell/internal/stream"
)

var (
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("150"))
	infoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	titleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.GetConfigPath(), "path to config file")
	serverURL := flag.String("server", "", "override server URL")
	projectID := flag.String("project", "", "project to subscribe to")
	conversationID := flag.String("conversation", "", "conversation to open")
	logLevel := flag.String("log-level", "", "debug, info, warn, error or none")
	noColor := flag.Bool("no-color", false, "disable styled output")
	noCache := flag.Bool("no-cache", false, "disable the local conversation cache")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *projectID != "" {
		cfg.ProjectID = *projectID
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *noCache {
		cfg.Cache.Disabled = true
	}
	if *noColor || cfg.DisableColor {
		disableStyles()
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()
	log := logger.Global().WithPrefix("main")

	state := chat.NewState()
	bus := eventbus.New()
	defer bus.Close()

	var store *cache.Store
	if !cfg.Cache.Disabled {
		dir := cfg.Cache.Dir
		if dir == "" {
			dir, err = cache.DefaultDir(cfg.ProjectID)
			if err != nil {
				return fmt.Errorf("failed to resolve cache directory: %w", err)
			}
		}
		store, err = cache.NewStore(dir, nil)
		if err != nil {
			log.Warn("cache disabled: %v", err)
		} else {
			store.TTL = time.Duration(cfg.Cache.TTLSeconds) * time.Second
			store.MaxConversations = cfg.Cache.MaxConversations
			watcher, werr := cache.NewWatcher(store, bus, nil)
			if werr != nil {
				log.Warn("cache watcher unavailable: %v", werr)
			} else {
				defer watcher.Close()
			}
		}
	}

	streams := stream.New(state, bus, nil)
	queue := outbox.New(nil)

	cl, err := client.New(&client.Config{
		ServerURL:            cfg.ServerURL,
		AuthToken:            cfg.AuthToken,
		ProjectID:            cfg.ProjectID,
		HandshakeTimeout:     time.Duration(cfg.HandshakeTimeout) * time.Second,
		PingInterval:         time.Duration(cfg.PingInterval) * time.Second,
		ReconnectEnabled:     true,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ReconnectDelay:       time.Duration(cfg.Reconnect.BaseDelayMs) * time.Millisecond,
		ReconnectMaxDelay:    time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
	}, state, streams, queue, store, bus, nil)
	if err != nil {
		return err
	}
	defer cl.Close()

	renderEvents(bus, state)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = cl.Connect(ctx)
	cancel()
	if err != nil {
		return err
	}
	if !cl.Authenticated() {
		fmt.Println(errorStyle.Render("warning: session is not authenticated"))
	}

	if cfg.ProjectID != "" {
		if err := cl.Subscribe(cfg.ProjectID, *conversationID); err != nil {
			return err
		}
	}

	return repl(cl, state)
}

// renderEvents prints bus events as they arrive. Handlers run sequentially
// on the bus goroutine, so output keeps emission order.
func renderEvents(bus *eventbus.Bus, state *chat.State) {
	bus.Subscribe(eventbus.KindStreamStarted, func(ev eventbus.Event) {
		fmt.Println(infoStyle.Render("… assistant is responding"))
	})
	bus.Subscribe(eventbus.KindStreamCompleted, func(ev eventbus.Event) {
		done := ev.(eventbus.StreamCompleted)
		if conv, ok := state.Get(done.ConversationID); ok && len(conv.Messages) > 0 {
			last := conv.Messages[len(conv.Messages)-1]
			fmt.Println(assistantStyle.Render(last.Content))
		}
	})
	bus.Subscribe(eventbus.KindStreamError, func(ev eventbus.Event) {
		errored := ev.(eventbus.StreamErrored)
		fmt.Println(errorStyle.Render("stream error: " + errored.Err))
	})
	bus.Subscribe(eventbus.KindTitleUpdated, func(ev eventbus.Event) {
		updated := ev.(eventbus.TitleUpdated)
		fmt.Println(titleStyle.Render("title: " + updated.Title))
	})
	bus.Subscribe(eventbus.KindAskUser, func(ev eventbus.Event) {
		ask := ev.(eventbus.AskUserPrompted)
		fmt.Println(promptStyle.Render("? " + ask.Title))
		fmt.Println(infoStyle.Render("  answer with /answer " + ask.InteractionID + " <response>"))
	})
	bus.Subscribe(eventbus.KindRedirect, func(ev eventbus.Event) {
		redirect := ev.(eventbus.ConversationRedirected)
		fmt.Println(infoStyle.Render("conversation moved to " + redirect.NewID))
	})
	bus.Subscribe(eventbus.KindReconnectGaveUp, func(ev eventbus.Event) {
		fmt.Println(errorStyle.Render("connection lost for good; restart to retry"))
	})
}

// repl reads lines from stdin. Plain lines are chat messages; lines starting
// with / are commands.
func repl(cl *client.Client, state *chat.State) error {
	fmt.Println(infoStyle.Render("type a message, /help for commands, /quit to exit"))
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print(promptStyle.Render("> "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			conv := cl.ActiveConversation()
			if conv == "" {
				fmt.Println(errorStyle.Render("no active conversation; use /new or /open <id>"))
				continue
			}
			if err := cl.SendMessage(conv, line, nil); err != nil {
				fmt.Println(errorStyle.Render(err.Error()))
			}
			continue
		}

		if quit := command(cl, state, line); quit {
			return nil
		}
	}
}

func command(cl *client.Client, state *chat.State, line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	fail := func(err error) {
		if err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		}
	}

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(infoStyle.Render(strings.Join([]string{
			"/new [title]            create a conversation",
			"/open <id>              subscribe to a conversation",
			"/list                   list conversations",
			"/history [id]           fetch message history",
			"/title <id> <title>     rename a conversation",
			"/delete <id> [id...]    delete conversations",
			"/stop                   stop the active stream",
			"/forget <message-id>    drop local history after a message",
			"/retry                  re-run the last prompt",
			"/answer <id> <text>     answer an ask-user prompt",
			"/quit                   exit",
		}, "\n")))
	case "/new":
		fail(cl.CreateConversation(strings.Join(args, " "), "", nil))
	case "/open":
		if len(args) != 1 {
			fail(fmt.Errorf("usage: /open <conversation-id>"))
			break
		}
		fail(cl.Subscribe(cl.ProjectID(), args[0]))
	case "/list":
		fail(cl.ListConversations())
		for _, conv := range state.List() {
			fmt.Printf("%s  %s\n", conv.ID, titleStyle.Render(conv.Title))
		}
	case "/history":
		id := cl.ActiveConversation()
		if len(args) == 1 {
			id = args[0]
		}
		fail(cl.GetConversationMessages(id))
	case "/title":
		if len(args) < 2 {
			fail(fmt.Errorf("usage: /title <conversation-id> <title>"))
			break
		}
		fail(cl.UpdateConversation(args[0], strings.Join(args[1:], " ")))
	case "/delete":
		switch len(args) {
		case 0:
			fail(fmt.Errorf("usage: /delete <id> [id...]"))
		case 1:
			fail(cl.DeleteConversation(args[0]))
		default:
			fail(cl.BulkDeleteConversations(args))
		}
	case "/stop":
		fail(cl.StopStreaming(cl.ActiveConversation()))
	case "/forget":
		if len(args) != 1 {
			fail(fmt.Errorf("usage: /forget <message-id>"))
			break
		}
		removed := cl.ForgetAfter(cl.ActiveConversation(), args[0])
		fmt.Println(infoStyle.Render(fmt.Sprintf("dropped %d messages", removed)))
	case "/retry":
		fail(cl.RetryLastMessage(cl.ActiveConversation()))
	case "/answer":
		if len(args) < 2 {
			fail(fmt.Errorf("usage: /answer <interaction-id> <response>"))
			break
		}
		response, err := json.Marshal(strings.Join(args[1:], " "))
		if err != nil {
			fail(err)
			break
		}
		fail(cl.RespondAskUser(cl.ActiveConversation(), args[0], response))
	default:
		fmt.Println(errorStyle.Render("unknown command " + cmd))
	}
	return false
}

func disableStyles() {
	plain := lipgloss.NewStyle()
	promptStyle = plain
	assistantStyle = plain
	infoStyle = plain
	errorStyle = plain
	titleStyle = plain
}
