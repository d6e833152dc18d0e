// Command reasonance is the terminal client for the reasonance server:
// it joins live sessions, follows the transcript and argument graph,
// submits turns and anchors, and exports session timelines.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/reasonance/reasonance/internal/api"
	"github.com/reasonance/reasonance/internal/archive"
	"github.com/reasonance/reasonance/internal/audioinbox"
	"github.com/reasonance/reasonance/internal/config"
	"github.com/reasonance/reasonance/internal/session"
	"github.com/reasonance/reasonance/internal/stream"
)

const serverEnvVar = "REASONANCE_SERVER"

type app struct {
	serverURL  string
	configPath string

	logger   *log.Logger
	client   *api.Client
	identity config.Identity
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}

	root := &cobra.Command{
		Use:           "reasonance",
		Short:         "Terminal client for reasonance collaborative argument mapping",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.serverURL, "server", "",
		"server base URL (default $"+serverEnvVar+" or http://127.0.0.1:8000)")
	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"identity file path (default under the user config dir)")

	root.AddCommand(
		newSessionsCommand(a),
		newCreateCommand(a),
		newJoinCommand(a),
		newSendCommand(a),
		newUploadCommand(a),
		newAnchorCommand(a),
		newExportCommand(a),
		newInboxCommand(a),
		newSetNameCommand(a),
		newArchiveCommand(a),
	)
	return root
}

func (a *app) setup() error {
	if a.serverURL == "" {
		a.serverURL = os.Getenv(serverEnvVar)
	}
	if a.configPath == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return err
		}
		a.configPath = path
	}
	identity, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.identity = identity
	a.client = api.NewClient(a.serverURL, nil)
	return nil
}

func (a *app) newManager(onUpdate func(session.View)) (*session.Manager, error) {
	return session.NewManager(session.ManagerOptions{
		Client:      a.client,
		DisplayName: a.identity.DisplayName,
		UserID:      a.identity.UserID,
		Stream:      stream.Config{MaxRetries: 5},
		Logger:      a.logger,
		OnUpdate:    onUpdate,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSessionsCommand(a *app) *cobra.Command {
	var archived bool
	var watch bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions, or archived ones with --archived",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if !watch {
				list, err := a.listSessions(ctx, archived)
				if err != nil {
					return err
				}
				renderSessions(list, archived)
				return nil
			}
			return a.watchSessions(ctx)
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived sessions instead of active ones")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the directory stream and re-render on updates")
	return cmd
}

func (a *app) listSessions(ctx context.Context, archived bool) ([]session.SessionInfo, error) {
	var wire []api.SessionInfo
	var err error
	if archived {
		wire, err = a.client.ListArchivedSessions(ctx)
	} else {
		wire, err = a.client.ListSessions(ctx)
	}
	if err != nil {
		return nil, err
	}
	return toSessionInfos(wire), nil
}

// watchSessions follows the directory stream: the active list is replaced
// by each update while archived sessions, seeded once, stay as loaded.
func (a *app) watchSessions(ctx context.Context) error {
	directory := session.NewDirectory(a.logger)
	if archivedList, err := a.client.ListArchivedSessions(ctx); err == nil {
		directory.SeedArchived(toSessionInfos(archivedList))
	} else {
		a.logger.Printf("seed archived sessions: %v", err)
	}
	if activeList, err := a.client.ListSessions(ctx); err == nil {
		directory.ReplaceActive(toSessionInfos(activeList))
	}

	updates := make(chan struct{}, 1)
	channel := stream.Open(a.client.GlobalEventsURL(), func(frame []byte) {
		directory.HandleFrame(frame)
		select {
		case updates <- struct{}{}:
		default:
		}
	}, stream.Config{MaxRetries: 5, Logger: a.logger})
	defer channel.Close()

	view := directory.Snapshot()
	renderSessions(view.Active, false)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			view = directory.Snapshot()
			fmt.Println()
			renderSessions(view.Active, false)
		}
	}
}

func renderSessions(list []session.SessionInfo, archived bool) {
	if len(list) == 0 {
		if archived {
			fmt.Println("no archived sessions")
		} else {
			fmt.Println("no active sessions")
		}
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"SESSION", "PARTICIPANTS", "TURNS", "CREATED"})
	for _, info := range list {
		t.AppendRow(table.Row{info.SessionID, info.ParticipantCount, info.TranscriptCount, info.CreatedAt})
	}
	t.Render()
}

func toSessionInfos(wire []api.SessionInfo) []session.SessionInfo {
	out := make([]session.SessionInfo, 0, len(wire))
	for _, info := range wire {
		out = append(out, session.SessionInfo{
			SessionID:        info.SessionID,
			ParticipantCount: info.ParticipantCount,
			CreatedAt:        info.CreatedAt,
			TranscriptCount:  info.TranscriptCount,
			IsArchived:       info.IsArchived,
		})
	}
	return out
}

func newCreateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new session, join it, and follow it live",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLive(cmd.Context(), "")
		},
	}
}

func newJoinCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "join <session-id>",
		Short: "Join a session and follow it live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLive(cmd.Context(), args[0])
		},
	}
}

// runLive joins (or creates) a session and stays attached until interrupted
// or stdin closes. Incoming updates render as they arrive; input lines are
// sent as turns, with a few slash commands for anchors and pins.
func (a *app) runLive(parent context.Context, sessionID string) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	renderer := newLiveRenderer(os.Stdout)
	manager, err := a.newManager(renderer.render)
	if err != nil {
		return err
	}
	defer manager.Close()

	if sessionID == "" {
		sessionID, err = manager.Create(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("created session %s as %s\n", sessionID, a.identity.DisplayName)
	} else {
		if err := manager.Join(ctx, sessionID); err != nil {
			return err
		}
		fmt.Printf("joined session %s as %s\n", sessionID, a.identity.DisplayName)
	}
	fmt.Println(`type a message and press enter to speak; /anchor <turn> <offset>, /unanchor <turn> <pos>, /pin <node> <x> <y>, /upload <file>, /quit`)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if err := a.dispatchLine(ctx, manager, line); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if manager.ConnectionLost() {
				return fmt.Errorf("connection lost: leave and rejoin to continue")
			}
		}
	}
}

func (a *app) dispatchLine(ctx context.Context, manager *session.Manager, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := manager.SendMessage(ctx, line)
		return err
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/anchor":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /anchor <turn> <offset>")
		}
		turnID, err1 := strconv.Atoi(fields[1])
		offset, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("usage: /anchor <turn> <offset>")
		}
		anchor, err := manager.AddAnchorAt(ctx, turnID, offset)
		if err != nil {
			return err
		}
		fmt.Printf("anchored %q at turn %d position %d\n", anchor.Word, anchor.TurnID, anchor.Position)
		return nil
	case "/unanchor":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /unanchor <turn> <pos>")
		}
		turnID, err1 := strconv.Atoi(fields[1])
		position, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("usage: /unanchor <turn> <pos>")
		}
		return manager.RemoveAnchor(ctx, turnID, position)
	case "/pin":
		if len(fields) != 4 {
			return fmt.Errorf("usage: /pin <node> <x> <y>")
		}
		x, err1 := strconv.ParseFloat(fields[2], 64)
		y, err2 := strconv.ParseFloat(fields[3], 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("usage: /pin <node> <x> <y>")
		}
		return manager.SetNodePosition(fields[1], x, y)
	case "/upload":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /upload <file>")
		}
		turnID, err := manager.UploadAudio(ctx, fields[1])
		if err != nil {
			return err
		}
		fmt.Printf("uploaded, transcribing as turn %d\n", turnID)
		return nil
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func newSendCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session-id> <message...>",
		Short: "Send a typed turn to a session without staying attached",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			message := strings.Join(args[1:], " ")
			turnID, err := a.client.SendMessage(ctx, args[0], a.identity.DisplayName, message)
			if err != nil {
				return err
			}
			fmt.Printf("sent as turn %d\n", turnID)
			return nil
		},
	}
}

func newUploadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <session-id> <audio-file>",
		Short: "Upload a recording for transcription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			turnID, err := a.client.UploadAudio(ctx, args[0], args[1], a.identity.DisplayName)
			if err != nil {
				return err
			}
			fmt.Printf("uploaded, transcribing as turn %d\n", turnID)
			return nil
		},
	}
}

func newAnchorCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Manage word anchors on transcript turns",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <session-id> <turn-id> <offset>",
		Short: "Anchor the word at a text offset within a turn",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			turnID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("turn id must be a number")
			}
			offset, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("offset must be a number")
			}
			turns, err := a.client.SessionTranscripts(ctx, args[0])
			if err != nil {
				return err
			}
			var text string
			found := false
			for _, turn := range turns {
				if turn.TurnID == turnID {
					text = turn.Text
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("turn %d not found in session %s", turnID, args[0])
			}
			start, end, err := session.WordAt(text, offset)
			if err != nil {
				return err
			}
			anchor := api.Anchor{
				Position: start,
				Length:   end - start,
				Word:     text[start:end],
				TurnID:   turnID,
				UserID:   a.identity.UserID,
			}
			if err := a.client.CreateAnchor(ctx, args[0], anchor); err != nil {
				return err
			}
			fmt.Printf("anchored %q at turn %d position %d\n", anchor.Word, turnID, start)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <session-id> <turn-id> <position>",
		Short: "Remove one of your anchors",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			turnID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("turn id must be a number")
			}
			position, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("position must be a number")
			}
			return a.client.DeleteAnchor(ctx, args[0], turnID, position, a.identity.UserID)
		},
	})
	return cmd
}

func newExportCommand(a *app) *cobra.Command {
	var outPath string
	var postgresDSN string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session timeline to a JSON file or Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			sessionID := args[0]
			data, err := a.client.SessionData(ctx, sessionID)
			if err != nil {
				return err
			}
			timeline := archive.BuildTimeline(sessionID, data)

			if postgresDSN != "" {
				sink, err := archive.NewPostgresSink(postgresDSN)
				if err != nil {
					return err
				}
				defer sink.Close()
				if err := sink.Store(ctx, timeline); err != nil {
					return err
				}
				fmt.Printf("stored timeline for %s in postgres\n", sessionID)
				return nil
			}

			if outPath == "" {
				outPath = fmt.Sprintf("reasonance-%s.json", sessionID)
			}
			if err := archive.WriteFile(outPath, timeline); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d turns, %d anchors)\n", outPath, len(timeline.Transcripts), len(timeline.Anchors))
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default reasonance-<session-id>.json)")
	cmd.Flags().StringVar(&postgresDSN, "postgres", "", "store the timeline in Postgres at this DSN instead of a file")
	return cmd
}

func newInboxCommand(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "inbox <session-id>",
		Short: "Watch a drop folder and upload finished recordings to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			manager, err := a.newManager(nil)
			if err != nil {
				return err
			}
			defer manager.Close()
			if err := manager.Join(ctx, args[0]); err != nil {
				return err
			}

			watcher, err := audioinbox.New(audioinbox.Options{
				Dir:      dir,
				Uploader: manager,
				Logger:   a.logger,
				MaxBytes: api.MaxUploadBytes,
			})
			if err != nil {
				return err
			}
			fmt.Printf("watching %s; drop recordings to transcribe them into %s\n", dir, args[0])
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "recordings", "drop folder to watch")
	return cmd
}

func newSetNameCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-name <display-name>",
		Short: "Set the display name stored in the identity file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := config.SetDisplayName(a.configPath, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("display name set to %s (user id %s)\n", identity.DisplayName, identity.UserID)
			return nil
		},
	}
}

func newArchiveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a session on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := a.client.ArchiveSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("archived session %s\n", args[0])
			return nil
		},
	}
}
