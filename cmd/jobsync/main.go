package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-jobsync/internal/api"
	"github.com/npezzotti/go-jobsync/internal/auth"
	"github.com/npezzotti/go-jobsync/internal/cache"
	"github.com/npezzotti/go-jobsync/internal/config"
	"github.com/npezzotti/go-jobsync/internal/connstate"
	"github.com/npezzotti/go-jobsync/internal/database"
	"github.com/npezzotti/go-jobsync/internal/feed"
	"github.com/npezzotti/go-jobsync/internal/profiles"
	"github.com/npezzotti/go-jobsync/internal/session"
	"github.com/npezzotti/go-jobsync/internal/stats"
	"github.com/npezzotti/go-jobsync/internal/transport"
	"github.com/npezzotti/go-jobsync/internal/types"
)

var (
	configPath string
	roomId     string
	noServer   bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to jobsync.yml")
	flag.StringVar(&roomId, "room", "", "room to activate on start")
	flag.BoolVar(&noServer, "no-server", false, "do not serve the local api")
	flag.Parse()

	logger := log.New(os.Stderr, "[jobsync] ", log.LstdFlags)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("config:", err)
	}

	viewer, err := auth.ParseViewer(cfg.SigningKey, cfg.ViewerToken)
	if err != nil {
		logger.Fatal("viewer token:", err)
	}

	dbConn, err := database.NewDatabaseConnection(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if cfg.MigrateOnStart {
		if err := database.Migrate(dbConn); err != nil {
			logger.Fatal("migrate:", err)
		}
	}
	repo := database.NewPgJobSyncRepository(dbConn)

	var profileCache *cache.Cache
	if cfg.RedisAddr != "" {
		client, err := cache.NewClient(cfg.RedisAddr)
		if err != nil {
			logger.Fatal("redis:", err)
		}
		defer client.Close()
		profileCache = cache.New(client, "jobsync", cfg.ProfileCacheTTL)
	}
	resolver := profiles.NewResolver(repo, profileCache, logger)

	tr, err := transport.New(cfg, logger)
	if err != nil {
		logger.Fatal("transport:", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	feedClient := feed.NewClient(tr, logger,
		feed.WithPolicy(connstate.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			StableAfter: cfg.RetryStableAfter,
		}),
		feed.WithHandshakeTimeout(cfg.HandshakeTimeout),
		feed.WithStats(statsUpdater),
	)
	defer feedClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := session.New(viewer, repo, feedClient, resolver, logger, statsUpdater)
	if err := sess.Start(ctx); err != nil {
		logger.Fatal("session start:", err)
	}
	defer sess.Close()

	go printNotices(os.Stdout, sess)

	if roomId != "" {
		if err := sess.ActivateRoom(ctx, roomId); err != nil {
			logger.Println("activate room:", err)
		}
	}

	errCh := make(chan error, 2)
	var srv *api.Server
	if !noServer {
		srv = api.NewServer(mux, logger, sess, sess.Notifications(), repo, cfg)
		go func() {
			errCh <- srv.Start()
		}()
	}

	// input ending is not a reason to stop syncing
	go func() {
		if err := readCommands(ctx, os.Stdin, sess); err != nil {
			errCh <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("exiting:", err)
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutDownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutDownCtx); err != nil {
			logger.Println("HTTP server shutdown:", err)
		}
	}

	logger.Println("shutdown complete")
}

// readCommands sends every input line to the active room. Lines starting
// with a slash are commands.
func readCommands(ctx context.Context, r io.Reader, sess *session.Session) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := runCommand(ctx, sess, line); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return err
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, sess *session.Session, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/join":
		return sess.ActivateRoom(ctx, strings.TrimSpace(arg))
	case "/leave":
		return sess.DeactivateRoom(ctx)
	case "/reconnect":
		return sess.Reconnect(ctx)
	case "/rooms":
		convs, err := sess.Conversations(ctx)
		if err != nil {
			return err
		}
		for _, c := range convs {
			fmt.Printf("%s\t%d unread\n", c.RoomId, c.Unread)
		}
		return nil
	case "/notifications":
		for _, n := range sess.Notifications().List() {
			printNotification(os.Stdout, n)
		}
		return nil
	case "/read-all":
		return sess.Notifications().MarkAllRead(ctx)
	default:
		_, err := sess.Send(ctx, line)
		return err
	}
}

func printNotices(w io.Writer, sess *session.Session) {
	for n := range sess.Notices() {
		switch n.Kind {
		case session.NoticeTimelineChanged:
			printTimeline(w, sess)
		case session.NoticeSendFailed:
			fmt.Fprintf(w, "! message not sent (%v), draft: %s\n", n.Err, n.Draft)
		case session.NoticeDelayed, session.NoticeConnectivityLost, session.NoticeLoadFailed:
			fmt.Fprintf(w, "! %s %s: %v\n", n.Kind, n.Scope, n.Err)
		case session.NoticeNotificationsChanged:
			fmt.Fprintf(w, "* %d unread notifications\n", sess.Notifications().Unread())
		default:
			fmt.Fprintf(w, "* %s %s\n", n.Kind, n.Scope)
		}
	}
}

func printTimeline(w io.Writer, sess *session.Session) {
	msgs := sess.Messages()
	if len(msgs) == 0 {
		return
	}
	m := msgs[len(msgs)-1]
	marker := ""
	if m.IsPending() {
		marker = " (sending)"
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", m.CreatedAt.Format(time.Kitchen), m.SenderId, m.Content, marker)
}

func printNotification(w io.Writer, n types.Notification) {
	state := " "
	if !n.IsRead {
		state = "*"
	}
	fmt.Fprintf(w, "%s %s %s %s\n", state, n.ActorName, n.Kind, n.CreatedAt.Format(time.RFC3339))
}
