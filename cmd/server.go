package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/donorlink/donorlink/internal/chat"
	"github.com/donorlink/donorlink/internal/db"
	"github.com/donorlink/donorlink/internal/hub"
	"github.com/donorlink/donorlink/internal/logging"
	"github.com/donorlink/donorlink/internal/notifications"
	"github.com/donorlink/donorlink/internal/presence"
	"github.com/donorlink/donorlink/internal/server"
	"github.com/donorlink/donorlink/internal/validation"
)

var serverPort int

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the notification and chat server",
	Long:  `Starts the donorlink server with the notification REST API, the chat REST API and the /ws realtime endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}

		logger, err := logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		defer logger.Sync()

		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := createFeedFromConfig(ctx, cfg.Realtime, logger.Named("realtime"))
		if err != nil {
			return fmt.Errorf("creating realtime feed: %w", err)
		}
		defer rt.Close()

		v := validation.New()

		// Chat.
		chatStore := chat.NewStore(database, rt, logger.Named("chat"))
		tracker := presence.NewTracker(cfg.Presence.TypingTimeout(), cfg.Presence.PresenceTTL(), logger.Named("presence"))
		defer tracker.Close()
		engine := chat.NewEngine(chatStore, rt,
			chat.WithPageSize(cfg.Chat.PageSize),
			chat.WithReconcileWindow(cfg.Chat.ReconcileWindow()),
			chat.WithTyping(tracker),
			chat.WithEngineLogger(logger.Named("sessions")))
		manager := hub.NewManager(engine, tracker, chatStore, cfg.Notifications, logger.Named("hub"))

		// Notifications.
		notifLogger := logger.Named("notifications")
		notifStore := notifications.NewStore(database)
		prefs := notifications.NewPreferenceStore(database)
		push := notifications.NewPushExecutor(notifStore, notifications.NewExpoTransport(cfg.Notifications.Push), notifStore,
			cfg.Notifications.Push.MaxAttempts, cfg.Notifications.Push.Backoff(), notifLogger)
		batcher := notifications.NewBatcher(push, notifLogger)
		dispatcher := notifications.NewDispatcher(notifStore, prefs, push,
			notifications.NewInAppExecutor(manager, notifStore, notifLogger),
			notifications.WithBatcher(batcher),
			notifications.WithContextSource(manager),
			notifications.WithLogger(notifLogger))

		chatNotifier := notifications.NewChatNotifier(dispatcher, chatStore, notifLogger)
		chatStore.OnInsert(chatNotifier.OnInsert)

		srv := server.New(cfg.Server, database, logger.Named("http"))
		notifications.RegisterRoutes(srv.API(), dispatcher, prefs, notifStore, v)
		chat.RegisterRoutes(srv.API(), chatStore, v)
		srv.Router().Get("/ws", manager.HandleWS)

		go func() {
			<-ctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		}()

		logger.Info("donorlink starting",
			zap.String("version", Version),
			zap.Int("port", cfg.Server.Port),
			zap.String("database", database.Path()),
			zap.String("realtime", string(cfg.Realtime.Backend)))

		err = srv.Start()

		// Sessions go first so no new sends race the final flush.
		engine.CloseAll()
		chatNotifier.Wait()
		batcher.FlushAll()

		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	},
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 8080, "Port to listen on (overrides server.port)")
	rootCmd.AddCommand(serverCmd)
}
