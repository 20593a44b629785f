// Package main is the entry point for the chat bridge: a local process that
// holds one session's conversation engine and serves it to the portal UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/aguaportal/conversation-engine/internal/auth"
	"github.com/aguaportal/conversation-engine/internal/config"
	"github.com/aguaportal/conversation-engine/internal/connection"
	"github.com/aguaportal/conversation-engine/internal/conversation"
	"github.com/aguaportal/conversation-engine/internal/engine"
	"github.com/aguaportal/conversation-engine/internal/handler"
	"github.com/aguaportal/conversation-engine/internal/model"
	"github.com/aguaportal/conversation-engine/internal/moderation"
	"github.com/aguaportal/conversation-engine/internal/send"
	"github.com/aguaportal/conversation-engine/internal/transport"
	natstransport "github.com/aguaportal/conversation-engine/internal/transport/nats"
	"github.com/aguaportal/conversation-engine/internal/transport/ws"
	"github.com/aguaportal/conversation-engine/internal/typing"
	"github.com/aguaportal/conversation-engine/pkg/logger"
	"github.com/aguaportal/conversation-engine/pkg/tracing"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("chat bridge stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx := context.Background()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	tokens, token, err := sessionCredential(ctx, cfg)
	if err != nil {
		return err
	}
	session, err := auth.SessionFromToken(token)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	dialer, err := newDialer(cfg, log)
	if err != nil {
		return err
	}

	engineCfg := engine.Config{
		Session: session,
		Connection: connection.Options{
			InitialBackoff: cfg.ConnectBackoff,
			MaxBackoff:     cfg.ConnectMaxBackoff,
			MaxElapsed:     cfg.ReconnectGiveUp,
			RequestTimeout: cfg.RequestTimeout,
			Tokens:         tokens,
		},
		Conversation: conversation.Options{
			PageSize:    cfg.PageSize,
			MatchWindow: cfg.MatchWindow,
			SyncTimeout: cfg.RequestTimeout,
		},
		Send: send.Options{Timeout: cfg.SendTimeout},
		Typing: typing.Options{
			IdleTimeout: cfg.TypingIdleTimeout,
			RemoteTTL:   cfg.TypingRemoteTTL,
		},
		Moderation: moderation.Options{
			FailMode:   moderation.ParseFailMode(cfg.ModerationFailMode),
			RevealTerm: cfg.ModerationRevealTerm,
		},
		TermRefresh:        cfg.ModerationRefresh,
		TermMinRefreshWait: cfg.ModerationMinRefreshGap,
	}
	if cfg.ModerationTermsURL != "" {
		engineCfg.TermSource = moderation.NewHTTPSource(cfg.ModerationTermsURL, tokens)
	} else {
		log.Warn("no moderation term source configured", zap.String("fail_mode", cfg.ModerationFailMode))
	}

	e := engine.New(dialer, engineCfg, nil, log)
	defer e.Close()

	if err := e.Start(ctx, token); err != nil {
		var authErr *model.AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("session token rejected: %w", err)
		}
		log.Warn("starting disconnected, reconnecting in background", zap.Error(err))
	}

	server := &http.Server{
		Addr: "127.0.0.1:" + cfg.ServerPort,
		Handler: handler.NewRouter(e, handler.RouterConfig{
			Secret:            cfg.BridgeSecret,
			AllowedOrigins:    cfg.AllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}, log),
		ReadTimeout: cfg.ServerReadTimeout,
		// Event streams stay open, so writes are unbounded unless configured.
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge listening",
			zap.String("addr", server.Addr),
			zap.String("user_id", session.UserID),
			zap.String("transport", cfg.Transport),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down bridge")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("bridge forced to shutdown", zap.Error(err))
	}

	log.Info("bridge stopped")
	return nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Environment == "development" {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}

// sessionCredential picks the token source and reads the first token from it.
func sessionCredential(ctx context.Context, cfg *config.Config) (auth.TokenSource, string, error) {
	var tokens auth.TokenSource = auth.StaticToken(cfg.SessionToken)
	if cfg.SessionTokenFile != "" {
		tokens = auth.FileToken{Path: cfg.SessionTokenFile}
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read session token: %w", err)
	}
	return tokens, token, nil
}

func newDialer(cfg *config.Config, log *logger.Logger) (transport.Dialer, error) {
	switch cfg.Transport {
	case config.TransportNATS:
		return natstransport.NewDialer(natstransport.Config{
			URL:         cfg.NATSURL,
			CAFile:      cfg.NATSCAFile,
			CertFile:    cfg.NATSCertFile,
			KeyFile:     cfg.NATSKeyFile,
			DialTimeout: cfg.RequestTimeout,
		}, log), nil
	case config.TransportWebSocket:
		return ws.NewDialer(cfg.WebSocketURL, ws.DefaultOptions(), log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
