package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openconv/go-core/internal/auth"
	authstore "openconv/go-core/internal/auth/store"
	"openconv/go-core/internal/auth/token"
	"openconv/go-core/internal/platform/privacylog"
	"openconv/go-core/internal/platform/ratelimiter"
	"openconv/go-core/internal/platform/ttlcache"
	"openconv/go-core/internal/presence"
	"openconv/go-core/internal/securestore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	authDB := flag.String("auth-db", "", "Path to the auth SQLite database (overrides config)")
	flag.Parse()
	if *showVersion {
		log.Printf("openconv-server version=%s commit=%s build_date=%s", version, commit, buildDate)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("openconv-server failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *authDB != "" {
		cfg.AuthDBPath = *authDB
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("openconv-server failed: %v", err)
	}
	logger.Info("openconv-server stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	db, err := authstore.Open(cfg.AuthDBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	pub, priv, err := loadOrCreateSigningKey(cfg, logger)
	if err != nil {
		return err
	}
	tokens := token.NewService(priv, pub)

	var mailer auth.Mailer = &auth.DevMailer{Logger: logger}
	if !cfg.DevMode {
		logger.Warn("no SMTP mailer configured, falling back to dev mailer")
	}

	perEmail := ratelimiter.New(cfg.RateLimit.PerEmailRPS, cfg.RateLimit.PerEmailBurst, time.Hour)
	perIP := ratelimiter.New(cfg.RateLimit.PerIPRPS, cfg.RateLimit.PerIPBurst, time.Hour)
	authSvc := auth.NewService(db, tokens, mailer, ttlcache.New(), ttlcache.New(), perEmail, perIP)

	metrics := presence.NewMetrics(prometheus.DefaultRegisterer)
	pres := presence.NewState(staticDirectory(cfg.Guilds), &emptyMessageSource{}, metrics, logger)

	mux := http.NewServeMux()
	newAPI(authSvc, tokens, pres, logger).routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("openconv-server listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// signingKeySnapshot is the JSON shape persisted (encrypted) at
// Config.SigningKeyPath.
type signingKeySnapshot struct {
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// loadOrCreateSigningKey returns the persisted token-signing key when
// one is configured, minting and persisting a fresh one on first boot.
// Without a configured path/secret the key is ephemeral and every
// restart signs every client out.
func loadOrCreateSigningKey(cfg Config, logger *slog.Logger) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	path, secret := securestore.NormalizeStorageConfig(cfg.SigningKeyPath, cfg.SigningKeySecret)
	if !securestore.IsStorageConfigured(path, secret) {
		logger.Warn("no signing key storage configured, tokens will not survive a restart")
		return token.GenerateSigningKey()
	}

	raw, err := securestore.ReadDecryptedFile(path, secret)
	if err == nil {
		var snap signingKeySnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, nil, fmt.Errorf("decode signing key snapshot: %w", err)
		}
		return ed25519.PublicKey(snap.PublicKey), ed25519.PrivateKey(snap.PrivateKey), nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read signing key snapshot: %w", err)
	}

	pub, priv, err := token.GenerateSigningKey()
	if err != nil {
		return nil, nil, err
	}
	snap := signingKeySnapshot{PublicKey: pub, PrivateKey: priv}
	if err := securestore.WriteEncryptedJSON(path, secret, snap); err != nil {
		return nil, nil, fmt.Errorf("persist signing key snapshot: %w", err)
	}
	logger.Info("minted new token signing key", "path", path)
	return pub, priv, nil
}

// staticDirectory serves guild membership from the config file, for
// development. Production replaces it with a DB-backed
// presence.GuildDirectory owned by the guild schema's collaborator.
type staticDirectory map[string][]string

func (d staticDirectory) GuildsForUser(ctx context.Context, userID string) ([]string, error) {
	return d[userID], nil
}

// emptyMessageSource serves no replay history; the durable message log
// is an external collaborator and a deployment wires its own
// presence.MessageSource here.
type emptyMessageSource struct{}

func (emptyMessageSource) MissedMessages(ctx context.Context, channelID string, since time.Time, limit int) ([]presence.MissedMessage, error) {
	return nil, nil
}
