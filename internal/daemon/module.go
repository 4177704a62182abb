package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/bus"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/cipher"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/config"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/decryptq"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/directory"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/ingest"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/keys"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/ledger"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/lock"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/logging"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/outbox"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/session"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/status"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/store"
	"github.com/prathamrajbhar/Zynk-Secure-Communication-Platform-sub000/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideDirectory,
			provideKeyStore,
			provideCipher,
			provideLedger,
			provideSocket,
			provideCoordinator,
			provideRetryQueue,
			provideIngestEngine,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDirectory(cfg *config.Config, logger *zap.Logger) *directory.Client {
	return directory.New(cfg.DirectoryURL, cfg.DirectoryTTL(), logger)
}

func provideKeyStore(db *store.DB, dir *directory.Client, logger *zap.Logger) *keys.KeyStore {
	return keys.New(db, dir, logger)
}

func provideCipher(dir *directory.Client, ks *keys.KeyStore, logger *zap.Logger) *cipher.Cipher {
	return cipher.New(dir, ks, logger)
}

func provideLedger(db *store.DB, b *bus.Bus, logger *zap.Logger) *ledger.Ledger {
	return ledger.New(db, b, logger)
}

func provideSocket(cfg *config.Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *transport.Socket {
	return transport.NewSocket(cfg.TransportURL, b, machine, logger)
}

func provideCoordinator(db *store.DB, l *ledger.Ledger, c *cipher.Cipher, socket *transport.Socket, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Coordinator {
	return outbox.NewCoordinator(db, l, c, socket, b, cfg.UserID, cfg.AckTimeout(), logger)
}

func provideRetryQueue(db *store.DB, l *ledger.Ledger, c *cipher.Cipher, cfg *config.Config, logger *zap.Logger) *decryptq.Queue {
	return decryptq.New(db, l, c, cfg.AttemptCap(), logger)
}

func provideIngestEngine(l *ledger.Ledger, c *cipher.Cipher, q *decryptq.Queue, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(l, c, q, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	cfg *config.Config,
	ks *keys.KeyStore,
	socket *transport.Socket,
	coord *outbox.Coordinator,
	engine *ingest.Engine,
	queue *decryptq.Queue,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.UserID == "" {
				return errors.New("user_id not configured, set it in config.toml")
			}

			// Identity must exist and be published before anything can
			// encrypt or decrypt.
			if err := ks.Initialize(ctx, cfg.UserID); err != nil {
				return err
			}

			engine.Start(context.Background())
			queue.Start(context.Background())
			coord.Start(context.Background())
			socket.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			socket.Stop()
			coord.Stop()
			queue.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
