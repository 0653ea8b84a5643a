package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-archiver/internal/api"
	"github.com/Martian-dev/mail-archiver/internal/archive"
	"github.com/Martian-dev/mail-archiver/internal/auth"
	"github.com/Martian-dev/mail-archiver/internal/blob"
	"github.com/Martian-dev/mail-archiver/internal/config"
	"github.com/Martian-dev/mail-archiver/internal/lock"
	"github.com/Martian-dev/mail-archiver/internal/logging"
	natsjs "github.com/Martian-dev/mail-archiver/internal/nats"
	"github.com/Martian-dev/mail-archiver/internal/providers/gmail"
	"github.com/Martian-dev/mail-archiver/internal/providers/imap"
	"github.com/Martian-dev/mail-archiver/internal/sync"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	backfillOnly := pflag.Bool("backfill", false, "run one full backfill and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.InitSentry(cfg.Sentry.DSN, cfg.Sentry.Environment); err != nil {
		log.WithError(err).Warn("sentry disabled")
	}
	defer logging.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *backfillOnly); err != nil {
		logging.CaptureError(log, "startup", err, nil)
		logging.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, backfillOnly bool) error {
	var storeOpts []archive.Option
	if cfg.NATS.URL != "" {
		storeOpts = append(storeOpts, archive.WithOutbox(archive.DefaultOutboxSubject))
	}
	store, err := archive.Open(cfg.Database.Path, storeOpts...)
	if err != nil {
		return err
	}
	defer store.Close()

	mailbox, blobs, err := openMailbox(ctx, cfg, log)
	if err != nil {
		return err
	}

	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	mlog := log.WithField("mailbox", cfg.Mailbox.ID)
	processor := &sync.Processor{
		Mailbox: mailbox,
		Store:   store,
		Offloader: &sync.Offloader{
			Mailbox:   mailbox,
			Blobs:     blobs,
			Container: cfg.Blob.Container,
			Log:       mlog,
		},
		Log: mlog,
	}
	runner := &sync.Runner{
		MailboxID: cfg.Mailbox.ID,
		Poller: &sync.Poller{
			Mailbox:   mailbox,
			Processor: processor,
			Cursor:    sync.NewCursorManager(mailbox, store, cfg.Mailbox.ID),
			Log:       mlog,
		},
		Backfill: &sync.Backfill{
			Mailbox:   mailbox,
			Processor: processor,
			PageSize:  cfg.Mailbox.PageSize,
			Log:       mlog,
		},
		Status:   store,
		Locker:   locker,
		Interval: cfg.Mailbox.PollInterval,
		Log:      mlog,
	}

	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		runner.Outbox = store
		runner.Publisher = pub
	}

	manager := sync.NewManager(log)
	manager.Register(runner)

	if backfillOnly {
		res, err := manager.Backfill(ctx, cfg.Mailbox.ID)
		log.WithFields(logrus.Fields{
			"processed": res.Processed,
			"skipped":   res.Skipped,
			"failed":    res.Failed,
			"pages":     res.Pages,
		}).Info("backfill finished")
		return err
	}

	srv := &api.Server{
		Archive:   store,
		Syncer:    manager,
		MailboxID: cfg.Mailbox.ID,
		Log:       log,
	}
	if cfg.Auth.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL)
		if err != nil {
			return err
		}
		srv.Verifier = verifier
	}

	if err := manager.StartSync(ctx, cfg.Mailbox.ID); err != nil {
		return err
	}
	defer manager.StopAll()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("archive API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openMailbox builds the configured provider adapter and the blob store its
// attachments go to.
func openMailbox(ctx context.Context, cfg *config.Config, log *logrus.Logger) (sync.Mailbox, sync.BlobStore, error) {
	var mailbox sync.Mailbox
	var ts oauth2.TokenSource

	switch cfg.Mailbox.Provider {
	case string(sync.ProviderGmail):
		tokens, err := auth.OpenKeyring(cfg.Keyring.Service, cfg.Keyring.FileDir, cfg.Keyring.Password)
		if err != nil {
			return nil, nil, err
		}
		creds := &auth.Credentials{
			Store:   tokens,
			UserJWT: cfg.Auth.UserJWT,
			OnError: func(err error) { logging.CaptureError(log, "token_persist", err, nil) },
		}
		if cfg.Auth.ServerURL != "" {
			creds.BetterAuth = auth.NewBetterAuthClient(cfg.Auth.ServerURL)
		}
		oauthCfg := auth.GoogleConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
		ts, err = creds.TokenSource(ctx, oauthCfg, "gmail:"+cfg.Mailbox.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("gmail credentials: %w", err)
		}
		mailbox, err = gmail.New(ctx, ts, gmail.Options{User: cfg.Mailbox.User, RPS: cfg.Mailbox.RPS, Log: log})
		if err != nil {
			return nil, nil, err
		}

	case string(sync.ProviderIMAP):
		mailbox = imap.New(imap.Config{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			TLS:      cfg.IMAP.TLS,
			Folder:   cfg.IMAP.Folder,
			RPS:      cfg.Mailbox.RPS,
		})

	default:
		return nil, nil, fmt.Errorf("unknown provider %q", cfg.Mailbox.Provider)
	}

	switch cfg.Blob.Backend {
	case "drive":
		blobs, err := blob.NewDriveStore(ctx, ts)
		if err != nil {
			return nil, nil, err
		}
		return mailbox, blobs, nil
	default:
		blobs, err := blob.NewDirStore(filepath.Clean(cfg.Blob.Dir))
		if err != nil {
			return nil, nil, err
		}
		return mailbox, blobs, nil
	}
}

func openLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	if !cfg.Redis.Enabled {
		return lock.NewLocalLocker(), func() {}, nil
	}
	l, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.LockTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return l, func() { l.Close() }, nil
}
