// Package session builds the runtime shared by the authkeeper commands from
// the persistent --config-dir and --debug flags.
package session

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/authkeeper/pkg/authresolver"
	"github.com/papercomputeco/authkeeper/pkg/config"
	"github.com/papercomputeco/authkeeper/pkg/credentials"
	"github.com/papercomputeco/authkeeper/pkg/dotdir"
	"github.com/papercomputeco/authkeeper/pkg/logger"
	"github.com/papercomputeco/authkeeper/pkg/publisher"
	"github.com/papercomputeco/authkeeper/pkg/publisher/kafka"
)

// Session holds the components a command needs. Fields may be nil in tests;
// Close tolerates that.
type Session struct {
	Dir      string
	Config   *config.Config
	Logger   *zap.Logger
	Store    *credentials.Manager
	Auditor  *publisher.Auditor
	Resolver *authresolver.Resolver
}

// Open resolves the config directory and wires the resolver for cmd.
func Open(cmd *cobra.Command) (*Session, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")
	debug, _ := cmd.Flags().GetBool("debug")

	dir, err := dotdir.NewManager().Ensure(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	log, err := newLogger(debug, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	store, err := credentials.NewManager(dir, log)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	pub, err := newPublisher(cfg, log)
	if err != nil {
		return nil, err
	}
	auditor := publisher.NewAuditor(pub, log)

	log.Debug("session opened",
		zap.String("dir", dir),
		zap.String("store", store.Path()),
		zap.Duration("http_timeout", cfg.Timeout()),
	)

	return &Session{
		Dir:     dir,
		Config:  cfg,
		Logger:  log,
		Store:   store,
		Auditor: auditor,
		Resolver: authresolver.NewFromConfig(authresolver.Options{
			Store:   store,
			Config:  cfg,
			Auditor: auditor,
			Logger:  log,
		}),
	}, nil
}

// Close tears down pending flows and flushes the audit publisher.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	var errs []error
	if s.Resolver != nil {
		errs = append(errs, s.Resolver.Close())
	}
	if s.Auditor != nil {
		errs = append(errs, s.Auditor.Close())
	}
	if s.Logger != nil {
		// Sync on a console logger returns EINVAL for stderr on some platforms.
		_ = s.Logger.Sync()
	}
	return errors.Join(errs...)
}

func newLogger(debug bool, cfg *config.Config) (*zap.Logger, error) {
	if debug || cfg.LogLevel == "" {
		return logger.New(debug)
	}
	return logger.NewWithLevel(cfg.LogLevel)
}

func newPublisher(cfg *config.Config, log *zap.Logger) (publisher.Publisher, error) {
	k := cfg.KafkaPublisher()
	if k == nil {
		return publisher.NewNopPublisher(log), nil
	}

	pub, err := kafka.NewPublisher(kafka.Config{
		Brokers:  k.Brokers,
		Topic:    k.Topic,
		ClientID: k.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kafka publisher: %w", err)
	}
	return pub, nil
}
