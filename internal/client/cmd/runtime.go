package cmd

import (
	"context"
	"fmt"

	"github.com/rudransh-shrivastava/peer-chat/internal/chat"
	"github.com/rudransh-shrivastava/peer-chat/internal/config"
	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/node"
	"github.com/rudransh-shrivastava/peer-chat/internal/store"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport/p2p"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app is a fully wired node for one CLI invocation.
type app struct {
	cfg   config.Config
	log   *logrus.Logger
	host  *p2p.Host
	gorm  *gorm.DB
	chats *chat.Manager
	node  *node.Node
}

func newApp(ctx context.Context, cfg config.Config, log *logrus.Logger, listener node.Listener, persist bool) (*app, error) {
	identity, err := p2p.LoadOrCreateIdentity(cfg.Node.IdentityFile)
	if err != nil {
		return nil, err
	}

	host, err := p2p.New(ctx, p2p.Config{
		ListenAddrs: cfg.Transport.ListenAddrs,
		Identity:    identity,
		ServiceName: cfg.Discovery.ServiceName,
		Domain:      cfg.Discovery.Domain,
		SendTimeout: cfg.Transport.SendTimeout.Duration,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, host: host}

	opts := chat.Options{Logger: log}
	if persist {
		a.gorm, err = db.Open(cfg.Store.Path)
		if err != nil {
			_ = host.Close()
			return nil, err
		}
		opts.Peers = store.NewPeerStore(a.gorm)
		opts.Messages = store.NewMessageStore(a.gorm)
	}
	a.chats = chat.NewManager(opts)

	a.node, err = node.New(node.Options{
		Config:    cfg,
		Transport: host,
		Discovery: host,
		Logger:    log,
		Listener:  listener,
		Chats:     a.chats,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// run starts the node loop in the background. The returned channel yields
// Run's result.
func (a *app) run(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.node.Run(ctx) }()
	return done
}

func (a *app) Close() {
	if err := a.chats.Close(); err != nil {
		a.log.Debugf("Closing chats: %v", err)
	}
	if a.gorm != nil {
		if sqlDB, err := a.gorm.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := a.host.Close(); err != nil {
		a.log.Warnf("Closing host: %v", err)
	}
}

func openStores(cfg config.Config) (*store.PeerStore, *store.MessageStore, func(), error) {
	gormDB, err := db.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open history: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return store.NewPeerStore(gormDB), store.NewMessageStore(gormDB), closeFn, nil
}
