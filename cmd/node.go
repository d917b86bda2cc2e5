package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"djmesh/bridge"
	"djmesh/config"
	"djmesh/crypto"
	"djmesh/mirror"
	"djmesh/models"
	"djmesh/network"
	"djmesh/notify"
	"djmesh/player"
	"djmesh/queue"
	"djmesh/session"
	"djmesh/storage"
)

// node is one running djmesh process: transport, queue, mirror, session and
// the UI bridge, built from the persisted config.
type node struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	dbPath  string
	keys    crypto.Identity
	logger  *logrus.Logger

	store   *storage.Store
	hub     *notify.Hub
	peers   *network.PeerManager
	device  *player.Device
	queue   *queue.Controller
	mirror  *mirror.Mirror
	session *session.Manager
}

type nodeOptions struct {
	// resolve maps a device ID to host:port ahead of mDNS.
	resolve func(deviceID string) (string, bool)
}

func loadConfig() (*config.DeviceConfig, string, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate(dataDirFlag)
	if err != nil {
		return nil, "", "", fmt.Errorf("load config: %w", err)
	}
	if uiAddrFlag != "" {
		cfg.UIAddress = uiAddrFlag
	}
	return cfg, cfgPath, filepath.Dir(cfgPath), nil
}

func openNode(opts nodeOptions) (*node, error) {
	logger := logrus.StandardLogger()

	cfg, cfgPath, dataDir, err := loadConfig()
	if err != nil {
		return nil, err
	}
	keys, err := crypto.LoadOrCreateIdentity(cfg.IdentityKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare identity key: %w", err)
	}
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	n := &node{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		dbPath:  dbPath,
		keys:    keys,
		logger:  logger,
		store:   store,
		hub:     notify.NewHub(notify.DefaultBufferSize),
	}

	n.peers, err = network.NewPeerManager(network.PeerManagerOptions{
		Identity: network.LocalIdentity{
			DeviceID:   cfg.DeviceID,
			DeviceName: cfg.DeviceName,
			Keys:       keys,
		},
		ListenAddress: cfg.ListenAddress(),
		Resolve:       opts.resolve,
		Logger:        logger,
	})
	if err != nil {
		n.close()
		return nil, fmt.Errorf("create peer manager: %w", err)
	}
	if err := n.peers.Start(); err != nil {
		n.peers = nil
		n.close()
		return nil, fmt.Errorf("start transport: %w", err)
	}

	n.device = player.New(player.Options{TrackLength: player.DefaultTrackLength, Logger: logger})
	n.queue, err = queue.NewController(queue.Options{
		Player:         n.device,
		Hub:            n.hub,
		Logger:         logger,
		AcquireTimeout: cfg.MutationTimeout(),
	})
	if err != nil {
		n.close()
		return nil, fmt.Errorf("create queue controller: %w", err)
	}
	n.mirror = mirror.New(n.hub, logger)

	n.session, err = session.NewManager(session.Options{
		Transport:     n.peers,
		Hub:           n.hub,
		Queue:         n.queue,
		Mirror:        n.mirror,
		Store:         store,
		Profile:       profileOf(cfg),
		InviteTimeout: cfg.InviteTimeout(),
		Logger:        logger,
	})
	if err != nil {
		n.close()
		return nil, fmt.Errorf("create session: %w", err)
	}
	return n, nil
}

// run serves the UI bridge, drives the player and its event stream and
// reloads the profile on config edits until ctx is done.
func (n *node) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ui, err := bridge.New(bridge.Options{
		Address: n.cfg.UIAddress,
		Session: n.session,
		Queue:   n.queue,
		Mirror:  n.mirror,
		Hub:     n.hub,
		Logger:  n.logger,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		n.queue.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		n.device.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		n.logEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		err := config.Watch(ctx, n.cfgPath, n.logger, func(cfg *config.DeviceConfig) {
			n.logger.WithField("name", cfg.Profile.Name).Info("CONFIG: profile reloaded")
			n.session.SetLocalProfile(profileOf(cfg))
		})
		if err != nil {
			n.logger.WithError(err).Warn("CONFIG: watch stopped")
		}
	}()

	err = ui.ListenAndServe(ctx)
	if err != nil {
		n.logger.WithError(err).Error("BRIDGE: stopped")
	}
	cancel()
	wg.Wait()
	return err
}

func (n *node) logEvents(ctx context.Context) {
	events, cancel := n.hub.Subscribe(
		notify.ConnectablePeersChanged,
		notify.PeerStateChanged,
		notify.RoleChanged,
		notify.RequestFailed,
		notify.TransportFailed,
	)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			entry := n.logger.WithField("event", event.Type)
			switch event.Type {
			case notify.PeerStateChanged:
				if event.Peer != nil {
					entry.WithFields(logrus.Fields{"peer": event.Peer.ID, "state": event.State}).Info("SESSION: peer state")
				}
			case notify.ConnectablePeersChanged:
				entry.WithField("count", len(event.Peers)).Info("DISCOVERY: connectable DJs changed")
			case notify.RoleChanged:
				entry.WithField("role", event.Role).Info("SESSION: role changed")
			default:
				entry.Warn(event.Message)
			}
		}
	}
}

// waitForPeer browses until id is connectable or timeout passes.
func (n *node) waitForPeer(ctx context.Context, id string, timeout time.Duration) (models.PeerIdentity, error) {
	events, cancel := n.hub.Subscribe(notify.ConnectablePeersChanged)
	defer cancel()

	find := func() (models.PeerIdentity, bool) {
		for _, peer := range n.session.ConnectablePeers() {
			if peer.ID == id {
				return peer, true
			}
		}
		return models.PeerIdentity{}, false
	}
	if peer, ok := find(); ok {
		return peer, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return models.PeerIdentity{}, ctx.Err()
		case <-timer.C:
			return models.PeerIdentity{}, fmt.Errorf("DJ %s not found on the local network after %s", id, timeout)
		case <-events:
			if peer, ok := find(); ok {
				return peer, nil
			}
		}
	}
}

func (n *node) close() {
	if n.session != nil {
		n.session.Close()
	}
	if n.peers != nil {
		n.peers.Stop()
	}
	if n.device != nil {
		n.device.Close()
	}
	if n.hub != nil {
		n.hub.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.WithError(err).Warn("STORAGE: database close error")
		}
	}
}

func profileOf(cfg *config.DeviceConfig) models.PeerProfile {
	return models.PeerProfile{Name: cfg.Profile.Name, ImageURL: cfg.Profile.ImageURL}
}
