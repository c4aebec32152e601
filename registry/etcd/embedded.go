// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

const defaultStartTimeout = 60 * time.Second

// ErrStartTimeout is returned when the embedded server is not ready in time.
var ErrStartTimeout = errors.New("etcd server took too long to start")

// EmbeddedConfig configures a single-node etcd server run inside the daemon.
type EmbeddedConfig struct {
	Name         string
	DataDir      string
	ClientAddr   string
	PeerAddr     string
	StartTimeout time.Duration
}

// Embedded is a running embedded etcd server.
type Embedded struct {
	etcd   *embed.Etcd
	client string
	logger *slog.Logger
}

// StartEmbedded starts a new single-node cluster, or restarts the one kept
// in cfg.DataDir, and waits until it serves clients.
func StartEmbedded(cfg EmbeddedConfig, logger *slog.Logger) (*Embedded, error) {
	if logger == nil {
		logger = slog.Default()
	}
	peerURL, err := url.Parse("http://" + cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address: %w", err)
	}
	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}

	eCfg := embed.NewConfig()
	eCfg.Name = cfg.Name
	eCfg.Dir = cfg.DataDir
	eCfg.ListenPeerUrls = []url.URL{*peerURL}
	eCfg.AdvertisePeerUrls = []url.URL{*peerURL}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}
	eCfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL.String())
	eCfg.ClusterState = embed.ClusterStateFlagNew
	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	select {
	case <-e.Server.ReadyNotify():
	case err := <-e.Err():
		e.Close()
		return nil, fmt.Errorf("etcd server failed: %w", err)
	case <-time.After(timeout):
		e.Server.Stop()
		e.Close()
		return nil, ErrStartTimeout
	}

	logger.Info("embedded etcd ready",
		slog.String("name", cfg.Name),
		slog.String("client_addr", cfg.ClientAddr),
		slog.String("data_dir", cfg.DataDir))

	return &Embedded{etcd: e, client: clientURL.String(), logger: logger}, nil
}

// Endpoints returns the client endpoints of the server.
func (e *Embedded) Endpoints() []string {
	return []string{e.client}
}

func (e *Embedded) Close() error {
	e.etcd.Close()
	e.logger.Info("embedded etcd stopped")
	return nil
}
