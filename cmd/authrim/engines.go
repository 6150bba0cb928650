package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/authrim/authrim/connector"
	ldapconn "github.com/authrim/authrim/connector/ldap"
	mockconn "github.com/authrim/authrim/connector/mock"
	oidcconn "github.com/authrim/authrim/connector/oidc"
	"github.com/authrim/authrim/ephemeral"
	ephmemory "github.com/authrim/authrim/ephemeral/memory"
	ephredis "github.com/authrim/authrim/ephemeral/redis"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/storage"
	storagememory "github.com/authrim/authrim/storage/memory"
	storagesql "github.com/authrim/authrim/storage/sql"
)

// buildLogrus constructs the raw logrus.Logger from cfg.Logger, the same
// level/format knobs the teacher's cmd/dex logger.go exposes. Both the
// ambient log.Logger and storagesql.Open (which wants a logrus.FieldLogger
// directly) are built from this one instance.
func buildLogrus(cfg config.Logger) *logrus.Logger {
	l := logrus.New()
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{})
	}
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// buildStorage opens the relational store named by cfg, grounded on the
// teacher's runServe calling c.Storage.Config.Open(logger).
func buildStorage(cfg config.Storage, logger logrus.FieldLogger) (storage.Storage, error) {
	if cfg.Type == "memory" {
		return storagememory.New(), nil
	}
	return storagesql.Open(cfg.Type, cfg.DSN, logger)
}

// buildEphemeral opens the TTL-KV store named by cfg.
func buildEphemeral(cfg config.Ephemeral) ephemeral.Store {
	if cfg.Type == "redis" {
		return ephredis.New(ephredis.Options{Addr: cfg.Addr})
	}
	return ephmemory.New()
}

// ephemeralPinger adapts ephemeral.Store's context-taking Ping to the
// health package's context-free Pinger, mirroring the teacher's habit of
// wrapping storage adapters for the prometheus/sundheit health endpoint.
type ephemeralPinger struct{ store ephemeral.Store }

func (p ephemeralPinger) Ping() error { return p.store.Ping(context.Background()) }

// buildConnectors opens every configured federation connector, decoding
// each one's loosely typed config bag into the concrete Config struct the
// named connector package expects, then calling its Open method — the
// same "decode, then Open" shape the teacher's cmd/dex config.go applies
// per connector type, generalized across authrim's three connector
// packages instead of dex's dozen.
func buildConnectors(ctx context.Context, conns []config.Connector) (map[string]connector.Connector, error) {
	out := make(map[string]connector.Connector, len(conns))
	for _, c := range conns {
		conn, err := openConnector(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("connector %q: %w", c.ID, err)
		}
		out[c.ID] = conn
	}
	return out, nil
}

func openConnector(ctx context.Context, c config.Connector) (connector.Connector, error) {
	raw, err := json.Marshal(c.Config)
	if err != nil {
		return nil, err
	}
	switch c.Type {
	case "ldap":
		var lc ldapconn.Config
		if err := json.Unmarshal(raw, &lc); err != nil {
			return nil, err
		}
		return lc.Open()
	case "oidc":
		var oc oidcconn.Config
		if err := json.Unmarshal(raw, &oc); err != nil {
			return nil, err
		}
		return oc.Open(ctx)
	case "mock":
		var mc mockconn.Config
		if err := json.Unmarshal(raw, &mc); err != nil {
			return nil, err
		}
		return mc.Open()
	default:
		return nil, fmt.Errorf("unknown connector type %q", c.Type)
	}
}
