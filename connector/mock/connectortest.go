// Package mock implements a connector that requires no upstream
// credential check, used to exercise the authorization flow's federation
// path in tests without a real LDAP directory or OIDC provider.
package mock

import (
	"context"
	"fmt"

	"github.com/authrim/authrim/connector"
)

// New returns a connector that always returns the same fake identity, or
// fails every login when failLogin is true.
func New(failLogin bool) connector.Connector {
	return mockConnector{failLogin: failLogin}
}

var _ connector.Connector = mockConnector{}

type mockConnector struct {
	failLogin bool
}

func (m mockConnector) Name() string { return "mock" }

func (m mockConnector) Login(_ context.Context, req connector.LoginRequest) (connector.Identity, error) {
	if m.failLogin {
		return connector.Identity{}, fmt.Errorf("mock: login refused")
	}
	return connector.Identity{
		UserID:        "0-385-28089-0",
		Username:      "Kilgore Trout",
		Email:         "kilgore@kilgore.trout",
		EmailVerified: true,
		Groups:        []string{"authors"},
	}, nil
}

// Config holds the configuration parameters for the mock connector.
type Config struct {
	FailLogin bool `json:"failLogin"`
}

// Open returns the mock connector configured by c.
func (c *Config) Open() (connector.Connector, error) {
	return New(c.FailLogin), nil
}
