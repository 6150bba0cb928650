package mock

import (
	"context"
	"testing"

	"github.com/authrim/authrim/connector"
)

func TestMockConnectorLogin(t *testing.T) {
	c := New(false)
	ident, err := c.Login(context.Background(), connector.LoginRequest{Username: "kilgore"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ident.UserID == "" {
		t.Fatal("expected a non-empty UserID")
	}
	if len(ident.Groups) != 1 || ident.Groups[0] != "authors" {
		t.Fatalf("unexpected groups: %v", ident.Groups)
	}
}

func TestMockConnectorLoginFailure(t *testing.T) {
	c := New(true)
	if _, err := c.Login(context.Background(), connector.LoginRequest{Username: "kilgore"}); err == nil {
		t.Fatal("expected an error")
	}
}
