// Package ldap implements the LDAP connector (spec.md §12): binds to an
// upstream directory, searches for the user, optionally re-binds with the
// user's own credentials to verify the password, and maps directory
// attributes onto connector.Identity.
package ldap

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"unicode"

	"github.com/go-ldap/ldap/v3"

	"github.com/authrim/authrim/connector"
)

// Config holds the configuration parameters for the LDAP connector. The LDAP
// connector requires executing two queries, the first to find the user
// based on the username and password given to the connector. The second to
// use the user entry to search for groups.
//
// An example config:
//
//	type: ldap
//	config:
//	  host: ldap.example.com:636
//	  # The following field is required if using port 389.
//	  # insecureNoSSL: true
//	  rootCA: /etc/authrim/ldap.ca
//	  bindDN: uid=serviceaccount,cn=users,dc=example,dc=com
//	  bindPW: password
//	  userSearch:
//	    baseDN: cn=users,dc=example,dc=com
//	    filter: "(objectClass=person)"
//	    username: uid
//	    idAttr: uid
//	    emailAttr: mail
//	    nameAttr: name
//	  groupSearch:
//	    baseDN: cn=groups,dc=example,dc=com
//	    filter: "(objectClass=group)"
//	    userAttr: uid
//	    groupAttr: member
//	    nameAttr: name
type Config struct {
	// The host and optional port of the LDAP server. If port isn't supplied, it will be
	// guessed based on the TLS configuration. 389 or 636.
	Host string `yaml:"host"`

	// Required if LDAP host does not use TLS.
	InsecureNoSSL bool `yaml:"insecureNoSSL"`

	// Path to a trusted root certificate file.
	RootCA string `yaml:"rootCA"`

	// BindDN and BindPW for an application service account. The connector uses these
	// credentials to search for users and groups.
	BindDN string `yaml:"bindDN"`
	BindPW string `yaml:"bindPW"`

	// User entry search configuration.
	UserSearch struct {
		// BaseDN to start the search from. For example "cn=users,dc=example,dc=com"
		BaseDN string `yaml:"baseDN"`

		// Optional filter to apply when searching the directory. For example "(objectClass=person)"
		Filter string `yaml:"filter"`

		// Attribute to match against the inputted username. This will be translated and combined
		// with the other filter as "(<attr>=<username>)".
		Username string `yaml:"username"`

		// Can either be:
		// * "sub" - search the whole sub tree
		// * "one" - only search one level
		Scope string `yaml:"scope"`

		// A mapping of attributes on the user entry to claims.
		IDAttr    string `yaml:"idAttr"`    // Defaults to "uid"
		EmailAttr string `yaml:"emailAttr"` // Defaults to "mail"
		NameAttr  string `yaml:"nameAttr"`  // No default.
	} `yaml:"userSearch"`

	// Group search configuration.
	GroupSearch struct {
		// BaseDN to start the search from. For example "cn=groups,dc=example,dc=com"
		BaseDN string `yaml:"baseDN"`

		// Optional filter to apply when searching the directory. For example "(objectClass=posixGroup)"
		Filter string `yaml:"filter"`

		Scope string `yaml:"scope"` // Defaults to "sub"

		// These two fields are used to match a user to a group.
		//
		// It adds an additional requirement to the filter that an attribute in the group
		// match the user's attribute value. For example that the "members" attribute of
		// a group matches the "uid" of the user. The exact filter being added is:
		//
		//   (<groupAttr>=<userAttr value>)
		UserAttr  string `yaml:"userAttr"`
		GroupAttr string `yaml:"groupAttr"`

		// The attribute of the group that represents its name.
		NameAttr string `yaml:"nameAttr"`
	} `yaml:"groupSearch"`
}

func parseScope(s string) (int, bool) {
	// ScopeBaseObject doesn't really make sense here because the user's or
	// group's DN is never known ahead of time.
	switch s {
	case "", "sub":
		return ldap.ScopeWholeSubtree, true
	case "one":
		return ldap.ScopeSingleLevel, true
	}
	return 0, false
}

// escapeRune maps a rune to a hex encoded value. For example 'é' would become '\\c3\\a9'
func escapeRune(buff *bytes.Buffer, r rune) {
	for _, b := range []byte(string(r)) {
		buff.WriteString("\\")
		buff.WriteString(hex.EncodeToString([]byte{b}))
	}
}

// escapeFilter escapes a value for inclusion in an LDAP search filter. There
// are no good canonical documents on how to do this; this implementation is
// purposefully restrictive.
//
// See: https://docs.oracle.com/cd/E19424-01/820-4811/gdxpo/index.html
func escapeFilter(s string) string {
	r := strings.NewReader(s)
	buff := new(bytes.Buffer)
	for {
		ru, _, err := r.ReadRune()
		if err != nil {
			return buff.String()
		}

		switch {
		case ru > unicode.MaxASCII:
			escapeRune(buff, ru)
		case !unicode.IsPrint(ru):
			escapeRune(buff, ru)
		case strings.ContainsRune(`*\()`, ru):
			escapeRune(buff, ru)
		default:
			buff.WriteRune(ru)
		}
	}
}

// Open validates c and returns an authentication strategy using LDAP.
func (c *Config) Open() (connector.Connector, error) {
	requiredFields := []struct {
		name string
		val  string
	}{
		{"host", c.Host},
		{"userSearch.baseDN", c.UserSearch.BaseDN},
		{"userSearch.username", c.UserSearch.Username},
	}

	for _, field := range requiredFields {
		if field.val == "" {
			return nil, fmt.Errorf("ldap: missing required field %q", field.name)
		}
	}
	if c.UserSearch.IDAttr == "" {
		c.UserSearch.IDAttr = "uid"
	}
	if c.UserSearch.EmailAttr == "" {
		c.UserSearch.EmailAttr = "mail"
	}

	var (
		host string
		err  error
	)
	if host, _, err = net.SplitHostPort(c.Host); err != nil {
		host = c.Host
		if c.InsecureNoSSL {
			c.Host = c.Host + ":389"
		} else {
			c.Host = c.Host + ":636"
		}
	}

	tlsConfig := new(tls.Config)
	if c.RootCA != "" {
		data, err := os.ReadFile(c.RootCA)
		if err != nil {
			return nil, fmt.Errorf("ldap: read ca file: %v", err)
		}
		rootCAs := x509.NewCertPool()
		if !rootCAs.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("ldap: no certs found in ca file")
		}
		tlsConfig.RootCAs = rootCAs
		tlsConfig.ServerName = host
	}
	userSearchScope, ok := parseScope(c.UserSearch.Scope)
	if !ok {
		return nil, fmt.Errorf("userSearch.scope unknown value %q", c.UserSearch.Scope)
	}
	groupSearchScope, ok := parseScope(c.GroupSearch.Scope)
	if !ok {
		return nil, fmt.Errorf("groupSearch.scope unknown value %q", c.GroupSearch.Scope)
	}
	return &ldapConnector{*c, userSearchScope, groupSearchScope, tlsConfig}, nil
}

type ldapConnector struct {
	Config

	userSearchScope  int
	groupSearchScope int

	tlsConfig *tls.Config
}

var _ connector.Connector = (*ldapConnector)(nil)

func (c *ldapConnector) Name() string { return "ldap" }

// do initializes a connection to the LDAP directory and passes it to the
// provided function, then performs appropriate teardown.
func (c *ldapConnector) do(f func(c *ldap.Conn) error) error {
	var (
		conn *ldap.Conn
		err  error
	)
	if c.InsecureNoSSL {
		conn, err = ldap.Dial("tcp", c.Host)
	} else {
		conn, err = ldap.DialTLS("tcp", c.Host, c.tlsConfig)
	}
	if err != nil {
		return fmt.Errorf("ldap: failed to connect: %v", err)
	}
	defer conn.Close()

	// If bindDN and bindPW are empty this defaults to an anonymous bind.
	if err := conn.Bind(c.BindDN, c.BindPW); err != nil {
		return fmt.Errorf("ldap: initial bind for user %q failed: %v", c.BindDN, err)
	}

	return f(conn)
}

func getAttr(e ldap.Entry, name string) string {
	for _, a := range e.Attributes {
		if a.Name != name {
			continue
		}
		if len(a.Values) == 0 {
			return ""
		}
		return a.Values[0]
	}
	return ""
}

// Login searches the directory for req.Username and, on a match, re-binds
// as the entry's DN with req.Password to verify it, per spec.md §12.
func (c *ldapConnector) Login(ctx context.Context, req connector.LoginRequest) (connector.Identity, error) {
	filter := fmt.Sprintf("(%s=%s)", c.UserSearch.Username, escapeFilter(req.Username))
	if c.UserSearch.Filter != "" {
		filter = fmt.Sprintf("(&%s%s)", c.UserSearch.Filter, filter)
	}

	searchReq := &ldap.SearchRequest{
		BaseDN: c.UserSearch.BaseDN,
		Filter: filter,
		Scope:  c.userSearchScope,
		Attributes: []string{
			c.UserSearch.IDAttr,
			c.UserSearch.EmailAttr,
			c.GroupSearch.UserAttr,
		},
	}
	if c.UserSearch.NameAttr != "" {
		searchReq.Attributes = append(searchReq.Attributes, c.UserSearch.NameAttr)
	}

	var (
		user          ldap.Entry
		incorrectPass bool
	)
	err := c.do(func(conn *ldap.Conn) error {
		resp, err := conn.Search(searchReq)
		if err != nil {
			return fmt.Errorf("ldap: search with filter %q failed: %v", searchReq.Filter, err)
		}

		switch n := len(resp.Entries); n {
		case 0:
			incorrectPass = true
			return nil
		case 1:
		default:
			return fmt.Errorf("ldap: filter returned multiple (%d) results: %q", n, filter)
		}

		user = *resp.Entries[0]

		if err := conn.Bind(user.DN, req.Password); err != nil {
			if ldapErr, ok := err.(*ldap.Error); ok && ldapErr.ResultCode == ldap.LDAPResultInvalidCredentials {
				incorrectPass = true
				return nil
			}
			return fmt.Errorf("ldap: failed to bind as dn %q: %v", user.DN, err)
		}
		return nil
	})
	if err != nil {
		return connector.Identity{}, err
	}
	if incorrectPass {
		return connector.Identity{}, fmt.Errorf("ldap: invalid credentials")
	}

	var ident connector.Identity

	missing := []string{}
	if ident.UserID = getAttr(user, c.UserSearch.IDAttr); ident.UserID == "" {
		missing = append(missing, c.UserSearch.IDAttr)
	}
	if ident.Email = getAttr(user, c.UserSearch.EmailAttr); ident.Email == "" {
		missing = append(missing, c.UserSearch.EmailAttr)
	}
	ident.EmailVerified = true
	if c.UserSearch.NameAttr != "" {
		if ident.Username = getAttr(user, c.UserSearch.NameAttr); ident.Username == "" {
			missing = append(missing, c.UserSearch.NameAttr)
		}
	}
	if len(missing) != 0 {
		return connector.Identity{}, fmt.Errorf("ldap: entry %q missing required attribute(s): %q", user.DN, missing)
	}

	if c.GroupSearch.BaseDN != "" {
		groups, err := c.groups(user)
		if err != nil {
			return connector.Identity{}, err
		}
		ident.Groups = groups
	}

	return ident, nil
}

func (c *ldapConnector) groups(user ldap.Entry) ([]string, error) {
	filter := fmt.Sprintf("(%s=%s)", c.GroupSearch.GroupAttr, escapeFilter(getAttr(user, c.GroupSearch.UserAttr)))
	if c.GroupSearch.Filter != "" {
		filter = fmt.Sprintf("(&%s%s)", c.GroupSearch.Filter, filter)
	}

	req := &ldap.SearchRequest{
		BaseDN:     c.GroupSearch.BaseDN,
		Filter:     filter,
		Scope:      c.groupSearchScope,
		Attributes: []string{c.GroupSearch.NameAttr},
	}

	var groups []*ldap.Entry
	if err := c.do(func(conn *ldap.Conn) error {
		resp, err := conn.Search(req)
		if err != nil {
			return fmt.Errorf("ldap: group search failed: %v", err)
		}
		groups = resp.Entries
		return nil
	}); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(groups))
	for _, group := range groups {
		name := getAttr(*group, c.GroupSearch.NameAttr)
		if name == "" {
			return nil, fmt.Errorf("ldap: group entry %q missing required attribute %q", group.DN, c.GroupSearch.NameAttr)
		}
		names = append(names, name)
	}
	return names, nil
}
