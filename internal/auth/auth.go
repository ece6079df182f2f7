// Package auth implements the Permission Provider consumed interface: the
// broker core asks it to authenticate a CONNECT and authorize publish/
// subscribe operations, without knowing whether the answer came from a
// local SQLite table or an external ACL service.
package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/dynamq/dynamq/internal/errs"
	"github.com/dynamq/dynamq/internal/topic"
	"github.com/dynamq/dynamq/pkg/hash"
)

// Action is one of the three operations a PermissionProvider authorizes.
type Action string

const (
	ActionConnect   Action = "connect"
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
)

// PermissionProvider is the interface the broker core consumes. The core
// never depends on the concrete SQLite-backed Store directly, so an
// external ACL service can be substituted without touching broker code.
type PermissionProvider interface {
	Check(ctx context.Context, clientID, username string, action Action, topicName string) (bool, error)
}

// Rule grants or denies an action on a topic filter to a username (empty
// username matches any authenticated client).
type Rule struct {
	Username string
	Action   Action
	Filter   string
	Allow    bool
}

// Store is the default PermissionProvider: a SQLite users table for
// CONNECT authentication, plus an in-memory rule set (mirrored from the
// shared store's dynamq:acl:rules key by the caller) for publish/
// subscribe authorization.
type Store struct {
	db    *sql.DB
	rules []Rule
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SetRules replaces the in-memory ACL rule set, called whenever the
// caller refreshes dynamq:acl:rules from the shared store.
func (s *Store) SetRules(rules []Rule) {
	s.rules = rules
}

// Authenticate verifies username/password against the users table.
func (s *Store) Authenticate(ctx context.Context, username, password string) error {
	var secret string

	err := s.db.QueryRowContext(ctx, "SELECT secret FROM users WHERE username = ?", username).Scan(&secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &errs.Err{Context: "Auth", Message: errs.ErrUserNotFound}
		}
		return &errs.Err{Context: "Auth", Message: err}
	}

	if !hash.VerifyPasswd(secret, password) {
		return &errs.Err{Context: "Auth", Message: errs.ErrInvalidPassword}
	}

	return nil
}

// Check implements PermissionProvider. CONNECT authentication is handled
// separately via Authenticate (it needs the password, which Check's
// signature doesn't carry); Check covers publish/subscribe ACL rules.
// With no matching rule, the default is allow — rules are a denylist/
// allowlist overlay, not a default-deny gate.
func (s *Store) Check(_ context.Context, _, username string, action Action, topicName string) (bool, error) {
	if action == ActionConnect {
		return true, nil
	}

	allowed := true
	for _, rule := range s.rules {
		if rule.Action != action {
			continue
		}
		if rule.Username != "" && rule.Username != username {
			continue
		}
		if rule.Filter != topicName && !topic.Matches(rule.Filter, topicName) {
			continue
		}
		allowed = rule.Allow
	}

	return allowed, nil
}
