package service

import (
	"fmt"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/models"
)

// NamespaceMatcher classifies identifiers against the registration's
// namespaces and maps suffixes to full user IDs and aliases. It is built
// once at startup and never mutated.
type NamespaceMatcher struct {
	serverName string
	botUserID  id.UserID

	userRegex     *regexp.Regexp
	userPrefix    string
	userHasSuffix bool

	aliasRegex     *regexp.Regexp
	aliasPrefix    string
	aliasHasSuffix bool
}

// NewNamespaceMatcher compiles the registration's namespaces. Exactly one
// user namespace must be present.
func NewNamespaceMatcher(reg *models.Registration, serverName string) (*NamespaceMatcher, error) {
	if len(reg.Namespaces.Users) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one user namespace, got %d",
			ErrConfiguration, len(reg.Namespaces.Users))
	}

	m := &NamespaceMatcher{
		serverName: serverName,
		botUserID:  id.NewUserID(reg.SenderLocalpart, serverName),
	}

	userNS := reg.Namespaces.Users[0]
	userRegex, err := compileAnchored(userNS.Regex)
	if err != nil {
		return nil, fmt.Errorf("%w: user namespace regex %q: %v", ErrConfiguration, userNS.Regex, err)
	}
	m.userRegex = userRegex
	m.userPrefix, m.userHasSuffix = extractPrefix(userNS.Regex, serverName)

	if len(reg.Namespaces.Aliases) > 0 {
		aliasNS := reg.Namespaces.Aliases[0]
		aliasRegex, err := compileAnchored(aliasNS.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: alias namespace regex %q: %v", ErrConfiguration, aliasNS.Regex, err)
		}
		m.aliasRegex = aliasRegex
		m.aliasPrefix, m.aliasHasSuffix = extractPrefix(aliasNS.Regex, serverName)
	}

	return m, nil
}

func compileAnchored(expr string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(expr, "^") {
		expr = "^" + expr
	}
	if !strings.HasSuffix(expr, "$") {
		expr += "$"
	}
	return regexp.Compile(expr)
}

// extractPrefix strips a trailing `.*:<server>` or `.+:<server>` from the
// regex. Suffix round-tripping is only possible when the namespace has that
// literal-prefix-plus-wildcard shape.
func extractPrefix(expr, serverName string) (string, bool) {
	trimmed := strings.TrimPrefix(expr, "^")
	trimmed = strings.TrimSuffix(trimmed, "$")
	for _, wildcard := range []string{".*:", ".+:"} {
		tail := wildcard + serverName
		if strings.HasSuffix(trimmed, tail) {
			return strings.TrimSuffix(trimmed, tail), true
		}
	}
	return "", false
}

// ServerName returns the homeserver domain the matcher is anchored to.
func (m *NamespaceMatcher) ServerName() string {
	return m.serverName
}

// BotUserID returns the user ID derived from the registration's sender
// localpart.
func (m *NamespaceMatcher) BotUserID() id.UserID {
	return m.botUserID
}

// IsNamespacedUser reports whether the user ID is inside the appservice's
// user namespace. The bot user is always namespaced.
func (m *NamespaceMatcher) IsNamespacedUser(userID id.UserID) bool {
	if userID == m.botUserID {
		return true
	}
	return m.userRegex.MatchString(string(userID))
}

// IsNamespacedAlias reports whether the alias is inside the appservice's
// alias namespace. Fails when no alias namespace is configured.
func (m *NamespaceMatcher) IsNamespacedAlias(alias id.RoomAlias) (bool, error) {
	if m.aliasRegex == nil {
		return false, fmt.Errorf("%w: invalid configured alias prefix", ErrConfiguration)
	}
	return m.aliasRegex.MatchString(string(alias)), nil
}

// UserIDForSuffix builds the full user ID for a namespace suffix.
func (m *NamespaceMatcher) UserIDForSuffix(suffix string) (id.UserID, error) {
	if !m.userHasSuffix {
		return "", fmt.Errorf("%w: user namespace regex does not allow suffix mapping", ErrConfiguration)
	}
	return id.UserID(m.userPrefix + suffix + ":" + m.serverName), nil
}

// SuffixForUserID returns the portion of the user ID between the namespace
// prefix and the server name, or "" when the ID is not inside the suffix
// mapping.
func (m *NamespaceMatcher) SuffixForUserID(userID id.UserID) string {
	if !m.userHasSuffix {
		return ""
	}
	s := string(userID)
	tail := ":" + m.serverName
	if !strings.HasPrefix(s, m.userPrefix) || !strings.HasSuffix(s, tail) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(s, m.userPrefix), tail)
}

// AliasForSuffix builds the full room alias for a namespace suffix.
func (m *NamespaceMatcher) AliasForSuffix(suffix string) (id.RoomAlias, error) {
	if !m.aliasHasSuffix {
		return "", fmt.Errorf("%w: alias namespace regex does not allow suffix mapping", ErrConfiguration)
	}
	return id.RoomAlias(m.aliasPrefix + suffix + ":" + m.serverName), nil
}

// SuffixForAlias returns the suffix portion of a namespaced alias, or ""
// when the alias is not inside the suffix mapping.
func (m *NamespaceMatcher) SuffixForAlias(alias id.RoomAlias) string {
	if !m.aliasHasSuffix {
		return ""
	}
	s := string(alias)
	tail := ":" + m.serverName
	if !strings.HasPrefix(s, m.aliasPrefix) || !strings.HasSuffix(s, tail) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(s, m.aliasPrefix), tail)
}
