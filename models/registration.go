package models

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Namespace is a single regex-defined namespace entry from the registration.
type Namespace struct {
	Exclusive bool   `yaml:"exclusive" json:"exclusive"`
	Regex     string `yaml:"regex" json:"regex"`
}

// Namespaces groups the user, room and alias namespaces the appservice is
// authoritative for.
type Namespaces struct {
	Users   []Namespace `yaml:"users,omitempty" json:"users,omitempty"`
	Rooms   []Namespace `yaml:"rooms,omitempty" json:"rooms,omitempty"`
	Aliases []Namespace `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Registration is the appservice registration record shared with the
// homeserver, normally loaded from a YAML file.
type Registration struct {
	ID              string     `yaml:"id" json:"id"`
	URL             string     `yaml:"url" json:"url"`
	ASToken         string     `yaml:"as_token" json:"as_token"`
	HSToken         string     `yaml:"hs_token" json:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart" json:"sender_localpart"`
	Namespaces      Namespaces `yaml:"namespaces" json:"namespaces"`
	RateLimited     *bool      `yaml:"rate_limited,omitempty" json:"rate_limited,omitempty"`
	Protocols       []string   `yaml:"protocols,omitempty" json:"protocols,omitempty"`

	// PushEphemeral opts in to MSC2409 ephemeral event delivery.
	PushEphemeral bool `yaml:"de.sorunome.msc2409.push_ephemeral,omitempty" json:"de.sorunome.msc2409.push_ephemeral,omitempty"`
}

// LoadRegistration reads and parses a registration YAML file.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}
	var reg Registration
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registration: %w", err)
	}
	return &reg, nil
}

// SaveRegistration writes the registration back to a YAML file.
func SaveRegistration(reg *Registration, path string) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// GenerateRegistration builds a fresh registration with random tokens for the
// given sender localpart. userPrefix is the literal localpart prefix of the
// exclusive user namespace (e.g. "_bridge_"); serverName is the homeserver
// domain the regex is anchored to.
func GenerateRegistration(id, url, senderLocalpart, userPrefix, serverName string) *Registration {
	return &Registration{
		ID:              id,
		URL:             url,
		ASToken:         uuid.NewString(),
		HSToken:         uuid.NewString(),
		SenderLocalpart: senderLocalpart,
		Namespaces: Namespaces{
			Users: []Namespace{{
				Exclusive: true,
				Regex:     fmt.Sprintf("@%s.*:%s", userPrefix, serverName),
			}},
		},
	}
}
