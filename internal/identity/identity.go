package identity

import (
	"context"
	"errors"
	"os/user"
	"strings"

	"voiceform/internal/domain"
)

var ErrUnknownUser = errors.New("could not determine the current user")

// Provider reports the configured user, falling back to the operating
// system account when no name is configured.
type Provider struct {
	name    string
	email   string
	current func() (*user.User, error)
}

func NewProvider(name, email string) *Provider {
	return &Provider{
		name:    strings.TrimSpace(name),
		email:   strings.TrimSpace(email),
		current: user.Current,
	}
}

func (p *Provider) CurrentUser(_ context.Context) (domain.User, error) {
	if p.name != "" {
		return domain.User{Name: p.name, Email: p.email}, nil
	}

	account, err := p.current()
	if err != nil {
		return domain.User{Email: p.email}, errors.Join(ErrUnknownUser, err)
	}
	name := strings.TrimSpace(account.Name)
	if name == "" {
		name = account.Username
	}
	if name == "" {
		return domain.User{Email: p.email}, ErrUnknownUser
	}
	return domain.User{Name: name, Email: p.email}, nil
}
