package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/store"
)

// AccountGetter loads account rows.
type AccountGetter interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// Decrypter opens encrypted credential blobs.
type Decrypter interface {
	Decrypt(blob string) (string, error)
}

// Connector turns an account row into a ready adapter: it decrypts the
// credentials, resolves the provider variant once and wraps it in the guard.
type Connector struct {
	accounts AccountGetter
	box      Decrypter
	factory  ProviderFactory
	guard    *Guard
}

// NewConnector creates a Connector. guard may be nil.
func NewConnector(accounts AccountGetter, box Decrypter, factory ProviderFactory, guard *Guard) *Connector {
	return &Connector{accounts: accounts, box: box, factory: factory, guard: guard}
}

// Load fetches an account, mapping a missing row to ErrAccountNotFound.
func (c *Connector) Load(ctx context.Context, accountID string) (*model.Account, error) {
	acct, err := c.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, NewError(KindPersistence, "", "load_account", err)
	}
	return acct, nil
}

// Open builds the adapter for acct.
func (c *Connector) Open(ctx context.Context, acct *model.Account) (MailProvider, error) {
	access, err := c.box.Decrypt(acct.AccessTokenEnc)
	if err != nil {
		return nil, NewError(KindAuth, acct.Provider, "decrypt", err)
	}
	refresh, err := c.box.Decrypt(acct.RefreshTokenEnc)
	if err != nil {
		return nil, NewError(KindAuth, acct.Provider, "decrypt", err)
	}

	p, err := c.factory(ctx, acct.Provider, Credentials{AccessToken: access, RefreshToken: refresh})
	if err != nil {
		if KindOf(err) == KindUnknown {
			err = NewError(KindTransient, acct.Provider, "open", err)
		}
		return nil, err
	}

	if c.guard != nil {
		p = c.guard.Wrap(p)
	}
	return p, nil
}

// OpenByID loads and opens an account in one step.
func (c *Connector) OpenByID(ctx context.Context, accountID string) (*model.Account, MailProvider, error) {
	acct, err := c.Load(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	p, err := c.Open(ctx, acct)
	if err != nil {
		return acct, nil, err
	}
	return acct, p, nil
}
