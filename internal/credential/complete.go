package credential

import (
	"context"

	"github.com/dgellow/authbroker/internal/broker"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/dgellow/authbroker/internal/storage"
	"github.com/dgellow/authbroker/internal/userinfo"
	"golang.org/x/oauth2"
)

// AccountLookup resolves the accounts behind an access token.
// *userinfo.Client implements it.
type AccountLookup interface {
	Fetch(ctx context.Context, token *oauth2.Token) (*userinfo.Info, error)
}

// Complete persists the result of a finished flow along with the user's
// default account. A failed lookup is logged and the credential is stored
// without account details; it is still usable.
func (s *Source) Complete(ctx context.Context, cred broker.TokenCredential, lookup AccountLookup) (*storage.StoredCredential, error) {
	var account Account
	if lookup != nil {
		account = s.discoverAccount(ctx, cred, lookup)
	}
	return s.Save(ctx, cred, account)
}

func (s *Source) discoverAccount(ctx context.Context, cred broker.TokenCredential, lookup AccountLookup) Account {
	info, err := lookup.Fetch(ctx, cred.OAuth2Token())
	if err != nil {
		log.LogWarnWithFields("credential", "Account lookup failed", map[string]any{
			"key":   s.key,
			"error": err.Error(),
		})
		return Account{}
	}
	def, err := info.DefaultAccount()
	if err != nil {
		log.LogWarnWithFields("credential", "User has no accounts", map[string]any{
			"key":     s.key,
			"subject": info.Subject,
		})
		return Account{}
	}
	return Account{ID: def.ID, Name: def.Name, BaseURI: def.BaseURI}
}
