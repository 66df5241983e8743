package auth

import (
	"fmt"

	"github.com/rs/zerolog"

	"mediary/pkg/types"
)

// Identities is the static table of authorized local devices keyed by client id.
type Identities struct {
	byID   map[string]types.Identity
	logger zerolog.Logger
}

// NewIdentities indexes the configured devices. Duplicate or empty client ids
// are configuration errors.
func NewIdentities(list []types.Identity, logger zerolog.Logger) (*Identities, error) {
	byID := make(map[string]types.Identity, len(list))
	for i, id := range list {
		if id.ClientID == "" {
			return nil, fmt.Errorf("user %d: client_id is required", i)
		}
		if _, dup := byID[id.ClientID]; dup {
			return nil, fmt.Errorf("user %d: duplicate client_id %q", i, id.ClientID)
		}
		byID[id.ClientID] = id
	}
	return &Identities{
		byID:   byID,
		logger: logger.With().Str("component", "Identities").Logger(),
	}, nil
}

// Lookup returns the identity registered for clientID.
func (ids *Identities) Lookup(clientID string) (types.Identity, bool) {
	id, ok := ids.byID[clientID]
	return id, ok
}

// Len returns the number of configured identities.
func (ids *Identities) Len() int {
	return len(ids.byID)
}

// Verify checks a connect attempt. Unknown client, username mismatch and
// password mismatch all yield BadCredentials.
func (ids *Identities) Verify(clientID, username, password string) Decision {
	id, ok := ids.byID[clientID]
	if !ok || id.Username != username {
		return Deny(BadCredentials)
	}

	match, err := VerifyPassword(id.Password, password)
	if err != nil {
		ids.logger.Error().Err(err).Str("client_id", clientID).Msg("Stored password for device is unusable.")
		return Deny(BadCredentials)
	}
	if !match {
		return Deny(BadCredentials)
	}
	return Allow()
}
