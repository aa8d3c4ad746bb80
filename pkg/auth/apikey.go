// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/muralsearch/mural/controlplane"
	"github.com/muralsearch/mural/pkg/mural"
)

// HashKey derives the stored hash for an API key. The salt is a deployment
// constant; rotating it invalidates every issued key.
func HashKey(salt, key string) string {
	sum := sha256.Sum256([]byte(salt + ":" + key))
	return hex.EncodeToString(sum[:])
}

func (s *Service) authenticateAPIKey(ctx context.Context, presented string) (_ *mural.AuthContext, err error) {
	defer mon.Task()(&ctx)(&err)

	records, err := s.stores.APIKeys.List(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	hashed := []byte(HashKey(s.config.APIKeySalt, presented))

	// Every record is compared so lookup time does not depend on which key
	// matched.
	var match *controlplane.APIKeyRecord
	for i := range records {
		if subtle.ConstantTimeCompare(hashed, []byte(records[i].KeyHash)) == 1 {
			match = &records[i]
		}
	}
	if match == nil {
		mon.Counter("auth_api_key_miss").Inc(1)
		return nil, ErrUnauthorized.New("unknown api key")
	}
	if match.Status != controlplane.APIKeyActive {
		return nil, ErrUnauthorized.New("api key %s is %s", match.ID, match.Status)
	}

	return &mural.AuthContext{
		ActorType: mural.ActorAPIKey,
		ID:        match.ID,
		Scope:     match.Scope,
		IsAdmin:   match.IsAdmin,
		Roles:     s.resolveBoundRoles(ctx, match.ID, match.Roles),
	}, nil
}
