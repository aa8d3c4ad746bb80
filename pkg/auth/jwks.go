// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// jwksCache fetches signing keys from a JWKS endpoint and reuses them for
// the configured TTL. Two response shapes are supported: the standard
// {"keys":[...]} document and a flat kid-to-certificate-PEM map.
type jwksCache struct {
	url          string
	certificates bool
	ttl          time.Duration
	client       *http.Client

	mu      sync.Mutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

func newJWKSCache(url string, certificates bool, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:          url,
		certificates: certificates,
		ttl:          ttl,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Key returns the public key for the kid, refetching the set when the
// cache is stale. An empty kid resolves only when the set holds exactly
// one key.
func (c *jwksCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys == nil || time.Since(c.fetched) > c.ttl {
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
	}

	if kid == "" {
		if len(c.keys) == 1 {
			for _, key := range c.keys {
				return key, nil
			}
		}
		return nil, ErrUnauthorized.New("token has no kid and key set holds %d keys", len(c.keys))
	}
	key, ok := c.keys[kid]
	if !ok {
		// the kid may have rotated in since the last fetch
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
		key, ok = c.keys[kid]
	}
	if !ok {
		return nil, ErrUnauthorized.New("unknown signing key %q", kid)
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Error.New("jwks fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Error.Wrap(err)
	}

	var keys map[string]crypto.PublicKey
	if c.certificates {
		keys, err = parseCertificateMap(body)
	} else {
		keys, err = parseKeySet(body)
	}
	if err != nil {
		return err
	}

	c.keys = keys
	c.fetched = time.Now()
	return nil
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func parseKeySet(body []byte) (map[string]crypto.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, Error.Wrap(err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, entry := range doc.Keys {
		if entry.Kty != "RSA" {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(entry.N)
		if err != nil {
			return nil, Error.New("jwk %q: bad modulus: %v", entry.Kid, err)
		}
		e, err := base64.RawURLEncoding.DecodeString(entry.E)
		if err != nil {
			return nil, Error.New("jwk %q: bad exponent: %v", entry.Kid, err)
		}
		keys[entry.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}
	}
	if len(keys) == 0 {
		return nil, Error.New("jwks document holds no usable keys")
	}
	return keys, nil
}

func parseCertificateMap(body []byte) (map[string]crypto.PublicKey, error) {
	var certs map[string]string
	if err := json.Unmarshal(body, &certs); err != nil {
		return nil, Error.Wrap(err)
	}

	keys := make(map[string]crypto.PublicKey, len(certs))
	for kid, pemText := range certs {
		block, _ := pem.Decode([]byte(pemText))
		if block == nil {
			return nil, Error.New("certificate %q: not pem encoded", kid)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, Error.New("certificate %q: %v", kid, err)
		}
		keys[kid] = cert.PublicKey
	}
	if len(keys) == 0 {
		return nil, Error.New("certificate map holds no keys")
	}
	return keys, nil
}
