// Package githost wraps everything the website stage needs from the git
// host: minting short-lived repository tokens from a GitHub App identity,
// maintaining the local working copy, and opening pull requests.
package githost

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v62/github"
)

// appJWTLifetime is the validity of the App JWT used to talk to the Apps
// API. GitHub caps it at 10 minutes; one minute of clock-skew allowance is
// subtracted from the issued-at time.
const appJWTLifetime = 9 * time.Minute

// TokenMinter exchanges a GitHub App identity for short-lived installation
// tokens scoped to one repository.
type TokenMinter struct {
	appID      int64
	privateKey *rsa.PrivateKey
}

// NewTokenMinter loads the App's RSA private key from a PEM file.
// Both PKCS#1 (RSA PRIVATE KEY) and PKCS#8 (PRIVATE KEY) blocks are accepted.
func NewTokenMinter(appID int64, privateKeyPath string) (*TokenMinter, error) {
	raw, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("githost: reading private key file: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("githost: failed to decode private key PEM block")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("githost: parsing PKCS#1 private key: %w", err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("githost: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("githost: PKCS#8 key is not an RSA key")
		}
		key = rsaKey
	default:
		return nil, fmt.Errorf("githost: unsupported private key PEM type: %s", block.Type)
	}

	return &TokenMinter{appID: appID, privateKey: key}, nil
}

// appJWT signs the RS256 JWT that authenticates the App against the Apps API.
func (m *TokenMinter) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", m.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("githost: signing app JWT: %w", err)
	}
	return signed, nil
}

// MintInstallationToken returns a repository-scoped installation token for
// owner/repo. The token is valid for about an hour, long enough for one
// website update, never persisted.
func (m *TokenMinter) MintInstallationToken(ctx context.Context, owner, repo string) (string, error) {
	appJWT, err := m.appJWT(time.Now())
	if err != nil {
		return "", err
	}

	client := github.NewClient(nil).WithAuthToken(appJWT)

	installation, _, err := client.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("githost: finding installation for %s/%s: %w", owner, repo, err)
	}

	token, _, err := client.Apps.CreateInstallationToken(ctx, installation.GetID(), nil)
	if err != nil {
		return "", fmt.Errorf("githost: creating installation token: %w", err)
	}
	return token.GetToken(), nil
}

// ParseRepoURL extracts owner and repository name from an HTTPS GitHub URL
// such as https://github.com/acme/website.git.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	trimmed := strings.TrimSuffix(repoURL, ".git")
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")

	parts := strings.Split(trimmed, "/")
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("githost: cannot parse owner/repo from %q", repoURL)
	}
	return parts[1], parts[2], nil
}
