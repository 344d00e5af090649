package adapters

import (
	"context"
	"fmt"
	"os"
)

// KeySource resolves a user's decrypted signing key. Key custody and
// encryption live outside this subsystem; callers only need to know whether
// a key is available right now. An error here is a normal condition (the
// commission path records a pending row instead of failing).
type KeySource interface {
	SigningKey(ctx context.Context, userID int64) (string, error)
}

// EnvKeySource reads per-user signing keys from the environment, e.g.
// SIGNING_KEY_42 for user 42. Suitable for single-operator deployments;
// multi-tenant setups should plug in the wallet service instead.
type EnvKeySource struct {
	Prefix string // defaults to "SIGNING_KEY_"
}

func (e EnvKeySource) SigningKey(ctx context.Context, userID int64) (string, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "SIGNING_KEY_"
	}
	key := os.Getenv(fmt.Sprintf("%s%d", prefix, userID))
	if key == "" {
		return "", fmt.Errorf("no signing key configured for user %d", userID)
	}
	return key, nil
}
