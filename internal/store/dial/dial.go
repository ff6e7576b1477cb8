// Package dial opens a live store from a descriptor string.
//
// Supported descriptors:
//
//	postgres://user@host/db   PostgreSQL (also postgresql://)
//	kube://namespace          ConfigMaps in namespace, current kubeconfig context
//	kube://namespace?context=name
//	mem://name                in-process store, empty on open
package dial

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"testctx/internal/store"
	"testctx/internal/store/kubelive"
	"testctx/internal/store/pglive"
)

var (
	memMu     sync.Mutex
	memStores = map[string]*store.Memory{}
)

// RegisterMemory makes m reachable through mem://name. Tests and embedders
// use it to hand a pre-seeded store to the production provider.
func RegisterMemory(name string, m *store.Memory) {
	memMu.Lock()
	defer memMu.Unlock()
	memStores[name] = m
}

// shared keeps a registered memory store usable across runs.
type shared struct {
	*store.Memory
}

func (shared) Close() error { return nil }

// Live opens the store described by descriptor. token, when non-empty,
// replaces the credentials embedded in the descriptor.
func Live(ctx context.Context, descriptor, token string) (store.Live, error) {
	u, err := url.Parse(descriptor)
	if err != nil {
		return nil, fmt.Errorf("invalid live store descriptor: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		if token != "" {
			user := "postgres"
			if u.User != nil {
				user = u.User.Username()
			}
			u.User = url.UserPassword(user, token)
		}
		return pglive.Open(ctx, u.String())
	case "kube":
		ns := u.Host
		if ns == "" {
			ns = strings.TrimPrefix(u.Path, "/")
		}
		if ns == "" {
			return nil, fmt.Errorf("kube descriptor %q names no namespace", descriptor)
		}
		return kubelive.Open(ctx, ns, u.Query().Get("context"), token)
	case "mem":
		name := u.Host
		memMu.Lock()
		defer memMu.Unlock()
		m, ok := memStores[name]
		if !ok {
			m = store.NewMemory(name)
			memStores[name] = m
		}
		return shared{m}, nil
	case "":
		return nil, fmt.Errorf("live store descriptor %q has no scheme", descriptor)
	default:
		return nil, fmt.Errorf("unsupported live store scheme %q", u.Scheme)
	}
}
