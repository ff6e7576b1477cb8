// Package kubelive implements a live store on top of ConfigMaps in a single
// Kubernetes namespace. Every record is one ConfigMap labeled with its kind;
// the record itself is stored as JSON under the "record" key.
package kubelive

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"testctx/internal/dataset"
	"testctx/internal/store"
	"testctx/pkg/logging"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// LabelKind carries the entity kind of a record ConfigMap.
	LabelKind = "testctx.io/kind"
	// LabelManaged marks ConfigMaps owned by this store.
	LabelManaged = "testctx.io/managed"

	dataKey = "record"
)

// Store is a ConfigMap-backed live store.
type Store struct {
	client    kubernetes.Interface
	namespace string
	context   string
}

// New wraps an existing clientset.
func New(client kubernetes.Interface, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

// Open builds a clientset from the local kubeconfig. An empty kubeContext
// uses the current context; a non-empty token replaces the configured credentials.
func Open(ctx context.Context, namespace, kubeContext, token string) (*Store, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)

	restConfig, err := kubeConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get REST config for context %q: %w", kubeContext, err)
	}
	restConfig.Timeout = 15 * time.Second
	if token != "" {
		restConfig.BearerToken = token
		restConfig.BearerTokenFile = ""
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset for context %q: %w", kubeContext, err)
	}

	s := New(clientset, namespace)
	s.context = kubeContext
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	logging.Debug("ProductionProvider", "Connected to live store %s", s.Info())
	return s, nil
}

// Info implements store.RowStore.
func (s *Store) Info() store.ConnectionInfo {
	return store.ConnectionInfo{Driver: "kube", Host: s.context, Database: s.namespace}
}

// Ping implements store.Live.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.CoreV1().ConfigMaps(s.namespace).List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("live store unreachable: %w", err)
	}
	return nil
}

// Close implements store.Live.
func (s *Store) Close() error {
	return nil
}

// Rows implements store.RowStore.
func (s *Store) Rows(ctx context.Context, kind string) ([]dataset.Record, error) {
	list, err := s.client.CoreV1().ConfigMaps(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelKind, kind),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s in namespace %s: %w", kind, s.namespace, err)
	}

	out := make([]dataset.Record, 0, len(list.Items))
	for i := range list.Items {
		rec, err := decode(&list.Items[i])
		if err != nil {
			logging.Warn("ProductionProvider", "Skipping unreadable ConfigMap %s: %v", list.Items[i].Name, err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindMarked implements store.Live.
func (s *Store) FindMarked(ctx context.Context, kind, marker string) ([]dataset.Record, error) {
	rows, err := s.Rows(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		if r.IsTest || strings.HasPrefix(r.Name, marker) || strings.HasPrefix(r.ID, marker) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Get implements store.RowStore.
func (s *Store) Get(ctx context.Context, kind, id string) (dataset.Record, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, objectName(kind, id), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return dataset.Record{}, store.NotFound(kind, id)
		}
		return dataset.Record{}, fmt.Errorf("failed to get %s/%s: %w", kind, id, err)
	}
	return decode(cm)
}

// Create implements store.RowStore.
func (s *Store) Create(ctx context.Context, rec dataset.Record) (dataset.Record, error) {
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("%s-%d", rec.Kind, time.Now().UnixNano())
	}
	cm, err := encode(rec)
	if err != nil {
		return dataset.Record{}, err
	}
	if _, err := s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return dataset.Record{}, fmt.Errorf("failed to create %s: %w", rec, err)
	}
	return rec, nil
}

// Update implements store.RowStore.
func (s *Store) Update(ctx context.Context, rec dataset.Record) error {
	cms := s.client.CoreV1().ConfigMaps(s.namespace)
	existing, err := cms.Get(ctx, objectName(rec.Kind, rec.ID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return store.NotFound(rec.Kind, rec.ID)
		}
		return fmt.Errorf("failed to get %s: %w", rec, err)
	}
	updated, err := encode(rec)
	if err != nil {
		return err
	}
	existing.Data = updated.Data
	existing.Labels = updated.Labels
	if _, err := cms.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update %s: %w", rec, err)
	}
	return nil
}

// Delete implements store.RowStore.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	err := s.client.CoreV1().ConfigMaps(s.namespace).Delete(ctx, objectName(kind, id), metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return store.NotFound(kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", kind, id, err)
	}
	return nil
}

// objectName maps a record to a valid DNS-1123 ConfigMap name.
func objectName(kind, id string) string {
	sum := sha1.Sum([]byte(kind + "/" + id))
	prefix := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, kind)
	if len(prefix) > 40 {
		prefix = prefix[:40]
	}
	return strings.Trim(prefix, "-") + "-" + hex.EncodeToString(sum[:8])
}

func encode(rec dataset.Record) (*corev1.ConfigMap, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", rec, err)
	}
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name: objectName(rec.Kind, rec.ID),
			Labels: map[string]string{
				LabelKind:    rec.Kind,
				LabelManaged: "true",
			},
		},
		Data: map[string]string{dataKey: string(b)},
	}, nil
}

func decode(cm *corev1.ConfigMap) (dataset.Record, error) {
	raw, ok := cm.Data[dataKey]
	if !ok {
		return dataset.Record{}, fmt.Errorf("missing %q key", dataKey)
	}
	var rec dataset.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return dataset.Record{}, err
	}
	if rec.Kind == "" {
		rec.Kind = cm.Labels[LabelKind]
	}
	return rec, nil
}
