package kubelive

import (
	"context"
	"errors"
	"testing"

	"testctx/internal/dataset"
	"testctx/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func seeded(t *testing.T, recs ...dataset.Record) *Store {
	t.Helper()
	s := New(fake.NewSimpleClientset(), "qa")
	for _, r := range recs {
		_, err := s.Create(context.Background(), r)
		require.NoError(t, err)
	}
	return s
}

func TestFindMarked_FiltersByMarkerAndFlag(t *testing.T) {
	s := seeded(t,
		dataset.Record{Kind: "routes", ID: "r1", Name: "TEST_north"},
		dataset.Record{Kind: "routes", ID: "r2", Name: "Production route"},
		dataset.Record{Kind: "routes", ID: "r3", Name: "flagged", IsTest: true},
		dataset.Record{Kind: "tickets", ID: "t1", Name: "TEST_ticket"},
	)

	got, err := s.FindMarked(context.Background(), "routes", "TEST_")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, "r3", got[1].ID)
	assert.Equal(t, "routes", got[0].Kind)
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	rec, err := s.Create(ctx, dataset.Record{Kind: "tickets", ID: "TEST_T1", Name: "TEST_T1",
		Fields: map[string]interface{}{"lat": 40.7}})
	require.NoError(t, err)

	rec.Fields["lat"] = 40.8
	require.NoError(t, s.Update(ctx, rec))

	got, err := s.Get(ctx, "tickets", "TEST_T1")
	require.NoError(t, err)
	lat, _ := got.Float("lat")
	assert.Equal(t, 40.8, lat)

	require.NoError(t, s.Delete(ctx, "tickets", "TEST_T1"))
	assert.True(t, errors.Is(s.Delete(ctx, "tickets", "TEST_T1"), store.ErrNotFound))
	_, err = s.Get(ctx, "tickets", "TEST_T1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(s.Update(ctx, rec), store.ErrNotFound))
}

func TestRows_SkipsUnreadableConfigMaps(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "broken",
			Namespace: "qa",
			Labels:    map[string]string{LabelKind: "routes"},
		},
		Data: map[string]string{"other": "x"},
	})
	s := New(client, "qa")
	_, err := s.Create(context.Background(), dataset.Record{Kind: "routes", ID: "ok", Name: "TEST_ok"})
	require.NoError(t, err)

	rows, err := s.Rows(context.Background(), "routes")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ok", rows[0].ID)
}

func TestObjectName_IsValidDNSLabel(t *testing.T) {
	name := objectName("Tickets_V2", "TEST_ticket/1")
	assert.Regexp(t, `^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`, name)
	assert.LessOrEqual(t, len(name), 63)
	assert.NotEqual(t, name, objectName("Tickets_V2", "TEST_ticket/2"))
}

func TestPing(t *testing.T) {
	s := New(fake.NewSimpleClientset(), "qa")
	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "qa", s.Info().Database)
}
