package push

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedgerStore struct {
	ids   []string
	saves int
}

func (m *memLedgerStore) LoadAlerted(context.Context) ([]string, error) {
	return append([]string(nil), m.ids...), nil
}

func (m *memLedgerStore) SaveAlerted(_ context.Context, ids []string) error {
	m.ids = append([]string(nil), ids...)
	m.saves++
	return nil
}

func TestLedger_FIFOBound(t *testing.T) {
	t.Parallel()
	l := NewLedger(3, nil)
	ctx := context.Background()
	for i := range 5 {
		fresh, err := l.Add(ctx, fmt.Sprintf("j%d", i))
		require.NoError(t, err)
		assert.True(t, fresh)
	}
	assert.Equal(t, []string{"j2", "j3", "j4"}, l.IDs())
	assert.False(t, l.Contains("j0"))

	fresh, err := l.Add(ctx, "j3")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestLedger_Persists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memLedgerStore{}
	l := NewLedger(DefaultLedgerSize, store)
	_, _ = l.Add(ctx, "a")
	_, _ = l.Add(ctx, "a")
	_, _ = l.Add(ctx, "b")
	assert.Equal(t, 2, store.saves)

	restored := NewLedger(DefaultLedgerSize, store)
	require.NoError(t, restored.Load(ctx))
	assert.True(t, restored.Contains("a"))
	assert.True(t, restored.Contains("b"))
}
