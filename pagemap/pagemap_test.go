package pagemap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePagemap creates a fake pagemap with one entry per page.
func writePagemap(t *testing.T, entries ...uint64) string {
	t.Helper()
	b := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		binary.NativeEndian.PutUint64(b[i*entrySize:], e)
	}
	path := filepath.Join(t.TempDir(), "pagemap")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestPagemap_Resolve(t *testing.T) {
	path := writePagemap(t,
		0,
		presentFlag|0x1234,
		presentFlag|0x1235|1<<55,
		0x999,
	)
	p := New(WithPath(path), WithPageSize(4096))

	phys, err := p.Resolve(4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234*4096), phys)

	phys, err = p.Resolve(4096 + 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234*4096+100), phys)

	// Flag bits above the PFN are ignored.
	phys, err = p.Resolve(2*4096 + 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1235*4096+7), phys)
}

func TestPagemap_ResolveFailures(t *testing.T) {
	path := writePagemap(t, 0, presentFlag, 0x42)
	p := New(WithPath(path), WithPageSize(4096))

	_, err := p.Resolve(0)
	assert.ErrorIs(t, err, ErrNotPresent)

	// Present but the PFN is zeroed, which is what an unprivileged reader sees.
	_, err = p.Resolve(4096)
	assert.ErrorIs(t, err, ErrNotPresent)

	_, err = p.Resolve(2 * 4096)
	assert.ErrorIs(t, err, ErrNotPresent)

	_, err = p.Resolve(10 * 4096)
	assert.Error(t, err)

	_, err = New(WithPath(filepath.Join(t.TempDir(), "missing"))).Resolve(0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestIdentity_Resolve(t *testing.T) {
	phys, err := Identity{}.Resolve(0x7f0000001000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f0000001000), phys)

	phys, err = Identity{Offset: 1 << 40}.Resolve(0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40+0x2000), phys)
}
