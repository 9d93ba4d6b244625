package triage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqueue/internal"
	"apqueue/internal/storage"
)

type mapKV map[string][]byte

func (m mapKV) Get(key string) ([]byte, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapKV) Put(key string, value []byte) error {
	m[key] = value
	return nil
}

func TestVendorLookupBySubdomain(t *testing.T) {
	d := DefaultVendorDirectory()

	v, ok := d.Lookup(`"Stripe" <invoice+statements@mail.stripe.com>`)
	require.True(t, ok)
	assert.Equal(t, "Stripe", v.Name)

	v, ok = d.Lookup("no-reply@aws.amazon.com")
	require.True(t, ok)
	assert.Equal(t, "Amazon Web Services", v.Name)

	_, ok = d.Lookup("someone@notstripe.com")
	assert.False(t, ok)
	_, ok = d.Lookup("not an address")
	assert.False(t, ok)
}

func TestParseVendorsYAML(t *testing.T) {
	list, err := ParseVendorsYAML([]byte("- name: Acme\n  domains: [acme.com]\n  gl_code: \"6000\"\n"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "6000", list[0].GLCode)

	doc, err := ParseVendorsYAML([]byte("vendors:\n  - name: Globex\n    domains:\n      - globex.example\n"))
	require.NoError(t, err)
	require.Len(t, doc, 1)
	assert.Equal(t, []string{"globex.example"}, doc[0].Domains)

	_, err = ParseVendorsYAML([]byte("vendors: [unclosed"))
	assert.Error(t, err)
}

func TestVendorMergeReplacesByName(t *testing.T) {
	d := NewVendorDirectory(internal.VendorConfig{Name: "Acme Inc.", Domains: []string{"acme.com"}})
	d.Merge([]internal.VendorConfig{{Name: "acme", GLCode: "6200"}, {Name: "  "}})

	list := d.List()
	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0].Name)
	assert.Equal(t, "6200", list[0].GLCode)
	assert.Equal(t, []string{"acme.com"}, list[0].Domains)

	v, ok := d.LookupName("ACME, Inc")
	require.True(t, ok)
	assert.Equal(t, "6200", v.GLCode)
}

func TestVendorImportPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vendors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vendors:\n  - name: Initech\n    domains: [INITECH.example]\n    gl_code: \"6100\"\n"), 0o644))

	kv := mapKV{}
	d := NewVendorDirectory()
	n, err := d.Import(path, kv)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, string(kv[storage.KeyVendors]), "Initech")

	reloaded := NewVendorDirectory()
	require.NoError(t, reloaded.LoadStored(kv))
	v, ok := reloaded.Lookup("ap@billing.initech.example")
	require.True(t, ok)
	assert.Equal(t, "6100", v.GLCode)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("vendors: []\n"), 0o644))
	_, err = d.Import(empty, kv)
	assert.ErrorIs(t, err, ErrNoVendors)
}
