package state

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestModuleHashDeterministic(t *testing.T) {
	fsys := fstest.MapFS{
		"mod/main.tf":                &fstest.MapFile{Data: []byte("resource \"x\" {}")},
		"mod/vars.tf":                &fstest.MapFile{Data: []byte("variable \"y\" {}")},
		"mod/.module-overrides.yaml": &fstest.MapFile{Data: []byte("include: ['*.tf']")},
	}

	h1, err := ModuleHash(fsys, "mod", DefaultRetention())
	require.NoError(t, err)
	require.Len(t, h1, 32)

	h2, err := ModuleHash(fsys, "mod", DefaultRetention())
	require.NoError(t, err)
	require.Equal(t, h1, h2, "hashing the same tree twice must be stable")
}

func TestModuleHashChangesOnContentEdit(t *testing.T) {
	base := fstest.MapFS{"mod/main.tf": &fstest.MapFile{Data: []byte("a")}}
	edited := fstest.MapFS{"mod/main.tf": &fstest.MapFile{Data: []byte("b")}}

	h1, err := ModuleHash(base, "mod", DefaultRetention())
	require.NoError(t, err)
	h2, err := ModuleHash(edited, "mod", DefaultRetention())
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestModuleHashChangesOnRename(t *testing.T) {
	base := fstest.MapFS{"mod/main.tf": &fstest.MapFile{Data: []byte("a")}}
	renamed := fstest.MapFS{"mod/other.tf": &fstest.MapFile{Data: []byte("a")}}

	h1, err := ModuleHash(base, "mod", DefaultRetention())
	require.NoError(t, err)
	h2, err := ModuleHash(renamed, "mod", DefaultRetention())
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestModuleHashIgnoresOverrideFileContents(t *testing.T) {
	a := fstest.MapFS{
		"mod/main.tf":                &fstest.MapFile{Data: []byte("a")},
		"mod/.module-overrides.yaml": &fstest.MapFile{Data: []byte("include: ['*']")},
	}
	b := fstest.MapFS{
		"mod/main.tf":                &fstest.MapFile{Data: []byte("a")},
		"mod/.module-overrides.yaml": &fstest.MapFile{Data: []byte("exclude: ['*.md']")},
	}

	h1, err := ModuleHash(a, "mod", DefaultRetention())
	require.NoError(t, err)
	h2, err := ModuleHash(b, "mod", DefaultRetention())
	require.NoError(t, err)
	require.Equal(t, h1, h2, "the override file's own contents must never affect the hash")
}

func TestModuleHashRespectsExcludeGlob(t *testing.T) {
	withReadme := fstest.MapFS{
		"mod/main.tf":   &fstest.MapFile{Data: []byte("a")},
		"mod/README.md": &fstest.MapFile{Data: []byte("docs")},
	}
	withoutReadme := fstest.MapFS{
		"mod/main.tf": &fstest.MapFile{Data: []byte("a")},
	}

	rule := RetentionRule{Include: []string{"*"}, Exclude: []string{"*.md"}}
	h1, err := ModuleHash(withReadme, "mod", rule)
	require.NoError(t, err)
	h2, err := ModuleHash(withoutReadme, "mod", rule)
	require.NoError(t, err)
	require.Equal(t, h1, h2, "excluded files must not affect the hash")
}
