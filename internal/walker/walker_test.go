package walker

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, rel := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x = 1\n"), 0o644))
	}
}

func collect(t *testing.T, root string, opts Options) []string {
	t.Helper()
	seq, err := Walk(root, opts)
	require.NoError(t, err)
	var out []string
	for f := range seq {
		out = append(out, f.Rel)
	}
	return out
}

func TestWalkSkipsIgnoredAndHiddenDirectories(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"app.py",
		"src/main.go",
		"src/util.js",
		"node_modules/a.js",
		"node_modules/pkg/b.js",
		".git/hooks/pre-commit.py",
		".cache/tmp.py",
		"venv/lib/site.py",
		"dist/bundle.js",
		"build/out.java",
		"README.md",
		"src/.hidden.py",
	)

	got := collect(t, root, Options{})
	assert.Equal(t, []string{"app.py", "src/main.go", "src/util.js"}, got)
}

func TestWalkIsDeterministic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "b/z.py", "a/y.py", "c.ts", "a/x.rb", "b/a.php")

	first := collect(t, root, Options{})
	second := collect(t, root, Options{})

	assert.Equal(t, first, second)
	assert.True(t, slices.IsSorted(first), "walk order should be lexical: %v", first)
	assert.Len(t, first, 5)
}

func TestWalkFileMetadata(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "pkg/Handler.JAVA")

	seq, err := Walk(root, Options{})
	require.NoError(t, err)

	var files []File
	for f := range seq {
		files = append(files, f)
	}
	require.Len(t, files, 1)
	assert.Equal(t, "pkg/Handler.JAVA", files[0].Rel)
	assert.Equal(t, ".java", files[0].Ext)
	assert.Equal(t, "java", files[0].Language)
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolved, "pkg", "Handler.JAVA"), files[0].Path)
}

func TestWalkExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "app.py", "tests/test_app.py", "gen/api.pb.go", "lib/core.go")

	got := collect(t, root, Options{Exclude: []string{"tests", "*.pb.go"}})
	assert.Equal(t, []string{"app.py", "lib/core.go"}, got)
}

func TestWalkExtraIgnoreDirs(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "app.py", "third_party/lib.py", "node_modules/x.js")

	got := collect(t, root, Options{IgnoreDirs: []string{"third_party"}})
	assert.Equal(t, []string{"app.py"}, got)
}

func TestWalkExtensionOverride(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "app.py", "query.sql", "main.go")

	got := collect(t, root, Options{Extensions: map[string]string{"sql": "sql", ".PY": "python"}})
	assert.Equal(t, []string{"app.py", "query.sql"}, got)
}

func TestWalkStopsWhenConsumerBreaks(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.py", "b.py", "c.py")

	seq, err := Walk(root, Options{})
	require.NoError(t, err)

	var seen []string
	for f := range seq {
		seen = append(seen, f.Rel)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a.py", "b.py"}, seen)
}

func TestWalkInvalidRoot(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "single.py")
	require.NoError(t, os.WriteFile(file, []byte("x\n"), 0o644))

	cases := map[string]string{
		"missing": filepath.Join(root, "does-not-exist"),
		"file":    file,
		"empty":   "",
		"blank":   "   ",
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			seq, err := Walk(path, Options{})
			assert.Nil(t, seq)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRoot))

			var rootErr *InvalidRootError
			require.True(t, errors.As(err, &rootErr))
			assert.Equal(t, path, rootErr.Root)
		})
	}
}

func TestWalkFollowsSymlinkedRoot(t *testing.T) {
	target := t.TempDir()
	writeTree(t, target, "app.py", "src/main.go", "node_modules/a.js")
	link := filepath.Join(t.TempDir(), "project")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	assert.Equal(t, []string{"app.py", "src/main.go"}, collect(t, link, Options{}))
}

func TestResolveRoot(t *testing.T) {
	target := t.TempDir()
	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)

	got, err := ResolveRoot(target)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(target, link); err == nil {
		got, err = ResolveRoot(link)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Whitespace is part of the path, not trimmed away.
	_, err = ResolveRoot(" " + target + " ")
	assert.ErrorIs(t, err, ErrInvalidRoot)
}

func TestWalkEmptyDirectory(t *testing.T) {
	assert.Empty(t, collect(t, t.TempDir(), Options{}))
}

func TestCandidate(t *testing.T) {
	opts := Options{Exclude: []string{"gen/*"}}

	assert.True(t, Candidate("src/app.py", opts))
	assert.True(t, Candidate("main.GO", opts))
	assert.False(t, Candidate("node_modules/pkg/index.js", opts))
	assert.False(t, Candidate("src/.cache/x.py", opts))
	assert.False(t, Candidate("gen/api.go", opts))
	assert.False(t, Candidate("docs/readme.md", opts))
	assert.False(t, Candidate(".env", opts))
}

func TestSkipDir(t *testing.T) {
	assert.True(t, SkipDir("node_modules", "web/node_modules", Options{}))
	assert.True(t, SkipDir(".idea", ".idea", Options{}))
	assert.True(t, SkipDir("fixtures", "testdata/fixtures", Options{Exclude: []string{"testdata/*"}}))
	assert.False(t, SkipDir("src", "src", Options{}))
}
