package board

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warped-pinball/trench-coat/internal/replraw"
)

func withFastIdleThreshold(t *testing.T) {
	t.Helper()
	orig := replraw.IdleThreshold
	replraw.IdleThreshold = 5 * time.Millisecond
	t.Cleanup(func() { replraw.IdleThreshold = orig })
}

// okFrame builds the "OK<stdout>\x04<stderr>\x04" frame a board's
// raw-REPL firmware returns on success.
func okFrame(stdout string) []byte {
	return []byte("OK" + stdout + "\x04\x04")
}

func TestDeltaSetSkipsMatchingHashes(t *testing.T) {
	files := []FileDescriptor{
		{Path: "/main.py", SHA256Hex: "abc"},
		{Path: "/lib/helper.py", SHA256Hex: "def"},
	}
	index := map[string]string{
		"/main.py":       "abc",
		"/lib/helper.py": "stale",
	}

	delta := deltaSet(files, index)
	assert.Len(t, delta, 1)
	assert.Equal(t, "/lib/helper.py", delta[0].Path)
}

func TestDeltaSetAlwaysIncludesExecuteFiles(t *testing.T) {
	files := []FileDescriptor{
		{Path: "/migrate.py", SHA256Hex: "abc", Execute: true},
	}
	index := map[string]string{"/migrate.py": "abc"}

	delta := deltaSet(files, index)
	assert.Len(t, delta, 1)
}

func TestDeltaSetIncludesMissingFiles(t *testing.T) {
	files := []FileDescriptor{{Path: "/new.py", SHA256Hex: "abc"}}
	delta := deltaSet(files, map[string]string{})
	assert.Len(t, delta, 1)
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/lib", parentDir("/lib/helper.py"))
	assert.Equal(t, "", parentDir("/main.py"))
	assert.Equal(t, "", parentDir("main.py"))
}

func TestPyStringList(t *testing.T) {
	assert.Equal(t, "[]", pyStringList(nil))
	assert.Equal(t, `["config.json"]`, pyStringList([]string{"config.json"}))
	assert.Equal(t, `["a", "b"]`, pyStringList([]string{"a", "b"}))
}

func TestParseFailingPathsEmptyResult(t *testing.T) {
	assert.Nil(t, parseFailingPaths("[]"))
	assert.Nil(t, parseFailingPaths("  "))
}

func TestParseFailingPathsExtractsPaths(t *testing.T) {
	out := "[('/main.py', False), ('/lib/helper.py', False)]"
	failing := parseFailingPaths(out)
	assert.ElementsMatch(t, []string{"/main.py", "/lib/helper.py"}, failing)
}

func TestHashIndexParsesBoardJSON(t *testing.T) {
	withFastIdleThreshold(t)

	fake := replraw.NewFakeChannel(func(script []byte) []byte {
		return okFrame(`{"/main.py": "abc"}`)
	})
	c := New(replraw.OpenFake(fake, replraw.FramingStrict), 0, nil)

	index, err := c.HashIndex()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/main.py": "abc"}, index)
}

func TestTransferHappyPathSkipsUnchangedAndWritesNew(t *testing.T) {
	withFastIdleThreshold(t)

	body := []byte("print('hello')")
	newFile := FileDescriptor{
		Path:      "/lib/new.py",
		BodyB64:   base64.StdEncoding.EncodeToString(body),
		SHA256Hex: "newhash",
	}
	unchanged := FileDescriptor{Path: "/main.py", SHA256Hex: "same"}

	var sawWrite bool
	fake := replraw.NewFakeChannel(func(script []byte) []byte {
		s := string(script)
		switch {
		case strings.Contains(s, "_walk('/'"):
			return okFrame(`{"/main.py": "same"}`)
		case strings.Contains(s, "hash_checks = []"):
			return okFrame("")
		case strings.Contains(s, "f = open("):
			sawWrite = true
			return okFrame("")
		case strings.Contains(s, "hash_checks if not"):
			return okFrame("[]")
		default:
			return okFrame("")
		}
	})
	c := New(replraw.OpenFake(fake, replraw.FramingStrict), 0, nil)

	err := c.Transfer([]FileDescriptor{unchanged, newFile})
	require.NoError(t, err)
	assert.True(t, sawWrite, "Transfer must submit a write script for the changed file")
}

func TestTransferAlwaysRunsExecuteHookEvenWhenUnchanged(t *testing.T) {
	withFastIdleThreshold(t)

	hook := FileDescriptor{
		Path:      "/migrate.py",
		BodyB64:   base64.StdEncoding.EncodeToString([]byte("pass")),
		SHA256Hex: "samehash",
		Execute:   true,
	}

	var sawExecute bool
	fake := replraw.NewFakeChannel(func(script []byte) []byte {
		s := string(script)
		switch {
		case strings.Contains(s, "_walk('/'"):
			return okFrame(`{"/migrate.py": "samehash"}`)
		case strings.Contains(s, "execute_file('/migrate.py')"):
			sawExecute = true
			return okFrame("")
		case strings.Contains(s, "hash_checks if not"):
			return okFrame("[]")
		default:
			return okFrame("")
		}
	})
	c := New(replraw.OpenFake(fake, replraw.FramingStrict), 0, nil)

	err := c.Transfer([]FileDescriptor{hook})
	require.NoError(t, err)
	assert.True(t, sawExecute, "Execute-marked files run even when their hash already matches")
}

func TestTransferSurfacesVerifyErrorOnHashMismatch(t *testing.T) {
	withFastIdleThreshold(t)

	f := FileDescriptor{
		Path:      "/main.py",
		BodyB64:   base64.StdEncoding.EncodeToString([]byte("x")),
		SHA256Hex: "expected",
	}

	fake := replraw.NewFakeChannel(func(script []byte) []byte {
		s := string(script)
		switch {
		case strings.Contains(s, "_walk('/'"):
			return okFrame(`{}`)
		case strings.Contains(s, "hash_checks if not"):
			return okFrame("[('/main.py', False)]")
		default:
			return okFrame("")
		}
	})
	c := New(replraw.OpenFake(fake, replraw.FramingStrict), 0, nil)

	err := c.Transfer([]FileDescriptor{f})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/main.py")
}

func TestWipeFilesystemReportsCompletion(t *testing.T) {
	withFastIdleThreshold(t)

	fake := replraw.NewFakeChannel(func(script []byte) []byte {
		assert.Contains(t, string(script), "_rm('/')")
		return okFrame("DONE")
	})
	c := New(replraw.OpenFake(fake, replraw.FramingStrict), 0, nil)

	err := c.WipeFilesystem([]string{"/config.json"})
	require.NoError(t, err)
}
