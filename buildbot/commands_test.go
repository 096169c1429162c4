package buildbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"sync"
	"testing"
)

func newTestRouter(t testing.TB) (*Router, *BuildStore) {
	t.Helper()
	store := newTestStore(t)
	return NewRouter(store, DefaultCommandPrefix, testLogger(t)), store
}

func dispatchMessage(
	t testing.TB,
	r *Router,
	content string,
	author string,
) (string, error) {
	t.Helper()
	inv, ok := r.ParseMessage(content, author)
	require.True(t, ok, "expected %q to parse as a command", content)
	return r.Dispatch(context.Background(), inv)
}

// failingStore returns err from every method, and records whether it
// was called.
type failingStore struct {
	err    error
	called bool
}

func (f *failingStore) Add(context.Context, string, string, string) error {
	f.called = true
	return f.err
}

func (f *failingStore) ListFor(context.Context, string) ([]Build, error) {
	f.called = true
	return nil, f.err
}

func (f *failingStore) DeleteFor(context.Context, string, string) (int64, error) {
	f.called = true
	return 0, f.err
}

func TestParseArgs(t *testing.T) {
	t.Parallel()
	addParams := addCommand{}.Params()
	getParams := getCommand{}.Params()

	tests := []struct {
		name     string
		params   []Param
		input    string
		want     map[string]string
		missing  string
		unclosed string
	}{
		{
			name:   "positional and remainder",
			params: addParams,
			input:  " ashe Kraken Slayer -> Runaan's -> IE ",
			want: map[string]string{
				"champion": "ashe",
				"build":    "Kraken Slayer -> Runaan's -> IE",
			},
		},
		{
			name:   "quoted positional",
			params: addParams,
			input:  `"miss fortune" Collector -> IE`,
			want: map[string]string{
				"champion": "miss fortune",
				"build":    "Collector -> IE",
			},
		},
		{
			name:   "remainder keeps inner whitespace",
			params: addParams,
			input:  "jinx  Kraken   Slayer\nIE",
			want: map[string]string{
				"champion": "jinx",
				"build":    "Kraken   Slayer\nIE",
			},
		},
		{
			name:   "extra words ignored",
			params: getParams,
			input:  "ashe please",
			want:   map[string]string{"champion": "ashe"},
		},
		{
			name:    "missing remainder",
			params:  addParams,
			input:   "ashe   ",
			missing: "build",
		},
		{
			name:    "missing positional",
			params:  getParams,
			input:   "",
			missing: "champion",
		},
		{
			name:     "unclosed quote",
			params:   getParams,
			input:    `"miss fortune`,
			unclosed: "champion",
		},
		{
			name:     "unclosed quote before remainder",
			params:   addParams,
			input:    `"miss fortune Collector -> IE`,
			unclosed: "champion",
		},
		{
			name:   "quote inside remainder",
			params: addParams,
			input:  `ashe rush "Kraken`,
			want: map[string]string{
				"champion": "ashe",
				"build":    `rush "Kraken`,
			},
		},
		{
			name:    "empty quotes",
			params:  getParams,
			input:   `""`,
			missing: "champion",
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				args, err := parseArgs(tc.params, tc.input)
				if tc.unclosed != "" {
					var quoteErr *UnclosedQuoteError
					require.ErrorAs(t, err, &quoteErr)
					assert.Equal(t, tc.unclosed, quoteErr.Param.Name)
					return
				}
				if tc.missing != "" {
					var argErr *MissingArgumentError
					require.ErrorAs(t, err, &argErr)
					assert.Equal(t, tc.missing, argErr.Param.Name)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.want, args)
			},
		)
	}
}

func TestRouter_ParseMessage(t *testing.T) {
	t.Parallel()
	r := NewRouter(&failingStore{}, "!", testLogger(t))

	inv, ok := r.ParseMessage("!get ashe", "alice")
	require.True(t, ok)
	assert.Equal(t, commandGet, inv.Command)
	assert.Equal(t, " ashe", inv.RawArgs)
	assert.Equal(t, "alice", inv.Author)
	assert.Equal(t, "!", inv.Prefix)
	assert.NotEmpty(t, inv.ID)

	other, ok := r.ParseMessage("!get ashe", "alice")
	require.True(t, ok)
	assert.NotEqual(t, inv.ID, other.ID)

	inv, ok = r.ParseMessage("!help", "alice")
	require.True(t, ok)
	assert.Equal(t, commandHelp, inv.Command)

	for _, content := range []string{
		"get ashe",
		"! get ashe",
		"!GET ashe",
		"!unknown ashe",
		"!",
		"",
		"?get ashe",
		`!"get" ashe`,
	} {
		_, ok = r.ParseMessage(content, "alice")
		assert.False(t, ok, "content: %q", content)
	}
}

func TestRouter_AddGet(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	reply, err := dispatchMessage(
		t,
		r,
		"!add Ashe Kraken Slayer -> Runaan's -> IE",
		"alice",
	)
	require.NoError(t, err)
	assert.Equal(t, "✅ Build for **Ashe** saved!", reply)

	reply, err = dispatchMessage(t, r, "!get ashe", "bob")
	require.NoError(t, err)
	assert.Equal(
		t,
		"**Builds for Ashe**:\n- Kraken Slayer -> Runaan's -> IE *(by alice)*",
		reply,
	)
}

func TestRouter_DeleteOnlyOwnBuilds(t *testing.T) {
	t.Parallel()
	r, store := newTestRouter(t)

	_, err := dispatchMessage(t, r, "!add ashe BT first", "alice")
	require.NoError(t, err)
	_, err = dispatchMessage(t, r, "!add ashe IE first", "bob")
	require.NoError(t, err)

	reply, err := dispatchMessage(t, r, "!delete ashe", "alice")
	require.NoError(t, err)
	assert.Equal(t, "🗑️ Deleted your builds for **Ashe** (if any).", reply)

	builds, err := store.ListFor(context.Background(), "ashe")
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, "bob", builds[0].Author)
	assert.Equal(t, "IE first", builds[0].Build)

	// same reply when nothing was deleted
	reply, err = dispatchMessage(t, r, "!delete ashe", "alice")
	require.NoError(t, err)
	assert.Equal(t, "🗑️ Deleted your builds for **Ashe** (if any).", reply)
}

func TestRouter_GetNotFound(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	reply, err := dispatchMessage(t, r, "!get zed", "alice")
	require.NoError(t, err)
	assert.Equal(t, "❄️ No builds found for **Zed** yet.", reply)
}

func TestRouter_QuotedChampion(t *testing.T) {
	t.Parallel()
	r, store := newTestRouter(t)

	reply, err := dispatchMessage(
		t,
		r,
		`!add "Miss Fortune" Collector -> IE`,
		"alice",
	)
	require.NoError(t, err)
	assert.Equal(t, "✅ Build for **Miss Fortune** saved!", reply)

	builds, err := store.ListFor(context.Background(), "miss fortune")
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, "miss fortune", builds[0].Champion)

	reply, err = dispatchMessage(t, r, `!get "miss fortune"`, "bob")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, "**Builds for Miss Fortune**:"))
}

func TestRouter_MissingArgument(t *testing.T) {
	t.Parallel()
	store := &failingStore{err: errors.New("should not be called")}
	r := NewRouter(store, "!", testLogger(t))

	inv, ok := r.ParseMessage("!add ashe", "alice")
	require.True(t, ok)

	_, err := r.Dispatch(context.Background(), inv)
	var argErr *MissingArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "build", argErr.Param.Name)
	assert.False(t, store.called)

	reply, ok := r.ErrorReply(inv, err)
	require.True(t, ok)
	assert.Equal(
		t,
		"⚠️ Missing argument `build`. Usage: `!add <champion> <build>`",
		reply,
	)

	inv, ok = r.ParseMessage("!get", "alice")
	require.True(t, ok)
	_, err = r.Dispatch(context.Background(), inv)
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "champion", argErr.Param.Name)
	assert.False(t, store.called)
}

func TestRouter_UnclosedQuote(t *testing.T) {
	t.Parallel()
	store := &failingStore{err: errors.New("should not be called")}
	r := NewRouter(store, "!", testLogger(t))

	inv, ok := r.ParseMessage(`!get "miss fortune`, "alice")
	require.True(t, ok)

	_, err := r.Dispatch(context.Background(), inv)
	var quoteErr *UnclosedQuoteError
	require.ErrorAs(t, err, &quoteErr)
	assert.Equal(t, "champion", quoteErr.Param.Name)
	assert.False(t, store.called)

	reply, ok := r.ErrorReply(inv, err)
	require.True(t, ok)
	assert.Equal(
		t,
		"⚠️ Expected a closing quote for `champion`. Usage: `!get <champion>`",
		reply,
	)
}

func TestRouter_ConcurrentDispatch(t *testing.T) {
	t.Parallel()
	r, store := newTestRouter(t)
	ctx := context.Background()

	champions := []string{
		"miss fortune",
		"ashe",
		"twisted fate",
		"jarvan iv",
		"lee sin",
		"aurelion sol",
		"master yi",
		"dr. mundo",
	}
	expected := map[string]string{
		"miss fortune": "Miss Fortune",
		"ashe":         "Ashe",
		"twisted fate": "Twisted Fate",
		"jarvan iv":    "Jarvan Iv",
		"lee sin":      "Lee Sin",
		"aurelion sol": "Aurelion Sol",
		"master yi":    "Master Yi",
		"dr. mundo":    "Dr. Mundo",
	}
	const rounds = 20

	wg := &sync.WaitGroup{}
	errs := make(chan error, len(champions)*rounds*2)
	for i, champion := range champions {
		author := fmt.Sprintf("user%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			display := expected[champion]
			for n := 0; n < rounds; n++ {
				inv, ok := r.ParseMessage(
					fmt.Sprintf(`!add "%s" build %d`, champion, n),
					author,
				)
				if !ok {
					errs <- fmt.Errorf("%s: add didn't parse", champion)
					return
				}
				reply, err := r.Dispatch(ctx, inv)
				if err != nil {
					errs <- err
					return
				}
				if want := fmt.Sprintf("✅ Build for **%s** saved!", display); reply != want {
					errs <- fmt.Errorf("expected %q, got %q", want, reply)
				}

				inv, _ = r.ParseMessage(fmt.Sprintf(`!get "%s"`, champion), author)
				reply, err = r.Dispatch(ctx, inv)
				if err != nil {
					errs <- err
					return
				}
				header := fmt.Sprintf("**Builds for %s**:\n", display)
				if !strings.HasPrefix(reply, header) {
					errs <- fmt.Errorf("expected prefix %q, got %q", header, reply)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	for i, champion := range champions {
		builds, err := store.ListFor(ctx, champion)
		require.NoError(t, err)
		require.Len(t, builds, rounds, champion)
		for _, b := range builds {
			assert.Equal(t, fmt.Sprintf("user%d", i), b.Author)
		}
	}
}

func TestRouter_PresetArgs(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	inv := newInvocation(commandAdd, slashPrefix, "alice")
	inv.Args = map[string]string{"champion": "ashe", "build": "IE first"}
	reply, err := r.Dispatch(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "✅ Build for **Ashe** saved!", reply)

	inv = newInvocation(commandAdd, slashPrefix, "alice")
	inv.Args = map[string]string{"champion": "ashe", "build": "  "}
	_, err = r.Dispatch(context.Background(), inv)
	var argErr *MissingArgumentError
	require.ErrorAs(t, err, &argErr)

	reply, ok := r.ErrorReply(inv, err)
	require.True(t, ok)
	assert.Contains(t, reply, "`/add <champion> <build>`")
}

func TestRouter_StorageError(t *testing.T) {
	t.Parallel()
	storageErr := &StorageError{Op: "list", Err: errors.New("disk I/O error")}
	store := &failingStore{err: storageErr}
	r := NewRouter(store, "!", testLogger(t))

	inv, ok := r.ParseMessage("!get ashe", "alice")
	require.True(t, ok)

	reply, err := r.Dispatch(context.Background(), inv)
	require.Error(t, err)
	assert.Empty(t, reply)
	assert.True(t, store.called)

	var se *StorageError
	require.ErrorAs(t, err, &se)

	_, ok = r.ErrorReply(inv, err)
	assert.False(t, ok)
}

func TestRouter_UnknownCommand(t *testing.T) {
	t.Parallel()
	r := NewRouter(&failingStore{}, "!", testLogger(t))
	_, err := r.Dispatch(
		context.Background(),
		newInvocation("nope", "!", "alice"),
	)
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRouter_Help(t *testing.T) {
	t.Parallel()
	r := NewRouter(&failingStore{}, "!", testLogger(t))

	reply, err := dispatchMessage(t, r, "!help", "alice")
	require.NoError(t, err)

	expected := strings.Join(
		[]string{
			"**Commands**:",
			"`!add <champion> <build>` - Store a build for a champion.",
			"`!delete <champion>` - Delete all builds for a champion that you submitted.",
			"`!get <champion>` - Retrieve builds for a champion.",
			"`!help` - Show available commands.",
		},
		"\n",
	)
	assert.Equal(t, expected, reply)
}

func TestDisplayChampion(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Ashe", displayChampion("ashe"))
	assert.Equal(t, "Ashe", displayChampion("ASHE"))
	assert.Equal(t, "Miss Fortune", displayChampion("miss fortune"))
	assert.Equal(t, "ashe", normalizeChampion(" AsHe "))
}

func TestDisplayChampionConcurrent(t *testing.T) {
	t.Parallel()
	inputs := map[string]string{
		"miss fortune": "Miss Fortune",
		"TWISTED FATE": "Twisted Fate",
		"ashe":         "Ashe",
		"lee sin":      "Lee Sin",
	}

	wg := &sync.WaitGroup{}
	mismatches := make(chan string, 1000)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 500; n++ {
				for in, want := range inputs {
					if got := displayChampion(in); got != want {
						select {
						case mismatches <- fmt.Sprintf("%q: %q", in, got):
						default:
						}
					}
				}
			}
		}()
	}
	wg.Wait()
	close(mismatches)

	var got []string
	for m := range mismatches {
		got = append(got, m)
	}
	assert.Empty(t, got)
}
