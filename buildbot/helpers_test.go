package buildbot

import (
	"bytes"
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()

	type inner struct {
		Name string `json:"name"`
	}
	type sample struct {
		Secret  string   `json:"secret" log:"[redacted]"`
		Visible string   `json:"visible"`
		Empty   string   `json:"empty"`
		NoTag   int
		Inner   *inner   `json:"inner"`
		Nil     *inner   `json:"nil"`
		Tags    []string `json:"tags,omitempty"`
		hidden  string
	}

	v := structToSlogValue(
		sample{
			Secret:  "hunter2",
			Visible: "yes",
			NoTag:   3,
			Inner:   &inner{Name: "foo"},
			hidden:  "no",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "[redacted]", attrs["secret"].String())
	assert.Equal(t, "yes", attrs["visible"].String())
	assert.Equal(t, int64(3), attrs["NoTag"].Any())
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "nil")
	assert.NotContains(t, attrs, "tags")
	assert.NotContains(t, attrs, "hidden")

	require.Contains(t, attrs, "inner")
	innerAttrs := attrs["inner"].Group()
	require.Len(t, innerAttrs, 1)
	assert.Equal(t, "name", innerAttrs[0].Key)
	assert.Equal(t, "foo", innerAttrs[0].Value.String())

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue((*sample)(nil)))
	assert.Equal(t, "plain", structToSlogValue("plain").String())
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := testLogger(t)
	got, ok := ContextLogger(WithLogger(ctx, logger))
	require.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(ctx, nil))
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()

	for _, rc := range []any{
		errors.New("boom"),
		"boom",
		42,
	} {
		buf := &bytes.Buffer{}
		logger := slog.New(slog.NewJSONHandler(buf, nil))
		ctx := WithLogger(context.Background(), logger)

		func() {
			defer func() {
				if r := recover(); r != nil {
					handleRecover(ctx, r)
				}
			}()
			panic(rc)
		}()

		assert.Contains(t, buf.String(), "recovered from panic")
		assert.Contains(t, buf.String(), "stack_trace")
	}
}
