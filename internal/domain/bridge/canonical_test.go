package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty", in: "", want: "{}"},
		{name: "whitespace", in: "  \n", want: "{}"},
		{name: "sorted keys", in: `{"b":2,"a":1}`, want: `{"a":1,"b":2}`},
		{name: "nested objects", in: `{"z":{"y":1,"x":[{"d":1,"c":2}]},"a":null}`, want: `{"a":null,"z":{"x":[{"c":2,"d":1}],"y":1}}`},
		{name: "numbers verbatim", in: `{"n":1.50,"big":12345678901234567890}`, want: `{"big":12345678901234567890,"n":1.50}`},
		{name: "no html escaping", in: `{"q":"<a&b>"}`, want: `{"q":"<a&b>"}`},
		{name: "array order kept", in: `[3,1,2]`, want: `[3,1,2]`},
		{name: "malformed", in: `{"a":`, wantErr: true},
		{name: "trailing data", in: `{"a":1} {"b":2}`, wantErr: true},
		{name: "invalid utf-8", in: "{\"k\":\"\xff\"}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Canonicalize(json.RawMessage(tt.in))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestKeyOf_ReorderedArgumentsShareKey(t *testing.T) {
	t.Parallel()

	a, err := Canonicalize(json.RawMessage(`{"a":10,"b":32,"opts":{"x":1,"y":2}}`))
	require.NoError(t, err)
	b, err := Canonicalize(json.RawMessage(`{ "opts": {"y":2, "x":1}, "b":32, "a":10 }`))
	require.NoError(t, err)

	assert.Equal(t, KeyOf("calc", "add", a), KeyOf("calc", "add", b))
	assert.NotEqual(t, KeyOf("calc", "add", a), KeyOf("calc", "sub", a))
	assert.NotEqual(t, KeyOf("calc", "add", a), KeyOf("math", "add", a))
	assert.Contains(t, KeyOf("calc", "add", a).String(), "calc/add/")
}

func TestCanonicalize_DistinctInvalidBytesDoNotCollide(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"{\"k\":\"\xff\"}", "{\"k\":\"\xfe\"}"} {
		_, err := Canonicalize(json.RawMessage(in))
		assert.ErrorIs(t, err, ErrInvalidArgs, "%q", in)
	}
}
