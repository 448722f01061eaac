package uri

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeInvalid(t *testing.T) {
	testcases := []struct {
		desc  string
		input string
		valid func(byte) bool
		want  string
	}{
		{desc: "nothing to escape", input: "/a/b;c=d", valid: isPathByte, want: "/a/b;c=d"},
		{desc: "space", input: "/a b", valid: isPathByte, want: "/a%20b"},
		{desc: "keeps encodings", input: "/a%20b%2F", valid: isPathByte, want: "/a%20b%2F"},
		{desc: "lone percent", input: "/100%", valid: isPathByte, want: "/100%25"},
		{desc: "broken encoding", input: "/%zz", valid: isPathByte, want: "/%25zz"},
		{desc: "question mark in path", input: "/a?b", valid: isPathByte, want: "/a%3Fb"},
		{desc: "question mark in query", input: "a?b", valid: isQueryByte, want: "a?b"},
		{desc: "non-ascii", input: "/\xc3\xa9", valid: isPathByte, want: "/%C3%A9"},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, escapeInvalid(tc.input, tc.valid))
		})
	}
}

func TestRemoveDotSegments(t *testing.T) {
	testcases := []struct {
		input string
		want  string
	}{
		{input: "", want: ""},
		{input: "/", want: "/"},
		{input: "/a/b/c/./../../g", want: "/a/g"},
		{input: "mid/content=5/../6", want: "mid/6"},
		{input: "/a/..", want: "/"},
		{input: "/../a", want: "/a"},
		{input: "/a/./b/", want: "/a/b/"},
		{input: "..", want: ""},
	}

	for _, tc := range testcases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.want, removeDotSegments(tc.input))
		})
	}
}

func TestIsQueryFragValid(t *testing.T) {
	testcases := []struct {
		input string
		valid bool
	}{
		{input: "", valid: true},
		{input: "a=1&b=2", valid: true},
		{input: "path/?x:y@z", valid: true},
		{input: "a=%20", valid: true},
		{input: "a=%2", valid: false},
		{input: "a b", valid: false},
		{input: "a#b", valid: false},
	}

	for _, tc := range testcases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.valid, isQueryFragValid(tc.input))
		})
	}
}

func TestAssertValidHost(t *testing.T) {
	testcases := []struct {
		input   string
		wantErr bool
	}{
		{input: "example.com"},
		{input: "127.0.0.1"},
		{input: "[::1]"},
		{input: "[v1.fe80::a+en1]"},
		{input: "exa%20mple"},
		{input: "[::1", wantErr: true},
		{input: "[zz::1]", wantErr: true},
		{input: "bad host", wantErr: true},
	}

	for _, tc := range testcases {
		t.Run(tc.input, func(t *testing.T) {
			err := assertValidHost(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAssertValidScheme(t *testing.T) {
	for _, scheme := range []string{"http", "https", "a+b-c.d", "H2"} {
		assert.NoError(t, assertValidScheme(scheme), scheme)
	}
	for _, scheme := range []string{"", "1http", "ht tp", "-a"} {
		assert.Error(t, assertValidScheme(scheme), scheme)
	}
}
