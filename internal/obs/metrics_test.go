package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"", "/"},
		{"/metrics", "/metrics"},
		{"/v1/users/abc", "/v1/users/:id"},
		{"/v1/users/abc/role", "/v1/users/:id/role"},
		{"/v1/api-keys/01J5", "/v1/api-keys/:id"},
		{"/v1/traces", "/v1/traces"},
		{"/v1/traces?project=default", "/v1/traces"},
		{"/v1/auth/login", "/v1/auth/login"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.input); got != tc.want {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSetReady(t *testing.T) {
	SetReady(true)
	SetReady(false)
}
