package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/metrics":                       "/metrics",
		"/v1/users/42":                   "/v1/users/:id",
		"/v1/users/42/permissions":       "/v1/users/:id/permissions",
		"/v1/users/42/permissions/batch": "/v1/users/:id/permissions/batch",
		"/v1/me/access/10/view":          "/v1/me/access/:id/view",
		"/v1/audit-logs?page=2":          "/v1/audit-logs",
		"/v1/municipalities":             "/v1/municipalities",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
