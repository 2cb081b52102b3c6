package systemd

import "testing"

func TestNormalizeUnit(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"nginx":         "nginx.service",
		" nginx ":       "nginx.service",
		"backup.timer":  "backup.timer",
		"nginx.service": "nginx.service",
		"":              "",
	}
	for in, want := range cases {
		if got := NormalizeUnit(in); got != want {
			t.Fatalf("NormalizeUnit(%q)=%q want %q", in, got, want)
		}
	}
}

func TestParseAction(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Action{"": Restart, "START": Start, "stop": Stop, " reload ": Reload} {
		got, err := ParseAction(in)
		if err != nil || got != want {
			t.Fatalf("ParseAction(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseAction("enable"); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
