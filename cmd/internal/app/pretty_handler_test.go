package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
	if stripANSI("no escapes") != "no escapes" {
		t.Fatalf("plain text must pass through")
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("component", "watchdog").WithGroup("premium").Info("watchdog.expired", "source", "redeem", "status_class", "2xx", "duration_ms", 12)

	line := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=watchdog.expired",
		"component=watchdog",
		"premium.source=redeem",
		"premium.status_class=2xx",
		"premium.duration_ms=12",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but found escapes in %q", line)
	}
}

func TestPrettyHandler_HTTPFieldsColored(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Warn("http.request", "method", "post", "path", "/v1/redeem", "status", 409, "status_class", "4xx", "duration_ms", 3, "result", "client_error")

	plain := stripANSI(buf.String())
	for _, want := range []string{
		"[WARN]",
		"method=POST",
		"path=/v1/redeem",
		"status=409",
		"class=4xx",
		"duration=3ms",
		"result=client_error",
	} {
		if !strings.Contains(plain, want) {
			t.Fatalf("missing %q in %q", want, plain)
		}
	}
	if !strings.Contains(buf.String(), ansiYellow+"409"+ansiReset) {
		t.Fatalf("expected 4xx status painted yellow: %q", buf.String())
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":              `""`,
		"plain":         "plain",
		"two words":     `"two words"`,
		`a="b"`:         `"a=\"b\""`,
		"code:7D6C5B4A": "code:7D6C5B4A",
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}
