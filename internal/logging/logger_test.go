package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var out bytes.Buffer
	log := DefaultLogger.WithTag("test")
	log.SetDestination(&out)
	log.Level = Info

	log.Debug("too verbose")
	if out.Len() != 0 {
		t.Errorf("Debug message should have been filtered: %q", out.String())
	}

	log.Info("hello %d", 42)
	if !strings.Contains(out.String(), "hello 42") {
		t.Errorf("Info message missing from output: %q", out.String())
	}
	if !strings.Contains(out.String(), "I/test") {
		t.Errorf("Level letter and tag missing from output: %q", out.String())
	}
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"error": Error,
		"W":     Warn,
		"info":  Info,
		"d":     Debug,
		"trace": MaxLevel,
		"5":     Level(5),
	} {
		got, err := parseLevel(s)
		if err != nil {
			t.Errorf("parseLevel(%q): %s", s, err)
		}
		if got != want {
			t.Errorf("parseLevel(%q) == %d, want %d", s, got, want)
		}
	}

	if _, err := parseLevel("bogus"); err == nil {
		t.Error("Expected error for unknown level name")
	}
	if _, err := parseLevel("17"); err == nil {
		t.Error("Expected error for out-of-range numeric level")
	}
}

func TestParseDirectives(t *testing.T) {
	def, tags, err := parseDirectives("info,ice=debug,peerprobe=error")
	if err != nil {
		t.Fatal(err)
	}
	if def != Info {
		t.Errorf("Default level: got %s, want %s", def, Info)
	}
	if tags["ice"] != Debug || tags["peerprobe"] != Error {
		t.Errorf("Tag levels not parsed: %v", tags)
	}

	// Empty directive lists leave the built-in default alone.
	def, tags, err = parseDirectives("")
	if err != nil || len(tags) != 0 || def != defaultLevel {
		t.Errorf("Empty directives: got (%s, %v, %v)", def, tags, err)
	}

	// A bad directive is reported but does not poison the rest.
	def, tags, err = parseDirectives("bogus,ice=debug")
	if err == nil {
		t.Error("Expected error for bad directive")
	}
	if def != defaultLevel || tags["ice"] != Debug {
		t.Errorf("Good directives should survive: (%s, %v)", def, tags)
	}
}
