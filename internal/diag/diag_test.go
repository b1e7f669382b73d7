package diag

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestLogfPrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(orig)
		log.SetFlags(origFlags)
	}()

	Logf("broker", "client %d connected", 7)

	got := buf.String()
	if !strings.HasPrefix(got, "broker: client 7 connected") {
		t.Fatalf("got %q, want prefix %q", got, "broker: client 7 connected")
	}
}

func TestDebugfGatedByDebug(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	Debug = false
	Debugf("vklayer", "should not appear")
	if buf.Len() != 0 {
		t.Fatalf("Debugf logged while Debug=false: %q", buf.String())
	}

	Debug = true
	defer func() { Debug = false }()
	Debugf("vklayer", "should appear")
	if buf.Len() == 0 {
		t.Fatal("Debugf did not log while Debug=true")
	}
}
