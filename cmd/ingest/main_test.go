package main

import (
	"testing"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
)

func TestCompletions_NotifyWakesWatcher(t *testing.T) {
	c := newCompletions()
	ch := c.watch("src-1")

	c.notify("src-1", domain.StateIndexed)
	select {
	case st := <-ch:
		if st != domain.StateIndexed {
			t.Fatalf("state = %s, want indexed", st)
		}
	default:
		t.Fatal("watcher never woken")
	}
}

func TestCompletions_NotifyWithoutWatcherIsDropped(t *testing.T) {
	c := newCompletions()
	c.notify("ghost", domain.StateFailed) // must not panic or leak

	ch := c.watch("ghost")
	select {
	case st := <-ch:
		t.Fatalf("stale notification delivered: %s", st)
	default:
	}
}

func TestCompletions_ForgetStopsDelivery(t *testing.T) {
	c := newCompletions()
	ch := c.watch("src-2")
	c.forget("src-2")

	c.notify("src-2", domain.StateFailed)
	select {
	case st := <-ch:
		t.Fatalf("delivery after forget: %s", st)
	default:
	}
}

func TestSupportedAudio(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"standup.mp3", true},
		{"Standup.MP3", true},
		{"meeting.wav", true},
		{"notes.txt", false},
		{"noext", false},
	}
	for _, tt := range tests {
		if got := supportedAudio(tt.name); got != tt.want {
			t.Errorf("supportedAudio(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
