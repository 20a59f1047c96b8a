package suspendstore

import (
	"testing"

	"github.com/botloader/guildscheduler/internal/model"
)

func TestKeyIncludesPrefixAndGuild(t *testing.T) {
	s := &Store{prefix: "guildscheduler"}
	got := s.key(model.GuildID(42))
	want := "guildscheduler:suspend:42"
	if got != want {
		t.Fatalf("key() = %q, want %q", got, want)
	}
}
