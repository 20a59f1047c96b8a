package session

import (
	"reflect"
	"sort"
	"testing"

	"github.com/botloader/guildscheduler/internal/model"
)

func TestMergeCommandsDedupesAndSkipsFailedScripts(t *testing.T) {
	scripts := []model.Script{
		{ID: 1, Contributions: model.ContributionSet{Commands: []string{"ping", "echo"}}},
		{ID: 2, Contributions: model.ContributionSet{Commands: []string{"echo", "pong"}}},
		{ID: 3, CompileFailed: true, Contributions: model.ContributionSet{Commands: []string{"broken"}}},
	}

	got := mergeCommands(scripts)
	sort.Strings(got)
	want := []string{"echo", "ping", "pong"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDiffCommands(t *testing.T) {
	prev := []string{"ping", "echo"}
	next := []string{"echo", "pong"}

	added, removed := diffCommands(prev, next)
	if !reflect.DeepEqual(added, []string{"pong"}) {
		t.Fatalf("expected added [pong], got %v", added)
	}
	if !reflect.DeepEqual(removed, []string{"ping"}) {
		t.Fatalf("expected removed [ping], got %v", removed)
	}
}

func TestDiffCommandsNoChange(t *testing.T) {
	prev := []string{"a", "b"}
	next := []string{"b", "a"}

	added, removed := diffCommands(prev, next)
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("expected no delta for a reordered identical set, got added=%v removed=%v", added, removed)
	}
}
