package store

import (
	"context"
	"testing"
	"time"

	"github.com/botloader/guildscheduler/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteTimerUpsertRoundTrips(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	guild := model.GuildID(1)

	timer := model.IntervalTimer{
		GuildID:  guild,
		Name:     "tick",
		Interval: model.IntervalKind{FixedMinutes: 5},
		LastRun:  time.Unix(1000, 0).UTC(),
	}
	if err := s.UpsertTimer(ctx, timer); err != nil {
		t.Fatalf("UpsertTimer: %v", err)
	}

	timers, err := s.ListTimers(ctx, guild)
	if err != nil {
		t.Fatalf("ListTimers: %v", err)
	}
	if len(timers) != 1 || timers[0].Name != "tick" {
		t.Fatalf("expected one timer named tick, got %+v", timers)
	}

	timer.LastRun = time.Unix(2000, 0).UTC()
	if err := s.UpsertTimer(ctx, timer); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	timers, err = s.ListTimers(ctx, guild)
	if err != nil {
		t.Fatalf("ListTimers after update: %v", err)
	}
	if len(timers) != 1 || !timers[0].LastRun.Equal(timer.LastRun) {
		t.Fatalf("expected the upsert to update in place, got %+v", timers)
	}
}

func TestSQLiteTaskLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	guild := model.GuildID(1)

	task, err := s.UpsertTask(ctx, model.ScheduledTask{
		GuildID:   guild,
		Bucket:    "reminders",
		UniqueKey: "abc",
		Payload:   []byte("hello"),
		ExecuteAt: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("expected a non-zero assigned task id")
	}

	due, err := s.TasksDueBefore(ctx, guild, time.Now().UTC(), nil, []string{"_reminders"})
	if err != nil {
		t.Fatalf("TasksDueBefore: %v", err)
	}
	if len(due) != 1 || due[0].ID != task.ID {
		t.Fatalf("expected the task to be due, got %+v", due)
	}

	due, err = s.TasksDueBefore(ctx, guild, time.Now().UTC(), []uint64{task.ID}, []string{"_reminders"})
	if err != nil {
		t.Fatalf("TasksDueBefore excluding: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected excludeIDs to filter the task out, got %+v", due)
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	due, err = s.TasksDueBefore(ctx, guild, time.Now().UTC(), nil, []string{"_reminders"})
	if err != nil {
		t.Fatalf("TasksDueBefore after delete: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due tasks after delete, got %+v", due)
	}
}

func TestSQLiteFindMinExecAt(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	guild := model.GuildID(1)

	if _, ok, err := s.FindMinExecAt(ctx, guild, nil, []string{"_reminders"}); err != nil || ok {
		t.Fatalf("expected no min exec_at with no tasks, got ok=%v err=%v", ok, err)
	}

	earlier := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	later := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	if _, err := s.UpsertTask(ctx, model.ScheduledTask{GuildID: guild, Bucket: "reminders", UniqueKey: "a", ExecuteAt: later}); err != nil {
		t.Fatalf("upsert later: %v", err)
	}
	if _, err := s.UpsertTask(ctx, model.ScheduledTask{GuildID: guild, Bucket: "reminders", UniqueKey: "b", ExecuteAt: earlier}); err != nil {
		t.Fatalf("upsert earlier: %v", err)
	}

	min, ok, err := s.FindMinExecAt(ctx, guild, nil, []string{"_reminders"})
	if err != nil {
		t.Fatalf("FindMinExecAt: %v", err)
	}
	if !ok || !min.Equal(earlier) {
		t.Fatalf("expected min exec_at to be the earlier task, got %v (ok=%v)", min, ok)
	}
}

func TestSQLiteListEnabledScriptsFiltersDisabled(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	guild := model.GuildID(1)

	if _, err := s.db.ExecContext(ctx, `INSERT INTO scripts (guild_id, source, enabled, plugin_present, plugin_value) VALUES (?, ?, 1, 0, 0)`, int64(guild), "enabled script"); err != nil {
		t.Fatalf("seed enabled: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO scripts (guild_id, source, enabled, plugin_present, plugin_value) VALUES (?, ?, 0, 0, 0)`, int64(guild), "disabled script"); err != nil {
		t.Fatalf("seed disabled: %v", err)
	}

	scripts, err := s.ListEnabledScripts(ctx, guild)
	if err != nil {
		t.Fatalf("ListEnabledScripts: %v", err)
	}
	if len(scripts) != 1 || scripts[0].Source != "enabled script" {
		t.Fatalf("expected only the enabled script, got %+v", scripts)
	}
}
