package session

import "github.com/botloader/guildscheduler/internal/model"

// mergeCommands unions every enabled, compilable script's declared
// commands into one guild-wide set, deduplicated by name. Mirrors the
// original command manager's per-script merge, minus registration itself
// (an external command-registrar's job, out of scope here).
func mergeCommands(scripts []model.Script) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range scripts {
		if s.CompileFailed {
			continue
		}
		for _, name := range s.Contributions.Commands {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// diffCommands reports which names are newly present in next but absent
// from prev (added) and vice versa (removed), so a command registrar can
// apply only the delta instead of re-registering everything.
func diffCommands(prev, next []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, n := range prev {
		prevSet[n] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next))
	for _, n := range next {
		nextSet[n] = struct{}{}
	}

	for _, n := range next {
		if _, ok := prevSet[n]; !ok {
			added = append(added, n)
		}
	}
	for _, n := range prev {
		if _, ok := nextSet[n]; !ok {
			removed = append(removed, n)
		}
	}
	return added, removed
}
