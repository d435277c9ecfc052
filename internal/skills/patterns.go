package skills

import (
	"github.com/bmatcuk/doublestar/v4"
)

// Pattern sets classifying skills by capability. Glob patterns so families
// like browser_* and computer_* are covered without enumerating every tool.
var (
	// ElevatedSkills require an admin sender; non-admins get a polite denial.
	ElevatedSkills = []string{
		"run_command",
		"write_file",
		"delete_file",
		"append_file",
		"install_*",
		"browser_*",
		"computer_*",
		"schedule_task",
		"cancel_schedule",
		"generate_image",
		"generate_voice",
		"manage_skills",
		"manage_config",
	}

	// ResearchSkills carry the higher per-action call ceiling.
	ResearchSkills = []string{
		"web_search",
		"browser_*",
		"extract_article",
		"http_fetch",
		"recall_memory",
		"computer_*",
	}

	// DangerousSkills are blocked on the autonomy lane unless sudo mode is on.
	DangerousSkills = []string{
		"run_command",
		"write_file",
		"delete_file",
		"append_file",
		"install_*",
		"manage_skills",
	}

	// NonDeepSkills neither change the world nor gather new data; decisions
	// composed only of these count as planning, not progress.
	NonDeepSkills = []string{
		"journal",
		"learning",
		"identity",
		"screenshot",
		"trace_*",
		"request_supporting_data",
	}

	// SendSkills emit messages or files to a channel.
	SendSkills = []string{
		"send_message",
		"send_file",
		"send_image",
		"send_voice",
		"send_email",
		"react",
	}
)

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// IsElevated reports whether a skill requires an admin sender.
func IsElevated(name string) bool { return matchesAny(ElevatedSkills, name) }

// IsResearch reports whether a skill gets the research call ceiling.
func IsResearch(name string) bool { return matchesAny(ResearchSkills, name) }

// IsDangerous reports whether a skill is blocked on the autonomy lane.
func IsDangerous(name string) bool { return matchesAny(DangerousSkills, name) }

// IsDeep reports whether a skill counts as real progress for cooldown purposes.
func IsDeep(name string) bool { return !matchesAny(NonDeepSkills, name) }

// IsSend reports whether a skill emits to a channel.
func IsSend(name string) bool { return matchesAny(SendSkills, name) }
