package skill

import (
	"fmt"
	"strings"

	"clawd/internal/logging"
)

// Helper provides the result builders, command parser, and prefixed
// logger every skill wants. Embed it by value; it carries no state
// beyond the skill name.
type Helper struct {
	SkillName string
}

// OK builds a success result.
func (h Helper) OK(format string, args ...any) Result {
	return Result{
		Success: true,
		Message: fmt.Sprintf(format, args...),
		Skill:   h.SkillName,
	}
}

// OKData builds a success result carrying data.
func (h Helper) OKData(data any, format string, args ...any) Result {
	r := h.OK(format, args...)
	r.Data = data
	return r
}

// Fail builds a failure result with a kind.
func (h Helper) Fail(kind Kind, format string, args ...any) Result {
	return Result{
		Success: false,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Skill:   h.SkillName,
	}
}

// FailWith builds a failure carrying attempted/suggestion context.
func (h Helper) FailWith(kind Kind, attempted, suggestion, format string, args ...any) Result {
	r := h.Fail(kind, format, args...)
	r.Attempted = attempted
	r.Suggestion = suggestion
	return r
}

// Warn builds a success result that carries a warning banner. Used
// where the operation went through but something degraded (verify
// stage non-2xx, stats unavailable).
func (h Helper) Warn(format string, args ...any) Result {
	return Result{
		Success: true,
		Kind:    KindDegraded,
		Message: fmt.Sprintf(format, args...),
		Skill:   h.SkillName,
	}
}

// Parsed is the split form of a pattern-matched command.
type Parsed struct {
	Raw  string
	Args []string
}

// ParseCommand splits a command into whitespace-delimited args with
// double-quoted segments kept whole.
func (h Helper) ParseCommand(text string) Parsed {
	p := Parsed{Raw: text}
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			p.Args = append(p.Args, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.TrimSpace(text) {
		switch {
		case r == '"':
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return p
}

// Log writes to the skills category with the skill name prefixed.
func (h Helper) Log(format string, args ...any) {
	logging.Get(logging.CategorySkills).Info("[%s] "+format, append([]any{h.SkillName}, args...)...)
}

// LogError writes an error line with the skill name prefixed.
func (h Helper) LogError(format string, args ...any) {
	logging.Get(logging.CategorySkills).Error("[%s] "+format, append([]any{h.SkillName}, args...)...)
}
