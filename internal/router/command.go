package router

import "strings"

// Command is a parsed command invocation: the token after the prefix, and
// every whitespace-separated token after that.
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// ExtractCommand looks for prefix in, in order: the left-trimmed
// raw_message; each text segment of the structured message; the
// CQ-code-stripped raw_message. The first candidate that starts with
// prefix is tokenized into a Command (spec.md §4.9 "Command extraction").
func ExtractCommand(ev Event, prefix string) (Command, bool) {
	if prefix == "" {
		return Command{}, false
	}
	for _, candidate := range commandCandidates(ev) {
		if strings.HasPrefix(candidate, prefix) {
			return tokenizeCommand(strings.TrimPrefix(candidate, prefix)), true
		}
	}
	return Command{}, false
}

func commandCandidates(ev Event) []string {
	candidates := []string{strings.TrimLeft(ev.RawMessage, " \t\r\n")}
	for _, seg := range ev.Message {
		if seg.Type != "text" {
			continue
		}
		if t, ok := seg.Data["text"].(string); ok {
			candidates = append(candidates, strings.TrimLeft(t, " \t\r\n"))
		}
	}
	candidates = append(candidates, stripLeadingCQCodes(ev.RawMessage))
	return candidates
}

func tokenizeCommand(s string) Command {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Command{}
	}
	return Command{Name: fields[0], Args: fields[1:]}
}

// CommandKind ranks where a registered command came from. Higher outranks
// lower in CommandScore (spec.md §4.9 "prefer builtin over plugin over
// custom").
type CommandKind int

const (
	CommandKindCustom CommandKind = iota
	CommandKindPlugin
	CommandKindBuiltin
)

// CommandScore implements spec.md §4.9's resolution formula:
// score = kind*2 + exact, where exact is 1 for an exact-name match and 0
// for an alias match.
func CommandScore(kind CommandKind, exact bool) int {
	e := 0
	if exact {
		e = 1
	}
	return int(kind)*2 + e
}

// Candidate is one registered command that matched an input token, either
// by its canonical name (Exact) or one of its aliases.
type Candidate struct {
	ID    string
	Kind  CommandKind
	Exact bool
}

// ResolveCommand picks the highest-scoring candidate, breaking ties by the
// lexicographically smallest id (spec.md §4.9 "ties broken by command id
// lexicographically"). Reports ok=false for an empty candidate list.
func ResolveCommand(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	bestScore := CommandScore(best.Kind, best.Exact)
	for _, c := range candidates[1:] {
		score := CommandScore(c.Kind, c.Exact)
		if score > bestScore || (score == bestScore && c.ID < best.ID) {
			best, bestScore = c, score
		}
	}
	return best, true
}
