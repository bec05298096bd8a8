// Package classifier implements the Safety Classifier: it
// decides, from an argv and the active approval policy, whether a command
// auto-approves, must ask the user, or is rejected outright.
package classifier

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentturn/turnengine/internal/patch"
	"github.com/agentturn/turnengine/internal/policy"
	"mvdan.cc/sh/v3/syntax"
)

// PatchToolName is the literal name recognized as the patch tool invocation.
const PatchToolName = "apply_patch"

// safeOperators are the only binary operators allowed between command
// segments of a parsed shell script.
var safeOperators = map[syntax.BinCmdOperator]bool{
	syntax.AndStmt: true, // &&
	syntax.OrStmt:  true, // ||
	syntax.Pipe:    true, // |
}

var sedRangeRE = regexp.MustCompile(`^(\d+,)?\d+p$`)

// allowlistEntry describes one read-only verb and the predicate that
// validates its argument shape.
type allowlistEntry struct {
	verb  string
	check func(args []string) bool
}

func anyArgs([]string) bool { return true }

var readOnlyAllowlist = []allowlistEntry{
	{"cd", anyArgs},
	{"ls", anyArgs},
	{"pwd", anyArgs},
	{"true", anyArgs},
	{"echo", anyArgs},
	{"cat", anyArgs},
	{"rg", anyArgs},
	{"find", anyArgs},
	{"grep", anyArgs},
	{"head", anyArgs},
	{"tail", anyArgs},
	{"wc", anyArgs},
	{"which", anyArgs},
	{"git", func(args []string) bool {
		if len(args) == 0 {
			return false
		}
		switch args[0] {
		case "status", "branch", "log", "diff", "show":
			return true
		default:
			return false
		}
	}},
	{"cargo", func(args []string) bool {
		return len(args) >= 1 && args[0] == "check"
	}},
	{"sed", func(args []string) bool {
		// sed -n <N[,M]p> <file>
		if len(args) != 3 || args[0] != "-n" {
			return false
		}
		return sedRangeRE.MatchString(args[1])
	}},
}

// isReadOnlyCommand reports whether argv matches the read-only allowlist.
func isReadOnlyCommand(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	for _, e := range readOnlyAllowlist {
		if e.verb == argv[0] && e.check(argv[1:]) {
			return true
		}
	}
	return false
}

// PathResolver absolutizes a candidate path against the process working
// directory, so the classifier can decide patch-path containment without
// importing an os package directly (keeps it testable against a fake cwd).
type PathResolver func(candidate string) (absolute string, err error)

// Classify runs the Safety Classifier algorithm.
//
// argv is the parsed command vector. approval is the active Approval Policy.
// writableRoots are absolute directories the patch/write path is allowed to
// touch. resolve absolutizes a path relative to the process working
// directory (used for path containment checks).
func Classify(argv []string, approval policy.Approval, writableRoots []string, resolve PathResolver) policy.Assessment {
	// Step 1: direct patch-tool invocation.
	if len(argv) == 2 && argv[0] == PatchToolName {
		return classifyPatch(argv[1], approval, writableRoots, resolve)
	}

	// Step 2: read-only allowlist.
	if isReadOnlyCommand(argv) {
		return policy.AutoApprove("read-only command", "read-only", false, nil)
	}

	// Step 3: shell -lc <script>.
	if len(argv) == 3 && isShellInvocation(argv[0]) && argv[1] == "-lc" {
		script := argv[2]

		if body, ok := detectHeredocPatch(script); ok {
			return classifyPatch(body, approval, writableRoots, resolve)
		}

		if safe, ok := classifyScript(script); ok {
			if safe {
				return policy.AutoApprove("shell script of read-only commands", "read-only", false, nil)
			}
			// parsed but contains a non-read-only segment or unsafe operator.
			return fallback(approval)
		}
		// parse failure: policy-dependent (step 6).
		return fallback(approval)
	}

	// Step 4/6: unresolved, fall through to policy fallback.
	return fallback(approval)
}

func isShellInvocation(arg0 string) bool {
	switch arg0 {
	case "sh", "bash", "zsh":
		return true
	default:
		return false
	}
}

// classifyScript parses script as a POSIX shell program and determines
// whether every command segment is read-only and every connecting operator
// is in the safe-operator set. The second return value is false if parsing
// failed.
func classifyScript(script string) (safe bool, parsed bool) {
	r := strings.NewReader(script)
	f, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(r, "")
	if err != nil {
		return false, false
	}

	ok := true
	syntax.Walk(f, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.BinaryCmd:
			if !safeOperators[n.Op] {
				ok = false
				return false
			}
		case *syntax.Subshell:
			ok = false
			return false
		case *syntax.Block:
			ok = false
			return false
		case *syntax.Redirect:
			ok = false
			return false
		case *syntax.CallExpr:
			argv := wordsToStrings(n.Args)
			if len(argv) > 0 && !isReadOnlyCommand(argv) {
				ok = false
				return false
			}
		}
		return true
	})

	return ok, true
}

func wordsToStrings(words []*syntax.Word) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, literalWord(w))
	}
	return out
}

// literalWord renders a Word's literal parts; non-literal parts (expansions,
// substitutions) render as an empty-ish placeholder so they never
// accidentally match an allowlist argument shape.
func literalWord(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		if lit, ok := part.(*syntax.Lit); ok {
			sb.WriteString(lit.Value)
		} else {
			sb.WriteString("\x00dynamic\x00")
		}
	}
	return sb.String()
}

var heredocPatchRE = regexp.MustCompile(`(?s)^\s*` + regexp.QuoteMeta(PatchToolName) + `\s*<<\s*'?"?(\w+)'?"?\s*\n(.*?)\n\1\s*$`)

// detectHeredocPatch recognizes "apply_patch <<EOF ... EOF" — exactly one
// heredoc, no trailing statements.
func detectHeredocPatch(script string) (body string, ok bool) {
	m := heredocPatchRE.FindStringSubmatch(strings.TrimSpace(script))
	if m == nil {
		return "", false
	}
	return m[2], true
}

// classifyPatch implements step 5: a patch auto-approves iff every needed
// and added path is contained within some writable root, or the policy is
// full-auto (auto-approve with sandbox required). Under suggest, always
// ask-user.
func classifyPatch(blob string, approval policy.Approval, writableRoots []string, resolve PathResolver) policy.Assessment {
	p, err := patch.Parse(blob)
	if err != nil {
		return fallback(approval)
	}

	if approval == policy.Suggest {
		return policy.AskUser(p)
	}

	if approval == policy.FullAuto {
		return policy.AutoApprove("full-auto patch", "patch", true, p)
	}

	paths := append(append([]string{}, p.FilesNeeded()...), p.FilesAdded()...)
	for _, candidate := range paths {
		if !containedInAnyRoot(candidate, writableRoots, resolve) {
			return policy.AskUser(p)
		}
	}
	return policy.AutoApprove("patch confined to writable roots", "patch", false, p)
}

// containedInAnyRoot reports whether candidate, once absolutized via
// resolve, lies within one of roots.
func containedInAnyRoot(candidate string, roots []string, resolve PathResolver) bool {
	abs, err := resolve(candidate)
	if err != nil {
		return false
	}
	for _, root := range roots {
		if !filepath.IsAbs(root) {
			continue
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		if rel == "." {
			continue // the root itself is not "a non-empty relative path"
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			continue
		}
		return true
	}
	return false
}

// fallback implements step 6, the policy fallback for any unresolved case.
func fallback(approval policy.Approval) policy.Assessment {
	if approval == policy.FullAuto {
		return policy.AutoApprove("full-auto fallback", "fallback", true, nil)
	}
	return policy.AskUser(nil)
}
