package execpolicy

import (
	"path/filepath"
	"slices"
	"strings"
)

// IsDangerousCommand reports whether a command is likely destructive. Shell
// invocations (`bash -c "..."`) are checked command by command.
func IsDangerousCommand(cmd []string) bool {
	if dangerousExec(cmd) {
		return true
	}
	for _, sub := range SplitShellInvocation(cmd) {
		if dangerousExec(sub) {
			return true
		}
	}
	return false
}

func dangerousExec(cmd []string) bool {
	if len(cmd) == 0 {
		return false
	}
	base := filepath.Base(cmd[0])
	args := cmd[1:]

	switch {
	case base == "sudo" || base == "doas":
		return dangerousExec(args)
	case base == "rm":
		return hasShortFlag(args, 'f') || hasShortFlag(args, 'r') || hasShortFlag(args, 'R') ||
			slices.Contains(args, "--force") || slices.Contains(args, "--recursive")
	case base == "git":
		return dangerousGit(args)
	case strings.HasPrefix(base, "mkfs"), base == "shutdown", base == "reboot", base == "halt", base == "poweroff":
		return true
	case base == "dd":
		for _, a := range args {
			if strings.HasPrefix(a, "of=/dev/") {
				return true
			}
		}
	case base == "chmod" || base == "chown":
		return (hasShortFlag(args, 'R') || slices.Contains(args, "--recursive")) && slices.Contains(args, "/")
	}
	return false
}

// dangerousGit flags history rewriting and forced deletion subcommands.
func dangerousGit(args []string) bool {
	idx := gitSubcommandIndex(args)
	if idx < 0 {
		return false
	}
	rest := args[idx+1:]
	switch args[idx] {
	case "reset", "rm":
		return true
	case "clean":
		return hasShortFlag(rest, 'f') || slices.Contains(rest, "--force")
	case "branch":
		return hasShortFlag(rest, 'D') || slices.Contains(rest, "--delete")
	case "push":
		for _, a := range rest {
			if a == "--force" || a == "-f" || a == "--delete" || a == "-d" ||
				strings.HasPrefix(a, "--force-with-lease") || strings.HasPrefix(a, "+") ||
				(strings.HasPrefix(a, ":") && len(a) > 1) {
				return true
			}
		}
	}
	return false
}

// gitSubcommandIndex skips git's global options and returns the index of
// the subcommand in args, or -1.
func gitSubcommandIndex(args []string) int {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-C" || a == "-c" || a == "--git-dir" || a == "--work-tree" || a == "--namespace":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return i
		}
	}
	return -1
}

// hasShortFlag reports whether any short flag group ("-rf") contains flag.
func hasShortFlag(args []string, flag byte) bool {
	for _, a := range args {
		if len(a) < 2 || a[0] != '-' || a[1] == '-' {
			continue
		}
		if strings.IndexByte(a[1:], flag) >= 0 {
			return true
		}
	}
	return false
}
