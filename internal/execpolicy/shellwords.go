package execpolicy

import (
	"path/filepath"
	"strings"
)

// SplitShellInvocation expands `bash -c "<script>"` (also -lc, sh, zsh) into
// the plain commands of the script. Scripts are accepted only when they are
// word-only commands joined by &&, ||, ; or |; anything else (expansions,
// redirections, subshells, background jobs) yields nil.
func SplitShellInvocation(cmd []string) [][]string {
	if len(cmd) != 3 || (cmd[1] != "-c" && cmd[1] != "-lc") {
		return nil
	}
	switch filepath.Base(cmd[0]) {
	case "bash", "sh", "zsh":
	default:
		return nil
	}
	return splitScript(cmd[2])
}

func splitScript(script string) [][]string {
	var (
		commands [][]string
		current  []string
		word     strings.Builder
		inWord   bool
	)
	endWord := func() {
		if inWord {
			current = append(current, word.String())
			word.Reset()
			inWord = false
		}
	}
	endCommand := func() bool {
		endWord()
		if len(current) == 0 {
			return false
		}
		commands = append(commands, current)
		current = nil
		return true
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case c == ' ' || c == '\t':
			endWord()
		case c == '\n' || c == ';':
			if !endCommand() && c == ';' {
				return nil
			}
		case c == '&' || c == '|':
			// Accept "&&", "||" and "|"; a lone "&" backgrounds a job.
			if c == '&' && (i+1 >= len(script) || script[i+1] != '&') {
				return nil
			}
			if i+1 < len(script) && script[i+1] == c {
				i++
			}
			if !endCommand() {
				return nil
			}
		case c == '\'':
			end := strings.IndexByte(script[i+1:], '\'')
			if end < 0 {
				return nil
			}
			word.WriteString(script[i+1 : i+1+end])
			inWord = true
			i += end + 1
		case c == '"':
			j := i + 1
			for ; j < len(script) && script[j] != '"'; j++ {
				switch script[j] {
				case '$', '`':
					return nil
				case '\\':
					if j+1 < len(script) {
						j++
					}
				}
				word.WriteByte(script[j])
			}
			if j >= len(script) {
				return nil
			}
			inWord = true
			i = j
		case c == '\\':
			if i+1 >= len(script) {
				return nil
			}
			i++
			word.WriteByte(script[i])
			inWord = true
		case strings.IndexByte("$`()<>{}*?[]~#", c) >= 0:
			return nil
		default:
			word.WriteByte(c)
			inWord = true
		}
	}

	endWord()
	if len(current) > 0 {
		commands = append(commands, current)
	} else if len(commands) > 0 && endsWithOperator(script) {
		return nil
	}
	if len(commands) == 0 {
		return nil
	}
	return commands
}

func endsWithOperator(script string) bool {
	s := strings.TrimRight(script, " \t\n")
	return strings.HasSuffix(s, "&&") || strings.HasSuffix(s, "||") || strings.HasSuffix(s, "|")
}
