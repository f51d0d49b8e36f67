package executor

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

var sudoArgs = []string{"sudo", "-S", "-p", "''"}

func isSeparator(arg string) bool {
	switch arg {
	case ";", "&&", "||":
		return true
	}
	return false
}

// InsertSudoParams elevates every chained command of args: sudo is put
// in front of the line and after each ;, && and || separator token.
// The password is read by sudo from the standard input without a prompt.
func InsertSudoParams(args []string) []string {
	ret := make([]string, 0, len(args)+len(sudoArgs)*2)
	ret = append(ret, sudoArgs...)
	for _, arg := range args {
		ret = append(ret, arg)
		if isSeparator(arg) {
			ret = append(ret, sudoArgs...)
		}
	}
	return ret
}

// SudoShellLine renders args as a sh -c line elevating every chained
// command. Arguments are shell quoted, separator tokens stay bare.
func SudoShellLine(args []string) string {
	parts := make([]string, 0, len(args)+len(sudoArgs))
	parts = append(parts, sudoArgs...)
	for _, arg := range args {
		if isSeparator(arg) {
			parts = append(parts, arg)
			parts = append(parts, sudoArgs...)
			continue
		}
		parts = append(parts, shellquote.Join(arg))
	}
	return strings.Join(parts, " ")
}

// ElevateCommandLine applies InsertSudoParams on a shell line split on white spaces
func ElevateCommandLine(line string) string {
	return strings.Join(InsertSudoParams(strings.Fields(line)), " ")
}

// Tokenize splits a command line on spaces. Quoted parts are kept together
// and their surrounding quotes are removed.
func Tokenize(line string) []string {
	var (
		tokens []string
		sb     strings.Builder
		quote  rune
		inWord bool
	)
	for _, r := range line {
		switch {
		case quote != 0 && r == quote:
			quote = 0
		case quote != 0:
			sb.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inWord {
				tokens = append(tokens, sb.String())
				sb.Reset()
				inWord = false
			}
		default:
			sb.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		tokens = append(tokens, sb.String())
	}
	return tokens
}
