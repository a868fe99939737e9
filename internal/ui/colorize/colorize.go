// Package colorize highlights disassembly for terminal output.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// EnvNoColor disables highlighting when set.
const EnvNoColor = "RAMPARSE_NO_COLOR"

func disabled() bool {
	return os.Getenv(EnvNoColor) != ""
}

func getAssemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func getDisasmStyle() *chroma.Style {
	for _, name := range []string{DisasmDark.Name, "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// ColorizeAssembly highlights a block of ARM assembly. On any failure the
// input is returned unchanged along with the error.
func ColorizeAssembly(code string) (string, error) {
	if disabled() {
		return code, nil
	}
	lexer := getAssemblyLexer()
	if lexer == nil {
		return code, nil
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// ColorizeInstructionLine colorizes one "<marker> <hexaddr>  <insn>" line
// produced by disasm.Stream.Lines, greying the address.
func ColorizeInstructionLine(line string) string {
	if disabled() {
		return line
	}
	marker, rest := line[:min(3, len(line))], line[min(3, len(line)):]
	addr, insn, ok := strings.Cut(rest, "  ")
	if !ok || !isHex(addr) {
		out, _ := ColorizeAssembly(line)
		return strings.ReplaceAll(out, "\n", "")
	}
	out, _ := ColorizeAssembly(insn)
	return fmt.Sprintf("%s\033[38;2;79;79;79m%s\033[0m  %s", marker, addr, strings.ReplaceAll(out, "\n", ""))
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if !((ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')) {
			return false
		}
	}
	return true
}

// StripANSI removes ANSI escape sequences.
func StripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
