// Package colorize provides syntax highlighting for disassembly output and
// the console views of the stepping REPL.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/zboralski/ucstep/internal/arch"
)

// lexerNames lists candidate lexers per instruction set, best first.
var lexerNames = map[bool][]string{
	true:  {"armasm", "gas", "nasm"}, // ARM
	false: {"nasm", "gas"},
}

// assemblyLexer returns an assembly lexer for a with fallbacks
func assemblyLexer(a arch.Arch) chroma.Lexer {
	for _, name := range lexerNames[a.IsARM() || a == arch.Unknown] {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// disasmStyle returns the disassembly style with fallbacks
func disasmStyle() *chroma.Style {
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// terminalFormatter returns an appropriate terminal formatter
func terminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("UCSTEP_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes an assembly instruction of architecture a.
func Instruction(a arch.Arch, insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := assemblyLexer(a)
	if lexer == nil {
		return insn
	}

	_ = DisasmDark // Force registration
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, disasmStyle(), iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats an address in yellow
func Address(addr uint64) string {
	return rgb(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// Tag formats a hashtag in light pink
func Tag(tag string) string { return rgb(255, 180, 200, tag) }

// Detail formats detail text in light gray
func Detail(detail string) string { return rgb(180, 180, 180, detail) }

// Changed marks a register that changed since the previous stop.
func Changed(s string) string { return rgb(255, 80, 80, s) }

// Border formats border characters in dark gray
func Border(s string) string { return rgb(80, 80, 80, s) }

// Header formats header text in blue (IDA style)
func Header(s string) string { return rgb(86, 156, 214, s) }

// HexBytes formats hex opcode bytes in dark gray
func HexBytes(s string) string { return rgb(100, 100, 100, s) }

// Error formats error messages in pink
func Error(s string) string { return rgb(255, 128, 192, s) }
