package codeless

import (
	"regexp"
	"strings"

	"blelink/config"
	"blelink/registry"
)

// inboundPrefix matches the four prefix forms: bare "AT", local "AT+",
// remote "ATr", and remote-local "ATr+".
var inboundPrefix = regexp.MustCompile(`^AT(?:\+|r\+?)?`)

// errorLinePattern recognizes a buffered line as a potential error
// candidate.
var errorLinePattern = regexp.MustCompile(`^(ERROR|INVALID COMMAND|EC\d+:)`)

// ecPattern extracts an "ECnnn: message" code from a buffered line.
var ecPattern = regexp.MustCompile(`^EC(\d+):\s*(.*)$`)

// parseLine splits a decoded line into identifier and args per the
// grammar "PREFIX IDENT [\"=\" ARGS]". ok is false when line carries no
// recognizable prefix at all, or the prefix consumes the entire line.
func parseLine(line string) (identifier, args string, ok bool) {
	loc := inboundPrefix.FindStringIndex(line)
	if loc == nil {
		return "", "", false
	}
	rest := line[loc[1]:]
	if rest == "" {
		return "", "", false
	}
	if i := strings.IndexByte(rest, '='); i >= 0 {
		return rest[:i], rest[i+1:], true
	}
	return rest, "", true
}

func looksLikeError(line string) bool { return errorLinePattern.MatchString(line) }

// frame runs body through the common outbound pipeline: newline
// translation, optional trailing EOL, optional trailing NUL, US-ASCII
// bytes.
func frame(cfg config.Options, body string) []byte {
	body = strings.ReplaceAll(body, "\n", cfg.EndOfLine)
	if cfg.AppendEndOfLine {
		body += cfg.EndOfLine
	}
	out := []byte(body)
	if cfg.TrailingZero {
		out = append(out, 0)
	}
	return out
}

// buildOutbound assembles the wire bytes for one outbound command.
// Custom (verbatim) descriptors bypass <prefix><identifier>[=<args>]
// framing entirely and supply the whole body themselves, including the
// bare "AT" connectivity check, which carries no prefix of its own.
func buildOutbound(cfg config.Options, d registry.Descriptor) ([]byte, error) {
	if v, ok := d.(registry.Verbatim); ok {
		return frame(cfg, v.VerbatimPayload()), nil
	}
	args, err := d.Serialize()
	if err != nil {
		return nil, err
	}
	prefix := "ATr"
	if d.IsModeCommand() {
		prefix = "AT+"
	}
	body := prefix + d.Identifier()
	if args != "" {
		body += "=" + args
	}
	return frame(cfg, body), nil
}

// decodeInbound turns a raw notification/read payload into trimmed
// lines: strip a trailing NUL, normalize CR/LF variants to '\n', split,
// trim each line.
func decodeInbound(data []byte) []string {
	if len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	s := string(data)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	parts := strings.Split(s, "\n")
	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = strings.TrimSpace(p)
	}
	return lines
}
