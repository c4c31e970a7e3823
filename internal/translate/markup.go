package translate

import (
	"regexp"
	"strings"
)

var (
	fencePattern = regexp.MustCompile("(?s)```.*?```")
	// Inline code spans and native user mentions are emitted untouched.
	verbatimPattern = regexp.MustCompile("`[^`\n]+`|<users/[^>\\s]+>")
	linkPattern     = regexp.MustCompile(`(!?)\[([^\]]+?)\]\(([a-zA-Z0-9]+?:[^\s)]+)\)`)
	inlinePattern   = regexp.MustCompile(`\*\*(\S(?:.*?\S)?)\*\*|__(\S(?:.*?\S)?)__|~~(\S(?:.*?\S)?)~~|\*(\S(?:[^*]*?\S)?)\*`)
	entityPattern   = regexp.MustCompile(`^&(?:amp|lt|gt|quot|apos|#[0-9]+|#[xX][0-9a-fA-F]+);`)

	// Characters that would end the <uri|label> form early.
	uriEscaper = strings.NewReplacer("<", "%3C", ">", "%3E", "|", "%7C")
)

// ToMarkup converts common markdown into Google Chat text formatting.
// Applying it twice to its own output yields the same string.
func ToMarkup(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	eachSegment(text, fencePattern, func(s string, match bool) {
		if match {
			sb.WriteString(s)
			return
		}
		eachSegment(s, verbatimPattern, func(s string, match bool) {
			if match {
				sb.WriteString(s)
				return
			}
			writeProse(&sb, s)
		})
	})
	return sb.String()
}

// eachSegment walks s, alternating between text outside and inside re matches.
func eachSegment(s string, re *regexp.Regexp, fn func(seg string, match bool)) {
	last := 0
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			fn(s[last:loc[0]], false)
		}
		fn(s[loc[0]:loc[1]], true)
		last = loc[1]
	}
	if last < len(s) {
		fn(s[last:], false)
	}
}

func writeProse(sb *strings.Builder, s string) {
	last := 0
	for _, m := range linkPattern.FindAllStringSubmatchIndex(s, -1) {
		sb.WriteString(formatInline(escape(s[last:m[0]])))
		last = m[1]

		if m[3] > m[2] {
			// image: keep as text
			sb.WriteString(formatInline(escape(s[m[0]:m[1]])))
			continue
		}
		label := s[m[4]:m[5]]
		uri := uriEscaper.Replace(s[m[6]:m[7]])
		sb.WriteString("<" + uri + "|" + formatInline(escape(label)) + ">")
	}
	sb.WriteString(formatInline(escape(s[last:])))
}

func formatInline(s string) string {
	matches := inlinePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		last = m[1]
		switch {
		case m[2] >= 0:
			sb.WriteString("*" + s[m[2]:m[3]] + "*")
		case m[4] >= 0:
			sb.WriteString("*" + s[m[4]:m[5]] + "*")
		case m[6] >= 0:
			sb.WriteString("~" + s[m[6]:m[7]] + "~")
		case m[8] >= 0:
			sb.WriteString("_" + s[m[8]:m[9]] + "_")
		}
	}
	sb.WriteString(s[last:])
	return sb.String()
}

// escape replaces reserved characters, leaving existing entities intact.
func escape(s string) string {
	if !strings.ContainsAny(s, "&<>") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '&':
			if entityPattern.MatchString(s[i:]) {
				sb.WriteByte('&')
			} else {
				sb.WriteString("&amp;")
			}
		case '<':
			sb.WriteString("&lt;")
		case '>':
			sb.WriteString("&gt;")
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
