package agent

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/nugget/jarvis/internal/selfedit"
	"github.com/nugget/jarvis/internal/tools"
)

// Finalize turns a raw model answer into the plain text delivered to
// the chat: markdown removed, timestamps shown in loc, units attached
// to numbers a tool reported, and filler phrases dropped. The tool
// activity footer is added separately by Footer.
func Finalize(answer string, results []tools.Result, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	s := stripMarkdown(answer)
	s = attachUnits(s, collectUnits(results))
	s = localizeTimestamps(s, loc)
	s = removeFiller(s)
	return s
}

var markdown = goldmark.New()

// stripMarkdown renders markdown as plain text by walking the parsed
// document and keeping only its text. List markers and link targets
// survive because they read fine without formatting.
func stripMarkdown(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(n.Segment.Value(src))
				if n.SoftLineBreak() || n.HardLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				buf.Write(n.Value)
			}
		case *ast.AutoLink:
			if entering {
				buf.Write(n.URL(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			if !entering {
				fmt.Fprintf(&buf, " (%s)", n.Destination)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					buf.Write(seg.Value(src))
				}
				buf.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if entering {
				buf.WriteString(listMarker(n))
			}
		case *ast.Paragraph:
			if !entering {
				if _, inItem := n.Parent().(*ast.ListItem); inItem {
					buf.WriteByte('\n')
				} else {
					buf.WriteString("\n\n")
				}
			}
		case *ast.TextBlock, *ast.Heading:
			if !entering {
				buf.WriteByte('\n')
			}
		case *ast.List:
			if !entering {
				if _, nested := n.Parent().(*ast.ListItem); !nested {
					buf.WriteByte('\n')
				}
			}
		case *ast.ThematicBreak:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(collapseBlankLines.ReplaceAllString(buf.String(), "\n\n"))
}

var collapseBlankLines = regexp.MustCompile(`\n{3,}`)

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "- "
	}
	n := list.Start
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		n++
	}
	return strconv.Itoa(n) + ". "
}

var isoTimestamp = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})[T ](\d{2}:\d{2})(:\d{2}(?:\.\d+)?)?(Z|[+-]\d{2}:\d{2})?`)

// localizeTimestamps rewrites ISO-8601 timestamps into loc. Timestamps
// without a zone are Home Assistant's and therefore UTC.
func localizeTimestamps(s string, loc *time.Location) string {
	return isoTimestamp.ReplaceAllStringFunc(s, func(m string) string {
		p := isoTimestamp.FindStringSubmatch(m)
		secs, zone := p[3], p[4]
		if secs == "" {
			secs = ":00"
		}
		if zone == "" {
			zone = "Z"
		}
		t, err := time.Parse(time.RFC3339Nano, p[1]+"T"+p[2]+secs+zone)
		if err != nil {
			return m
		}
		return t.In(loc).Format("Mon 2 Jan 15:04")
	})
}

// collectUnits maps each numeric value reported by a successful tool
// to its unit. Values reported with conflicting units are dropped.
func collectUnits(results []tools.Result) map[string]string {
	units := make(map[string]string)
	conflict := make(map[string]bool)
	for _, r := range results {
		if !r.OK {
			continue
		}
		for _, q := range r.Quantities {
			key, ok := canonicalNumber(q.Value)
			if !ok || q.Unit == "" || conflict[key] {
				continue
			}
			if prev, seen := units[key]; seen && prev != q.Unit {
				delete(units, key)
				conflict[key] = true
				continue
			}
			units[key] = q.Unit
		}
	}
	return units
}

func canonicalNumber(s string) (string, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

var bareNumber = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// attachUnits appends the reported unit to bare numbers in s that equal
// a tool-reported value. Numbers already followed by a unit, or that
// are part of an identifier, time or larger number, are left alone.
func attachUnits(s string, units map[string]string) string {
	if len(units) == 0 {
		return s
	}
	var out strings.Builder
	last := 0
	for _, loc := range bareNumber.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		key, ok := canonicalNumber(s[start:end])
		if !ok {
			continue
		}
		unit, known := units[key]
		if !known || !bareAt(s, start, end, unit) {
			continue
		}
		out.WriteString(s[last:end])
		if strings.HasPrefix(unit, "°") || unit == "%" {
			out.WriteString(unit)
		} else {
			out.WriteString(" " + unit)
		}
		last = end
	}
	out.WriteString(s[last:])
	return out.String()
}

func bareAt(s string, start, end int, unit string) bool {
	if start > 0 {
		prev, _ := utf8.DecodeLastRuneInString(s[:start])
		if unicode.IsLetter(prev) || unicode.IsDigit(prev) || strings.ContainsRune("._:/-", prev) {
			return false
		}
	}
	rest := s[end:]
	if strings.HasPrefix(strings.TrimLeft(rest, " "), unit) {
		return false
	}
	if rest == "" {
		return true
	}
	next, _ := utf8.DecodeRuneInString(rest)
	if unicode.IsLetter(next) || unicode.IsDigit(next) || strings.ContainsRune("%°:_/-", next) {
		return false
	}
	if next == '.' && len(rest) > 1 && rest[1] >= '0' && rest[1] <= '9' {
		return false
	}
	if next == ' ' {
		after, _ := utf8.DecodeRuneInString(strings.TrimLeft(rest, " "))
		if after == '°' || after == '%' {
			return false
		}
	}
	return true
}

var filler = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:i'?d be|i'?m|i am) happy to help(?: with that)?[.!]?\s*`),
	regexp.MustCompile(`(?i)\bhappy to help[.!]?\s*`),
	regexp.MustCompile(`(?i)\b(?:that's a |what a )?great question[.!]?\s*`),
	regexp.MustCompile(`(?i)\b(?:certainly|of course)\b[!,.]?\s*`),
}

// removeFiller drops the stock pleasantries the assistant must not use.
func removeFiller(s string) string {
	orig := s
	for _, re := range filler {
		s = re.ReplaceAllString(s, "")
	}
	if s == orig {
		return s
	}
	s = strings.TrimSpace(s)
	if r, size := utf8.DecodeRuneInString(s); unicode.IsLower(r) {
		s = string(unicode.ToUpper(r)) + s[size:]
	}
	return s
}

var serviceLabels = map[string]string{
	"turn_on":  "on",
	"turn_off": "off",
	"toggle":   "toggled",
}

// Footer summarises what the cycle did, e.g. "(checked 3 sources,
// switch on, saved to memory)". Reused and failed calls are not
// counted. It returns "" when nothing ran.
func Footer(results []tools.Result) string {
	reads := 0
	var actions []string
	for _, r := range results {
		if !r.OK || r.Repeated || r.Call == nil {
			continue
		}
		switch c := r.Call.(type) {
		case *tools.CallService:
			label, ok := serviceLabels[c.Service]
			if !ok {
				label = c.Service
			}
			actions = append(actions, c.Domain+" "+label)
		case *tools.WriteHAConfig:
			actions = append(actions, "wrote "+c.Filename)
		case *tools.ReloadHAConfig:
			actions = append(actions, "reloaded "+c.Component)
		case *tools.Remember:
			actions = append(actions, "saved to memory")
		case *tools.WriteSelf:
			file := c.Document
			if n, err := selfedit.ParseName(c.Document); err == nil {
				file = n.FileName()
			}
			actions = append(actions, "edited "+file)
		case *tools.Delegate:
			actions = append(actions, "delegated")
		case *tools.AddAlert:
			actions = append(actions, "added alert")
		case *tools.RemoveAlert:
			actions = append(actions, "removed alert")
		default:
			reads++
		}
	}

	var parts []string
	switch {
	case reads == 1:
		parts = append(parts, "checked 1 source")
	case reads > 1:
		parts = append(parts, fmt.Sprintf("checked %d sources", reads))
	}
	parts = append(parts, actions...)
	if len(parts) == 0 {
		return ""
	}
	return "\n\n(" + strings.Join(parts, ", ") + ")"
}
