// Package extract pulls terraform configuration out of raw model responses.
// Models wrap code in markdown fences, label files with headers, or emit
// bare HCL; a fixed chain of strategies tries each shape in order and the
// first one that yields usable files wins. Extraction is deterministic:
// the same response always produces the same artifact.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Strategy names, in chain order.
const (
	StrategyFencedFiles  = "fenced_files"
	StrategyFencedTagged = "fenced_tagged"
	StrategyHeaderFiles  = "header_files"
	StrategyBareHCL      = "bare_hcl"
)

// ErrNoCode is returned when no strategy finds terraform code in a response.
var ErrNoCode = errors.New("no terraform configuration found in response")

// Artifact is the extracted terraform configuration.
type Artifact struct {
	// Files maps file name to content. Single-block responses land in main.tf.
	Files map[string]string
	// CandidateBlocks counts the fenced code blocks seen in the response.
	CandidateBlocks int
	// Strategy names the chain member that produced the artifact.
	Strategy string
}

var (
	fenceRe = regexp.MustCompile("(?ms)^```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)^```[ \t]*$")

	// A .tf file name appearing in a label line near a fence or in a header.
	tfNameRe = regexp.MustCompile(`([A-Za-z0-9_./-]*[A-Za-z0-9_-]\.tf)\b`)

	// Header forms models use to label files outside fences.
	headerRe = regexp.MustCompile(`(?m)^(?:\*\*|#{1,4}\s+|File:\s*|###?\s*File:\s*)\s*([A-Za-z0-9_./-]*\.tf)\*{0,2}\s*$`)

	topLevelBlockRe = regexp.MustCompile(`(?m)^\s*(resource|provider|variable|output|terraform|module|data|locals)\b[^\n]*\{`)
)

type fencedBlock struct {
	tag      string
	body     string
	filename string
	start    int
}

// Extract runs the strategy chain over a raw model response.
func Extract(response string) (Artifact, error) {
	blocks := fencedBlocks(response)

	if art, ok := fencedFiles(blocks); ok {
		art.CandidateBlocks = len(blocks)
		return art, nil
	}
	if art, ok := fencedTagged(blocks); ok {
		art.CandidateBlocks = len(blocks)
		return art, nil
	}
	if art, ok := headerFiles(response); ok {
		art.CandidateBlocks = len(blocks)
		return art, nil
	}
	if art, ok := bareHCL(response); ok {
		art.CandidateBlocks = len(blocks)
		return art, nil
	}

	return Artifact{CandidateBlocks: len(blocks)}, fmt.Errorf("%w (%d fenced blocks seen)", ErrNoCode, len(blocks))
}

func fencedBlocks(response string) []fencedBlock {
	matches := fenceRe.FindAllStringSubmatchIndex(response, -1)
	blocks := make([]fencedBlock, 0, len(matches))
	for _, m := range matches {
		tag := strings.ToLower(response[m[2]:m[3]])
		body := response[m[4]:m[5]]
		block := fencedBlock{tag: tag, body: body, start: m[0]}
		block.filename = labelBefore(response, m[0])
		if block.filename == "" {
			block.filename = commentHeaderName(body)
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// labelBefore scans the two non-empty lines above a fence for a .tf name.
func labelBefore(response string, fenceStart int) string {
	before := response[:fenceStart]
	lines := strings.Split(before, "\n")
	checked := 0
	for i := len(lines) - 1; i >= 0 && checked < 2; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		checked++
		if m := tfNameRe.FindStringSubmatch(line); m != nil {
			return normalizeName(m[1])
		}
	}
	return ""
}

// commentHeaderName matches a leading "# main.tf" style comment inside a block.
func commentHeaderName(body string) string {
	firstLine := body
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		firstLine = body[:idx]
	}
	firstLine = strings.TrimSpace(firstLine)
	if !strings.HasPrefix(firstLine, "#") && !strings.HasPrefix(firstLine, "//") {
		return ""
	}
	if m := tfNameRe.FindStringSubmatch(firstLine); m != nil {
		return normalizeName(m[1])
	}
	return ""
}

func normalizeName(name string) string {
	name = strings.TrimPrefix(name, "./")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// fencedFiles keeps fenced blocks that carry a file name label.
func fencedFiles(blocks []fencedBlock) (Artifact, bool) {
	files := make(map[string]string)
	for _, b := range blocks {
		if b.filename == "" {
			continue
		}
		if !isCodeTag(b.tag) {
			continue
		}
		body := strings.TrimRight(b.body, "\n") + "\n"
		if existing, ok := files[b.filename]; ok {
			files[b.filename] = existing + "\n" + body
		} else {
			files[b.filename] = body
		}
	}
	if len(files) == 0 {
		return Artifact{}, false
	}
	return Artifact{Files: files, Strategy: StrategyFencedFiles}, true
}

// fencedTagged handles unlabeled fenced blocks. A single block is taken as
// main.tf without structural sniffing, so malformed code still reaches the
// toolchain and fails there instead of being classed as no code at all.
// Several blocks are concatenated, falling back to the largest block that
// reads as terraform when the concatenation does not.
func fencedTagged(blocks []fencedBlock) (Artifact, bool) {
	var candidates []string
	for _, b := range blocks {
		if !isCodeTag(b.tag) {
			continue
		}
		candidates = append(candidates, strings.TrimRight(b.body, "\n")+"\n")
	}
	if len(candidates) == 0 {
		return Artifact{}, false
	}

	if len(candidates) == 1 {
		return Artifact{Files: map[string]string{"main.tf": candidates[0]}, Strategy: StrategyFencedTagged}, true
	}

	joined := strings.Join(candidates, "\n")
	if looksLikeHCL(joined) {
		return Artifact{Files: map[string]string{"main.tf": joined}, Strategy: StrategyFencedTagged}, true
	}

	largest := ""
	for _, c := range candidates {
		if len(c) > len(largest) && looksLikeHCL(c) {
			largest = c
		}
	}
	if largest == "" {
		return Artifact{}, false
	}
	return Artifact{Files: map[string]string{"main.tf": largest}, Strategy: StrategyFencedTagged}, true
}

// headerFiles handles responses that label files with markdown headers and
// put the code underneath without fences.
func headerFiles(response string) (Artifact, bool) {
	headers := headerRe.FindAllStringSubmatchIndex(response, -1)
	if len(headers) == 0 {
		return Artifact{}, false
	}

	files := make(map[string]string, len(headers))
	for i, h := range headers {
		name := normalizeName(response[h[2]:h[3]])
		end := len(response)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		body := response[h[1]:end]
		body = stripFences(body)
		body = strings.TrimSpace(body)
		if body == "" || !looksLikeHCL(body) {
			continue
		}
		files[name] = body + "\n"
	}
	if len(files) == 0 {
		return Artifact{}, false
	}
	return Artifact{Files: files, Strategy: StrategyHeaderFiles}, true
}

// bareHCL accepts the whole response when it already reads as terraform.
func bareHCL(response string) (Artifact, bool) {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" || !looksLikeHCL(trimmed) {
		return Artifact{}, false
	}
	return Artifact{Files: map[string]string{"main.tf": trimmed + "\n"}, Strategy: StrategyBareHCL}, true
}

func stripFences(body string) string {
	if m := fenceRe.FindStringSubmatch(body); m != nil {
		return m[2]
	}
	return body
}

func isCodeTag(tag string) bool {
	switch tag {
	case "", "terraform", "hcl", "tf":
		return true
	default:
		return false
	}
}

// looksLikeHCL checks for at least one top-level terraform block and balanced
// braces. It is a structural sniff, not a parser; terraform validate does the
// real work later.
func looksLikeHCL(code string) bool {
	if !topLevelBlockRe.MatchString(code) {
		return false
	}
	depth := 0
	inString := false
	var prev rune
	for _, r := range code {
		switch {
		case r == '"' && prev != '\\':
			inString = !inString
		case inString:
		case r == '{':
			depth++
		case r == '}':
			depth--
			if depth < 0 {
				return false
			}
		}
		prev = r
	}
	return depth == 0
}
