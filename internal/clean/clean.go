// Package clean implements the Cleaning Pipeline (§4.D): a deterministic,
// order-fixed sequence of steps that turns a parsed message body into
// low-noise text suitable for grep, embedding, and reading. Every rule is
// a bounded transformation plus a conservative fallback that prefers the
// original text over destroying content.
package clean

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Result is the output of the pipeline: the cleaned body and its snippet.
type Result struct {
	Body    string
	Snippet string
}

// Clean runs all five pipeline steps in order over a parsed message.
// text is used when non-empty; otherwise html is converted to text first.
func Clean(text, htmlBody string) Result {
	body := chooseBody(text, htmlBody)
	body = removeQuoteChains(body)
	body = stripSignature(body)
	body = normalizeNoise(body)
	return Result{
		Body:    body,
		Snippet: snippet(body, 300),
	}
}

// --- Step 1: choose body ---

func chooseBody(text, htmlBody string) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	return htmlToText(htmlBody)
}

var (
	reWhitespaceRun = regexp.MustCompile(`[ \t]+`)
	reBlankRun      = regexp.MustCompile(`\n{3,}`)
)

// htmlToText strips <style>/<script>/<img>, renders anchors as
// "[text](url)", and collapses whitespace. Grounded on golang.org/x/net/html's
// tokenizer rather than regex tag-stripping, so anchor text and href can
// be paired correctly.
func htmlToText(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	z := html.NewTokenizer(strings.NewReader(input))
	var sb strings.Builder

	type anchorState struct {
		href string
		text strings.Builder
	}
	var anchors []*anchorState
	var skipDepth int // inside <style> or <script>

	flushAnchor := func(a *anchorState) {
		text := strings.TrimSpace(a.text.String())
		if text == "" {
			return
		}
		if a.href != "" && a.href != text {
			sb.WriteString("[")
			sb.WriteString(text)
			sb.WriteString("](")
			sb.WriteString(a.href)
			sb.WriteString(")")
		} else {
			sb.WriteString(text)
		}
		sb.WriteString(" ")
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		tok := z.Token()

		switch tok.Data {
		case "style", "script":
			if tt == html.StartTagToken {
				skipDepth++
			} else if tt == html.EndTagToken && skipDepth > 0 {
				skipDepth--
			}
			continue
		case "img":
			continue // images carry no text content
		}
		if skipDepth > 0 {
			continue
		}

		switch tt {
		case html.StartTagToken:
			if tok.Data == "a" {
				href := ""
				for _, attr := range tok.Attr {
					if attr.Key == "href" {
						href = attr.Val
					}
				}
				anchors = append(anchors, &anchorState{href: href})
			} else if tok.Data == "br" || tok.Data == "p" || tok.Data == "div" {
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			if tok.Data == "a" && len(anchors) > 0 {
				a := anchors[len(anchors)-1]
				anchors = anchors[:len(anchors)-1]
				if len(anchors) > 0 {
					// Nested anchor (malformed HTML): fold into parent.
					anchors[len(anchors)-1].text.WriteString(a.text.String())
				} else {
					flushAnchor(a)
				}
			}
			if tok.Data == "p" || tok.Data == "div" {
				sb.WriteString("\n")
			}
		case html.TextToken:
			if len(anchors) > 0 {
				anchors[len(anchors)-1].text.WriteString(tok.Data)
			} else {
				sb.WriteString(tok.Data)
			}
		}
	}

	text := sb.String()
	text = reWhitespaceRun.ReplaceAllString(text, " ")
	text = reBlankRun.ReplaceAllString(text, "\n\n")
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// --- Step 2: quote-chain removal ---

var (
	reOnDateWrote    = regexp.MustCompile(`(?m)^On .{0,80}wrote:\s*$`)
	reOriginalMsg    = regexp.MustCompile(`(?m)^-{3,}\s*Original Message\s*-{3,}\s*$`)
	reQuoteLine      = regexp.MustCompile(`(?m)^>.*$`)
)

func removeQuoteChains(body string) string {
	out := reOnDateWrote.ReplaceAllString(body, "")
	out = reOriginalMsg.ReplaceAllString(out, "")
	out = removeQuoteLineBlocks(out)
	out = collapseBlank(out)

	return conservativeFallback(body, out, 10, 50)
}

// removeQuoteLineBlocks drops contiguous runs of lines prefixed with ">".
func removeQuoteLineBlocks(body string) string {
	lines := strings.Split(body, "\n")
	var out []string
	for _, l := range lines {
		if reQuoteLine.MatchString(l) {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

// --- Step 3: signature stripping ---

var (
	reSigDelim   = regexp.MustCompile(`(?m)^(--|-- |__)\s*$`)
	reSentFrom   = regexp.MustCompile(`(?mi)^Sent from (my )?(iPhone|iPad|Android|Samsung|BlackBerry).*$`)
	reGetOutlook = regexp.MustCompile(`(?mi)^Get Outlook for .*$`)
	reLegalAllCaps = regexp.MustCompile(`(?m)^[A-Z0-9 ,.'"():;-]{40,}$`)
)

func stripSignature(body string) string {
	out := body

	if loc := reSigDelim.FindStringIndex(out); loc != nil {
		out = out[:loc[0]]
	}
	out = reSentFrom.ReplaceAllString(out, "")
	out = reGetOutlook.ReplaceAllString(out, "")
	out = reLegalAllCaps.ReplaceAllString(out, "")
	out = collapseBlank(out)

	return conservativeFallback(body, out, 0, 50, 0.8)
}

// conservativeFallback implements the "keep original on evidence of
// over-stripping" rule shared by steps 2 and 3. minKeepChars/minInputLen
// are absolute; an optional maxRemovedFraction caps the fraction removed.
func conservativeFallback(original, stripped string, minKeepChars, minInputLen int, maxRemovedFraction ...float64) string {
	trimmedOriginal := strings.TrimSpace(original)
	trimmedStripped := strings.TrimSpace(stripped)

	if len(trimmedOriginal) < minInputLen {
		return stripped
	}
	if len(trimmedStripped) < minKeepChars {
		return original
	}
	if len(maxRemovedFraction) > 0 {
		removed := float64(len(trimmedOriginal)-len(trimmedStripped)) / float64(len(trimmedOriginal))
		if removed > maxRemovedFraction[0] {
			return original
		}
	}
	return stripped
}

// --- Step 4: noise normalization ---

var (
	reImageLine     = regexp.MustCompile(`(?m)^\[image:.*\]\s*$`)
	reBareImageURL  = regexp.MustCompile(`(?m)^https?://\S+\.(png|jpe?g|gif|svg|webp)(\?\S*)?\s*$`)
	reTrackingParam = regexp.MustCompile(`(?i)\b(utm_[a-z]+|correlation_id|ref_campaign|ref_source|token|auto_token|ct|ec)=[^&\s]*&?`)
	reLongURL       = regexp.MustCompile(`https?://[^\s]{151,}`)
	curlyQuotes     = strings.NewReplacer(
		"‘", "'", "’", "'",
		"“", `"`, "”", `"`,
		"–", "-", "—", "-",
	)
)

func normalizeNoise(body string) string {
	out := norm.NFC.String(body)
	out = curlyQuotes.Replace(out)
	out = reImageLine.ReplaceAllString(out, "")
	out = reBareImageURL.ReplaceAllString(out, "")
	out = shortenLongURLs(out)
	out = stripTrackingParams(out)
	out = stripFooter(out)
	out = collapseBlank(out)
	return strings.TrimSpace(out)
}

func shortenLongURLs(body string) string {
	return reLongURL.ReplaceAllStringFunc(body, func(u string) string {
		rest := u[strings.Index(u, "://")+3:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return u
		}
		origin := rest[:slash]
		afterSlash := rest[slash+1:]
		firstSeg := afterSlash
		if i := strings.Index(afterSlash, "/"); i >= 0 {
			firstSeg = afterSlash[:i]
		}
		return origin + "/" + firstSeg + "/..."
	})
}

func stripTrackingParams(body string) string {
	return reTrackingParam.ReplaceAllStringFunc(body, func(m string) string {
		if strings.HasSuffix(m, "&") {
			return ""
		}
		return ""
	})
}

// footerBoundaryMarkers are phrases that commonly start a trailing
// footer region (unsubscribe blocks, legal boilerplate, app download nags).
var footerBoundaryMarkers = []string{
	"unsubscribe", "view this email in your browser", "you received this email because",
	"this message was sent to", "privacy policy", "update your preferences",
}

var footerLineMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)unsubscribe`),
	regexp.MustCompile(`(?i)view in browser`),
	regexp.MustCompile(`(?i)^\s*©.*all rights reserved`),
	regexp.MustCompile(`(?i)update your email preferences`),
}

// stripFooter applies the two footer-detection strategies from §4.D step 4.
func stripFooter(body string) string {
	lower := strings.ToLower(body)
	start := int(float64(len(body)) * 0.4)
	if start < len(body) {
		window := lower[start:]
		for _, marker := range footerBoundaryMarkers {
			if idx := strings.Index(window, marker); idx >= 0 {
				cut := start + idx
				kept := body[:cut]
				if float64(len(strings.TrimSpace(kept)))/float64(len(body)) >= 0.2 {
					body = kept
					break
				}
			}
		}
	}

	lines := strings.Split(body, "\n")
	end := len(lines)
	for end > 0 {
		l := lines[end-1]
		if strings.TrimSpace(l) == "" {
			end--
			continue
		}
		matched := false
		for _, re := range footerLineMarkers {
			if re.MatchString(l) {
				matched = true
				break
			}
		}
		if !matched {
			break
		}
		end--
	}
	return strings.Join(lines[:end], "\n")
}

func collapseBlank(body string) string {
	return strings.TrimSpace(reBlankRun.ReplaceAllString(body, "\n\n"))
}

// --- Step 5: snippet ---

const snippetCap = 300

func snippet(body string, cap int) string {
	collapsed := reWhitespaceRun.ReplaceAllString(strings.ReplaceAll(body, "\n", " "), " ")
	collapsed = strings.TrimSpace(collapsed)
	if len(collapsed) <= cap {
		return collapsed
	}

	minLen := int(float64(cap) * 0.7)
	truncated := collapsed[:cap]
	if idx := strings.LastIndex(truncated, " "); idx >= minLen {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated) + "…"
}
