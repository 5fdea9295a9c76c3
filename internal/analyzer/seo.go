package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/yourorg/audit-worker/internal/model"
)

const (
	maxPageBytes      = 5 << 20
	slowResponse      = 3 * time.Second
	heavyPageBytes    = 2 << 20
	titleMaxLen       = 60
	descriptionMaxLen = 160
)

// Seo fetches the target page plus its auxiliary resources and runs a fixed
// battery of structural checks. Findings come out already on the canonical
// severity scale. Only a total failure to fetch the primary page
// short-circuits the adapter.
type Seo struct {
	Client  *http.Client
	Timeout time.Duration
}

func (a *Seo) Run(ctx context.Context, scanID, targetURL string) SeoResult {
	var res SeoResult

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	body, err := a.fetch(ctx, client, targetURL)
	latency := time.Since(start)
	if err != nil {
		// The one short-circuit: unreachable primary page.
		res.Findings = append(res.Findings, seoFinding(scanID, targetURL,
			model.SeverityCritical, "seo-site-unreachable",
			fmt.Sprintf("The site did not respond to a normal page request: %v", err), ""))
		return res
	}

	page := parsePage(body)
	res.Findings = append(res.Findings, checkPage(scanID, targetURL, page)...)
	res.Findings = append(res.Findings, checkTransport(scanID, targetURL, latency, len(body))...)

	res.Findings = append(res.Findings, a.checkAux(ctx, client, scanID, targetURL)...)
	return res
}

func (a *Seo) fetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "audit-worker-seo/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}
	return body, nil
}

type seoPage struct {
	Title           string
	MetaDescription string
	H1Count         int
	ImgCount        int
	ImgMissingAlt   int
	HasCanonical    bool
	HasViewport     bool
	HasOpenGraph    bool
	HasJSONLD       bool
}

func parsePage(body []byte) seoPage {
	var page seoPage
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return page
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && page.Title == "" {
					page.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "h1":
				page.H1Count++
			case "img":
				page.ImgCount++
				if attr(n, "alt") == "" {
					page.ImgMissingAlt++
				}
			case "meta":
				name := strings.ToLower(attr(n, "name"))
				property := strings.ToLower(attr(n, "property"))
				switch {
				case name == "description":
					page.MetaDescription = strings.TrimSpace(attr(n, "content"))
				case name == "viewport":
					page.HasViewport = true
				case strings.HasPrefix(property, "og:"):
					page.HasOpenGraph = true
				}
			case "link":
				if strings.EqualFold(attr(n, "rel"), "canonical") {
					page.HasCanonical = true
				}
			case "script":
				if strings.EqualFold(attr(n, "type"), "application/ld+json") {
					page.HasJSONLD = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return page
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func checkPage(scanID, targetURL string, page seoPage) []model.Finding {
	var out []model.Finding
	add := func(severity, ruleID, message, evidence string) {
		out = append(out, seoFinding(scanID, targetURL, severity, ruleID, message, evidence))
	}

	switch {
	case page.Title == "":
		add(model.SeverityHigh, "seo-missing-title",
			"The page has no <title> tag, so search results show a bare URL instead of a headline.", "")
	case len(page.Title) > titleMaxLen:
		add(model.SeverityLow, "seo-title-too-long",
			fmt.Sprintf("The page title is %d characters; search engines truncate titles past %d.", len(page.Title), titleMaxLen),
			page.Title)
	}

	switch {
	case page.MetaDescription == "":
		add(model.SeverityMedium, "seo-missing-meta-description",
			"The page has no meta description, so search engines invent their own snippet.", "")
	case len(page.MetaDescription) > descriptionMaxLen:
		add(model.SeverityLow, "seo-meta-description-too-long",
			fmt.Sprintf("The meta description is %d characters; anything past %d is cut off in search results.", len(page.MetaDescription), descriptionMaxLen),
			page.MetaDescription)
	}

	switch {
	case page.H1Count == 0:
		add(model.SeverityMedium, "seo-missing-h1",
			"The page has no <h1> heading, which search engines use to understand the page topic.", "")
	case page.H1Count > 1:
		add(model.SeverityLow, "seo-multiple-h1",
			fmt.Sprintf("The page has %d <h1> headings; a single one gives a clearer topic signal.", page.H1Count), "")
	}

	if !page.HasCanonical {
		add(model.SeverityLow, "seo-missing-canonical",
			"The page declares no canonical URL, so duplicate addresses can split ranking signals.", "")
	}
	if !page.HasViewport {
		add(model.SeverityMedium, "seo-missing-viewport",
			"The page has no viewport meta tag, so it renders poorly on phones and loses mobile ranking.", "")
	}
	if page.ImgMissingAlt > 0 {
		add(model.SeverityLow, "seo-images-missing-alt",
			fmt.Sprintf("%d of %d images have no alt text, which hurts accessibility and image search.", page.ImgMissingAlt, page.ImgCount), "")
	}
	if !page.HasOpenGraph {
		add(model.SeverityLow, "seo-missing-open-graph",
			"The page has no Open Graph tags, so shared links show no preview card on social platforms.", "")
	}
	if !page.HasJSONLD {
		add(model.SeverityInfo, "seo-missing-structured-data",
			"The page has no structured data (JSON-LD), so search engines cannot show rich results for it.", "")
	}
	return out
}

func checkTransport(scanID, targetURL string, latency time.Duration, size int) []model.Finding {
	var out []model.Finding
	if u, err := url.Parse(targetURL); err == nil && u.Scheme == "http" {
		out = append(out, seoFinding(scanID, targetURL, model.SeverityHigh, "seo-no-https",
			"The site is served over plain HTTP; browsers flag it as not secure and search engines rank it lower.", ""))
	}
	if latency > slowResponse {
		out = append(out, seoFinding(scanID, targetURL, model.SeverityMedium, "seo-slow-response",
			fmt.Sprintf("The page took %.1f seconds to respond; anything past %.0f seconds costs visitors and ranking.",
				latency.Seconds(), slowResponse.Seconds()), ""))
	}
	if size > heavyPageBytes {
		out = append(out, seoFinding(scanID, targetURL, model.SeverityMedium, "seo-heavy-page",
			fmt.Sprintf("The page weighs %d KB; pages over %d KB load slowly on mobile connections.",
				size/1024, heavyPageBytes/1024), ""))
	}
	return out
}

// checkAux fetches robots.txt, sitemap.xml, and llms.txt. Each absent or
// malformed resource degrades to its own finding; none of them can fail the
// adapter.
func (a *Seo) checkAux(ctx context.Context, client *http.Client, scanID, targetURL string) []model.Finding {
	var out []model.Finding

	base, err := url.Parse(targetURL)
	if err != nil {
		return out
	}
	origin := base.Scheme + "://" + base.Host

	robots, err := a.fetch(ctx, client, origin+"/robots.txt")
	if err != nil {
		out = append(out, seoFinding(scanID, targetURL, model.SeverityLow, "seo-missing-robots",
			"The site has no robots.txt, so crawlers get no guidance about what to index.", ""))
	} else if robotsBlocksAll(string(robots)) {
		out = append(out, seoFinding(scanID, targetURL, model.SeverityHigh, "seo-robots-blocks-all",
			"robots.txt blocks all crawlers from the entire site, making it invisible to search engines.",
			string(robots)))
	}

	if _, err := a.fetch(ctx, client, origin+"/sitemap.xml"); err != nil {
		out = append(out, seoFinding(scanID, targetURL, model.SeverityLow, "seo-missing-sitemap",
			"The site has no sitemap.xml, so search engines may miss pages when crawling.", ""))
	}

	if _, err := a.fetch(ctx, client, origin+"/llms.txt"); err != nil {
		out = append(out, seoFinding(scanID, targetURL, model.SeverityInfo, "seo-missing-llms-txt",
			"The site has no llms.txt, so AI assistants have no curated guide to its content.", ""))
	}
	return out
}

// robotsBlocksAll reports whether any line is a bare "Disallow: /" directive.
// Lines are compared individually so CRLF endings and trailing comments on
// other lines do not matter.
func robotsBlocksAll(robots string) bool {
	for _, line := range strings.Split(robots, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "disallow: /") {
			return true
		}
	}
	return false
}

func seoFinding(scanID, targetURL, severity, ruleID, message, evidence string) model.Finding {
	raw, _ := json.Marshal(map[string]string{
		"rule":     ruleID,
		"target":   targetURL,
		"evidence": evidence,
	})
	return model.Finding{
		ScanID:   scanID,
		Severity: severity,
		Category: "seo",
		RuleID:   ruleID,
		URL:      targetURL,
		Snippet:  evidence,
		Message:  message,
		Raw:      raw,
		Status:   model.FindingOpen,
	}
}
