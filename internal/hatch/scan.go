package hatch

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ScanSeverity indicates how serious a scan finding is.
type ScanSeverity string

const (
	SeverityCritical ScanSeverity = "critical"
	SeverityWarn     ScanSeverity = "warn"
)

// ScanFinding is a single suspicious construct found in an entry-point
// script.
type ScanFinding struct {
	Rule     string
	Severity ScanSeverity
	Line     int    // 0 for full-source rules
	Snippet  string // trimmed line or "(full-source match)"
}

// lineRule checks individual lines against a pattern.
type lineRule struct {
	name     string
	severity ScanSeverity
	pattern  *regexp.Regexp
}

// sourceRule checks the whole source; when contextPattern is set it
// must match too for the finding to be recorded.
type sourceRule struct {
	name           string
	severity       ScanSeverity
	pattern        *regexp.Regexp
	contextPattern *regexp.Regexp
}

// Entry points talk MCP over stdio, so sys.stdin / sys.stdout are
// deliberately not covered. They would only produce false positives.
var lineRules = []lineRule{
	{
		name:     "dangerous-exec",
		severity: SeverityCritical,
		pattern:  regexp.MustCompile(`\b(subprocess\.|os\.system\s*\(|os\.popen\s*\(|commands\.getoutput\s*\()`),
	},
	{
		name:     "dynamic-code",
		severity: SeverityCritical,
		pattern:  regexp.MustCompile(`\b(exec|eval|compile)\s*\(`),
	},
	{
		name:     "dynamic-import",
		severity: SeverityCritical,
		pattern:  regexp.MustCompile(`\b(__import__|importlib\.import_module)\s*\(`),
	},
}

var sourceRules = []sourceRule{
	{
		name:           "env-harvesting",
		severity:       SeverityCritical,
		pattern:        regexp.MustCompile(`os\.environ`),
		contextPattern: regexp.MustCompile(`\b(requests\.|urllib\.|httpx\.|socket\.connect|aiohttp\.)`),
	},
	{
		name:           "potential-exfil",
		severity:       SeverityWarn,
		pattern:        regexp.MustCompile(`\bopen\s*\([^)]*['"rb]`),
		contextPattern: regexp.MustCompile(`\b(requests\.|urllib\.|httpx\.|socket\.connect|aiohttp\.)`),
	},
	{
		name:           "obfuscated-code",
		severity:       SeverityWarn,
		pattern:        regexp.MustCompile(`\bbase64\b`),
		contextPattern: regexp.MustCompile(`\b(exec|eval)\s*\(`),
	},
}

// ScanEntryPoint performs a static scan of a package entry-point
// script. Findings are advisory: installation and validation report
// them but the decision to proceed stays with the user. Files that are
// not Python scripts return no findings.
func ScanEntryPoint(path string) ([]ScanFinding, error) {
	if !strings.HasSuffix(path, ".py") {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hatch: read entry point %q: %w", path, err)
	}
	source := string(data)

	var findings []ScanFinding

	scanner := bufio.NewScanner(strings.NewReader(source))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "#") {
			continue
		}

		for _, rule := range lineRules {
			if rule.pattern.MatchString(line) {
				findings = append(findings, ScanFinding{
					Rule:     rule.name,
					Severity: rule.severity,
					Line:     lineNum,
					Snippet:  stripped,
				})
			}
		}
	}

	for _, rule := range sourceRules {
		if !rule.pattern.MatchString(source) {
			continue
		}
		if rule.contextPattern != nil && !rule.contextPattern.MatchString(source) {
			continue
		}
		findings = append(findings, ScanFinding{
			Rule:     rule.name,
			Severity: rule.severity,
			Line:     0,
			Snippet:  "(full-source match)",
		})
	}

	return findings, nil
}

// HasCritical reports whether any finding is critical.
func HasCritical(findings []ScanFinding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// LogFindings records every finding for the named package.
func LogFindings(pkg string, findings []ScanFinding) {
	for _, f := range findings {
		attrs := []any{"package", pkg, "rule", f.Rule, "snippet", f.Snippet}
		if f.Line > 0 {
			attrs = append(attrs, "line", f.Line)
		}
		if f.Severity == SeverityCritical {
			slog.Warn("entry point scan finding", attrs...)
		} else {
			slog.Info("entry point scan finding", attrs...)
		}
	}
}
