package types

import (
	"regexp"
	"strings"
)

// commonExts are file extensions that mark a token as file-shaped even
// without a directory separator.
var commonExts = []string{
	".go", ".md", ".py", ".js", ".ts", ".tsx", ".jsx",
	".yaml", ".yml", ".json", ".txt", ".html", ".css",
	".rs", ".java", ".c", ".h", ".cpp", ".sh", ".sql", ".toml",
}

// HasFileExtension checks if the string ends with a common file extension.
func HasFileExtension(v string) bool {
	lower := strings.ToLower(v)
	for _, ext := range commonExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// tokenRe matches path-shaped candidate tokens: word characters plus the
// separators and dots that appear in file paths.
var tokenRe = regexp.MustCompile(`[A-Za-z0-9_][A-Za-z0-9_\-./\\]*`)

// ExtractFileTokens returns the set of file-like tokens mentioned in text:
// anything containing a path separator, or a bare filename with a known
// extension. Trailing punctuation is stripped. Order follows first mention;
// duplicates are removed.
func ExtractFileTokens(text string) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, tok := range tokenRe.FindAllString(text, -1) {
		tok = strings.Trim(tok, "./\\")
		if tok == "" {
			continue
		}
		pathShaped := strings.ContainsAny(tok, `/\`)
		if !pathShaped && !HasFileExtension(tok) {
			continue
		}
		if pathShaped && !HasFileExtension(tok) {
			// Directory-only mentions ("src/utils") still count as paths,
			// but bare version strings ("1.2/3") do not.
			if !strings.ContainsAny(tok, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") {
				continue
			}
		}
		norm := strings.ReplaceAll(tok, `\`, "/")
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}

	return out
}

// planTokenRe matches explicit plan/phase markers such as "Phase 2" or
// "step 3".
var planTokenRe = regexp.MustCompile(`(?i)\b(phase|step|stage|milestone)\s+(\d+)\b`)

// ExtractPlanTokens returns normalized plan/phase tokens found in text,
// e.g. "phase 2". Duplicates are removed.
func ExtractPlanTokens(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range planTokenRe.FindAllStringSubmatch(text, -1) {
		tok := strings.ToLower(m[1]) + " " + m[2]
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// BaseName returns the filename component of a path-shaped token.
func BaseName(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
