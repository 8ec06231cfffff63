package threat

import "regexp"

// The pattern lists are fixed so scanning is deterministic. They target
// injection syntax rather than keywords: an apostrophe alone (O'Brien) or a
// word like "select" in prose never matches.

var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b(\s+all)?\s+select\b`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter|insert|update|create|exec|shutdown)\b`),
	regexp.MustCompile(`(?i)\b(drop|truncate)\s+(table|database|schema)\b`),
	regexp.MustCompile(`(?i)'\s*(or|and)\s+['"\d\w]+\s*(=|<|>|like\b)`),
	regexp.MustCompile(`(?i)'\s*(--|#|/\*)`),
	regexp.MustCompile(`(?i)\bexec(ute)?\s+(xp_|sp_)\w+`),
	regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(`),
	regexp.MustCompile(`(?i)\bwaitfor\s+delay\b`),
	regexp.MustCompile(`(?i)\binformation_schema\b`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|blur|submit|change)\s*=`),
	regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg|applet|meta)\b`),
	regexp.MustCompile(`(?i)\bdocument\s*\.\s*(cookie|location|write)\b`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
}

// defaultSuspiciousAgents are lowercase substrings of scanner user agents.
var defaultSuspiciousAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "acunetix", "dirbuster", "wpscan", "havij",
}
