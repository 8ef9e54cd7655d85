package retry

import (
	"regexp"
	"time"
)

// Category is the retry disposition of a classified error.
type Category int

const (
	// Recoverable failures are expected to be transient and worth retrying.
	Recoverable Category = iota
	// Fatal failures will not improve on retry and are surfaced immediately.
	Fatal
	// Unknown failures are unclassified. They are never retried so novel
	// failure modes surface instead of being silently masked.
	Unknown
)

func (c Category) String() string {
	switch c {
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classified is the result of running an error through the rule table.
type Classified struct {
	Type     string
	Category Category
	HTTPCode int
	Message  string
	At       time.Time
}

// Rule is one entry of the ordered classification table. The first rule
// whose Match returns true decides the outcome.
type Rule struct {
	Name     string
	Type     string
	Category Category
	Match    func(msg string, httpCode int) bool
}

func codeRule(name, typ string, cat Category, codes ...int) Rule {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return Rule{
		Name:     name,
		Type:     typ,
		Category: cat,
		Match: func(_ string, httpCode int) bool {
			_, ok := set[httpCode]
			return ok
		},
	}
}

func regexpRule(name, typ string, cat Category, pattern string) Rule {
	re := regexp.MustCompile(pattern)
	return Rule{
		Name:     name,
		Type:     typ,
		Category: cat,
		Match: func(msg string, _ int) bool {
			return msg != "" && re.MatchString(msg)
		},
	}
}

// defaultRules returns the built-in table. HTTP code rules run first so a
// known status always wins over whatever the message happens to contain;
// then message regexes, recoverable before fatal.
func defaultRules() []Rule {
	return []Rule{
		codeRule("http_timeout", "timeout", Recoverable, 408),
		codeRule("http_rate_limit", "rate_limit", Recoverable, 429),
		codeRule("http_server", "server", Recoverable, 500, 502, 503, 504),
		codeRule("http_auth", "auth", Fatal, 401, 403),
		codeRule("http_bad_request", "bad_request", Fatal, 400, 422),
		codeRule("http_not_found", "not_found", Fatal, 404, 405, 410),

		regexpRule("timeout", "timeout", Recoverable,
			`(?i)(timed?\s?out|timeout|deadline exceeded)`),
		regexpRule("rate_limit", "rate_limit", Recoverable,
			`(?i)(rate.?limit|too many requests|quota exceeded|\b429\b)`),
		regexpRule("connection", "connection", Recoverable,
			`(?i)(connection (refused|reset|closed|aborted)|broken pipe|unexpected EOF|no route to host|network is unreachable|service unavailable|\b50[234]\b)`),
		regexpRule("dns", "dns", Recoverable,
			`(?i)(no such host|dns|name resolution|lookup .* failed)`),
		regexpRule("ssl", "ssl", Recoverable,
			`(?i)(\btls\b|\bssl\b|certificate|x509)`),
		regexpRule("auth", "auth", Fatal,
			`(?i)(unauthorized|forbidden|authentication|invalid (api.?key|token|credentials)|\b401\b|\b403\b)`),
		regexpRule("bad_request", "bad_request", Fatal,
			`(?i)(bad request|invalid request|malformed|validation (error|failed)|unprocessable|\b400\b|\b422\b)`),
	}
}

// classify runs err through the table. httpCode 0 means "no code"; when the
// error carries one via WithHTTPCode, that code is used instead.
func classify(rules []Rule, err error, httpCode int) Classified {
	cls := Classified{Type: "unknown", Category: Unknown, At: time.Now()}
	if err == nil {
		return cls
	}
	cls.Message = err.Error()

	if httpCode == 0 {
		if c, ok := HTTPCode(err); ok {
			httpCode = c
		}
	}
	cls.HTTPCode = httpCode

	for _, r := range rules {
		if r.Match == nil {
			continue
		}
		if r.Match(cls.Message, httpCode) {
			cls.Type = r.Type
			cls.Category = r.Category
			return cls
		}
	}
	return cls
}
