// Package vcl generates the edge logic snippets that route traffic through
// the enforcement containers. Generation is deterministic: identical inputs
// produce byte-identical snippets, which lets the version manager skip remote
// writes when nothing changed.
package vcl

import (
	"fmt"
	"sort"
	"strings"

	"palisade/internal/domain"
)

// SnippetType mirrors the edge's snippet placement hooks.
type SnippetType string

const (
	TypeRecv    SnippetType = "recv"
	TypeError   SnippetType = "error"
	TypeDeliver SnippetType = "deliver"
	TypeInit    SnippetType = "init"
)

// Snippet is one named piece of edge logic tied to a service version.
type Snippet struct {
	Name    string
	Type    SnippetType
	Content string
}

// ACLConditions renders the membership test for a list of ACL names:
// "(client.ip ~ a) || (client.ip ~ b)". Order follows the input, which the
// caller keeps in container creation order.
func ACLConditions(aclNames []string) string {
	conditions := make([]string, 0, len(aclNames))
	for _, name := range aclNames {
		conditions = append(conditions, fmt.Sprintf("(client.ip ~ %s)", name))
	}
	return strings.Join(conditions, " || ")
}

// CountryConditions renders equality tests against the client's country code.
// Codes are sorted so regeneration is stable.
func CountryConditions(codes []string) string {
	return equalToConditions(codes, "client.geo.country_code", true)
}

// ASConditions renders equality tests against the client's AS number.
func ASConditions(numbers []string) string {
	return equalToConditions(numbers, "client.as.number", false)
}

func equalToConditions(items []string, subject string, quote bool) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	conditions := make([]string, 0, len(sorted))
	for _, item := range sorted {
		if quote {
			conditions = append(conditions, fmt.Sprintf("%s == %q", subject, item))
		} else {
			conditions = append(conditions, fmt.Sprintf("%s == %s", subject, item))
		}
	}
	return strings.Join(conditions, " || ")
}

// Conditional combines ACL, country and AS clauses into the guard expression
// for one action's rule snippet. Empty clause groups are omitted. Returns ""
// when nothing is enforced, which callers treat as "rule disabled".
func Conditional(aclNames, countries, asNumbers []string) string {
	parts := make([]string, 0, 3)
	for _, clause := range []string{
		ACLConditions(aclNames),
		CountryConditions(countries),
		ASConditions(asNumbers),
	} {
		if clause != "" {
			parts = append(parts, clause)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("if ( %s )", strings.Join(parts, " || "))
}

// RuleName is the fixed snippet name for an action's enforcement rule.
func RuleName(action domain.Action) string {
	return fmt.Sprintf("palisade_%s_rule", action)
}

// BanRule renders the recv snippet that rejects matching clients outright.
// An empty conditional produces an inert comment so the snippet object can
// still be written and later re-enabled without being re-created.
func BanRule(conditional string) Snippet {
	content := "# palisade: no ban enforcement active\n"
	if conditional != "" {
		content = fmt.Sprintf("%s {\n  error 403 \"Forbidden\";\n}\n", conditional)
	}
	return Snippet{Name: RuleName(domain.ActionBan), Type: TypeRecv, Content: content}
}

// CaptchaRule renders the recv snippet that diverts matching clients to the
// challenge flow unless they carry a valid signed cookie.
func CaptchaRule(conditional, secret, jwtSecret string) Snippet {
	content := "# palisade: no captcha enforcement active\n"
	if conditional != "" {
		content = fmt.Sprintf(`%s {
  if (req.http.Cookie:palisade_captcha ~ "^([^.]+)\.([^.]+)$") {
    if (digest.hmac_sha256("%s", re.group.1) != re.group.2) {
      error 676 "Captcha";
    }
  } else if (req.url.path == "/palisade/captcha" && req.method == "POST") {
    set req.backend = captcha_verifier;
    set req.http.X-Palisade-Verify-Secret = "%s";
    return(pass);
  } else {
    error 676 "Captcha";
  }
}
`, conditional, jwtSecret, secret)
	}
	return Snippet{Name: RuleName(domain.ActionCaptcha), Type: TypeRecv, Content: content}
}

// StaticSnippets renders the captcha support snippets whose content depends
// only on service configuration: the challenge page, the cookie issuer and
// the verification backend. They are written once per working version.
func StaticSnippets(serviceID, siteKey, jwtSecret string, cookieExpirySeconds int) []Snippet {
	return []Snippet{
		{
			Name: "palisade_captcha_renderer",
			Type: TypeError,
			Content: fmt.Sprintf(`if (obj.status == 676) {
  set obj.status = 401;
  set obj.response = "Unauthorized";
  set obj.http.Content-Type = "text/html";
  synthetic {"<html><head><title>Verification required</title>
<script src="https://www.google.com/recaptcha/api.js" async defer></script></head>
<body><form action="/palisade/captcha" method="POST">
<div class="g-recaptcha" data-sitekey="%s"></div>
<input type="submit" value="Verify">
</form></body></html>"};
  return(deliver);
}
`, siteKey),
		},
		{
			Name: "palisade_captcha_validator",
			Type: TypeDeliver,
			Content: fmt.Sprintf(`if (req.url.path == "/palisade/captcha" && resp.http.X-Palisade-Verified == "true") {
  declare local var.payload STRING;
  set var.payload = now.sec;
  add resp.http.Set-Cookie = "palisade_captcha=" + var.payload + "." +
    digest.hmac_sha256("%s", var.payload) +
    "; path=/; max-age=%d";
  set resp.status = 302;
  set resp.http.Location = "/";
}
`, jwtSecret, cookieExpirySeconds),
		},
		{
			Name: "palisade_captcha_verifier_backend",
			Type: TypeInit,
			Content: fmt.Sprintf(`backend captcha_verifier {
  .host = "www.google.com";
  .port = "443";
  .ssl = true;
  .ssl_cert_hostname = "www.google.com";
  .ssl_sni_hostname = "www.google.com";
  .host_header = "www.google.com";
  .share_key = "%s";
}
`, serviceID),
		},
	}
}
