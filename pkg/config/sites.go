package config

import (
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SiteProfile describes where one target portal keeps its login, listing,
// cart and checkout affordances. Unset fields fall back to the generic
// profile below, so a partially described site still works.
type SiteProfile struct {
	Origin           string   `yaml:"origin"`
	LoginPath        string   `yaml:"login_path"`
	EmailSelector    string   `yaml:"email_selector"`
	PasswordSelector string   `yaml:"password_selector"`
	SubmitSelector   string   `yaml:"submit_selector"`
	LogoutSelector   string   `yaml:"logout_selector"`
	AuthedURLPattern string   `yaml:"authed_url_pattern"`
	ListingPath      string   `yaml:"listing_path"`
	CartPath         string   `yaml:"cart_path"`
	RegisterTexts    []string `yaml:"register_texts"`
	CVVSelectors     []string `yaml:"cvv_selectors"`
	SuccessURLRegex  string   `yaml:"success_url_pattern"`
	SuccessTexts     []string `yaml:"success_texts"`
	LoginErrorTexts  []string `yaml:"login_error_texts"`
}

type Sites struct {
	Profiles []SiteProfile `yaml:"sites"`
}

// genericProfile covers portals we have no profile for. The selectors lean
// on autocomplete attributes and common naming, which most registration
// software honors.
var genericProfile = SiteProfile{
	LoginPath:        "/login",
	EmailSelector:    `input[type="email"], input[name="email"], input[autocomplete="username"]`,
	PasswordSelector: `input[type="password"]`,
	SubmitSelector:   `button[type="submit"], input[type="submit"]`,
	LogoutSelector:   `a[href*="logout"], button[data-action="logout"]`,
	AuthedURLPattern: `(account|dashboard|profile|member)`,
	ListingPath:      "/programs",
	CartPath:         "/cart",
	RegisterTexts:    []string{"register", "sign up", "enroll", "add to cart"},
	CVVSelectors: []string{
		`input[name="cvv"]`, `input[name="cvc"]`,
		`input[autocomplete="cc-csc"]`, `input[id*="security-code"]`,
	},
	SuccessURLRegex: `(confirmation|receipt|thank)`,
	SuccessTexts:    []string{"registration complete", "thank you for your order", "order confirmed"},
	LoginErrorTexts: []string{"invalid password", "incorrect email", "login failed", "could not sign you in"},
}

func LoadSites(path string) (*Sites, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Sites
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// For returns the profile matching the given origin URL, with unset fields
// filled from the generic profile. Unknown origins get the generic profile.
func (s *Sites) For(origin string) SiteProfile {
	var p SiteProfile
	if s != nil {
		host := hostOf(origin)
		for _, cand := range s.Profiles {
			if hostOf(cand.Origin) == host {
				p = cand
				break
			}
		}
	}
	fillDefaults(&p)
	return p
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSuffix(raw, "/"))
	}
	return strings.ToLower(u.Host)
}

func fillDefaults(p *SiteProfile) {
	g := genericProfile
	if p.LoginPath == "" {
		p.LoginPath = g.LoginPath
	}
	if p.EmailSelector == "" {
		p.EmailSelector = g.EmailSelector
	}
	if p.PasswordSelector == "" {
		p.PasswordSelector = g.PasswordSelector
	}
	if p.SubmitSelector == "" {
		p.SubmitSelector = g.SubmitSelector
	}
	if p.LogoutSelector == "" {
		p.LogoutSelector = g.LogoutSelector
	}
	if p.AuthedURLPattern == "" {
		p.AuthedURLPattern = g.AuthedURLPattern
	}
	if p.ListingPath == "" {
		p.ListingPath = g.ListingPath
	}
	if p.CartPath == "" {
		p.CartPath = g.CartPath
	}
	if len(p.RegisterTexts) == 0 {
		p.RegisterTexts = g.RegisterTexts
	}
	if len(p.CVVSelectors) == 0 {
		p.CVVSelectors = g.CVVSelectors
	}
	if p.SuccessURLRegex == "" {
		p.SuccessURLRegex = g.SuccessURLRegex
	}
	if len(p.SuccessTexts) == 0 {
		p.SuccessTexts = g.SuccessTexts
	}
	if len(p.LoginErrorTexts) == 0 {
		p.LoginErrorTexts = g.LoginErrorTexts
	}
}
