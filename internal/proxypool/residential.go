package proxypool

import (
	"fmt"
	"net/url"
	"strings"
)

// Residential describes a country-targeted residential proxy gateway.
// Usernames follow the customer-<user>-cc-<country> convention.
type Residential struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (r Residential) Enabled() bool {
	return r.Host != "" && r.Username != "" && r.Password != ""
}

// URL returns the gateway URL for a two-letter region code.
func (r Residential) URL(region string) (string, bool) {
	region = strings.ToLower(strings.TrimSpace(region))
	if !r.Enabled() || len(region) != 2 {
		return "", false
	}
	port := r.Port
	if port == 0 {
		port = 7777
	}
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(fmt.Sprintf("customer-%s-cc-%s", r.Username, region), r.Password),
		Host:   fmt.Sprintf("%s:%d", r.Host, port),
	}
	return u.String(), true
}
