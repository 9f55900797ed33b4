// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package classify decides whether a pixel hit came from a person or from a
// crawler, security scanner or mail-provider image proxy.
//
// Two postures are supported and must be picked per deployment:
//
//   - deny-list (default-allow): a hit is recorded unless a bot or network
//     signal matches. Unknown clients count as human, so scanners with novel
//     user-agents inflate open counts.
//   - allow-list (default-deny): a hit is recorded only when the user-agent
//     looks like a real mail client or browser and no bot signal matches.
//     Unknown clients are dropped, so some genuine opens are lost.
package classify

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
)

// Policy selects the classifier posture.
type Policy string

const (
	PolicyDenyList  Policy = "deny-list"
	PolicyAllowList Policy = "allow-list"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyDenyList, "":
		return PolicyDenyList, nil
	case PolicyAllowList:
		return PolicyAllowList, nil
	default:
		return "", fmt.Errorf("unknown classifier policy %q (want %q or %q)", s, PolicyDenyList, PolicyAllowList)
	}
}

// Reasons reported in a Verdict.
const (
	ReasonOK            = "ok"
	ReasonBotUserAgent  = "bot_user_agent"
	ReasonNotHumanAgent = "not_human_user_agent"
	ReasonProxyCIDR     = "proxy_cidr"
	ReasonViaHeader     = "via_header"
	ReasonReferer       = "referer"
	ReasonSuspiciousIP  = "suspicious_ip"
	ReasonMachineOpen   = "machine_open"
)

// Request is the subset of an HTTP request the classifier looks at.
type Request struct {
	UserAgent string
	Via       string
	Referer   string
	ClientIP  string
}

// Verdict is the classifier's decision.
type Verdict struct {
	Record bool
	Reason string
}

// IPSet reports whether an IP has been flagged as abusive.
type IPSet interface {
	Contains(ip string) bool
}

// Rules holds the signature lists. Matching is case-insensitive substring
// matching for all token lists.
type Rules struct {
	BotAgents     []string
	HumanAgents   []string
	ViaTokens     []string
	RefererTokens []string
	ProxyCIDRs    []string
}

// DefaultRules returns the built-in signature lists.
func DefaultRules() Rules {
	return Rules{
		BotAgents: []string{
			"bot", "crawler", "spider", "slurp", "preview", "scanner", "proxy",
			"googleimageproxy", "yahoomailproxy", "ggpht.com",
			"mimecast", "proofpoint", "barracuda", "messagelabs", "symantec",
			"forcepoint", "trendmicro", "sophos", "fireeye", "ironport",
			"microsoft office protection", "safelinks",
			"headless", "phantom", "lighthouse",
			"curl", "wget", "python-requests", "python-urllib", "go-http-client",
			"java/", "okhttp", "axios", "node-fetch", "libwww-perl",
		},
		HumanAgents: []string{
			"mozilla", "applewebkit", "gecko", "thunderbird", "outlook",
			"microsoft office", "iphone", "ipad", "android", "windows nt", "macintosh",
		},
		ViaTokens: []string{
			"googleimageproxy", "yahoomailproxy", "mimecast", "proofpoint", "barracuda",
		},
		RefererTokens: []string{
			"mail.google.com", "outlook.live.com", "outlook.office.com",
			"outlook.office365.com", "mail.yahoo.com",
		},
		ProxyCIDRs: []string{
			// Google image proxy
			"66.249.80.0/20", "66.102.0.0/20", "64.233.160.0/19", "72.14.192.0/18",
			"74.125.0.0/16", "209.85.128.0/17",
			// Yahoo mail proxy
			"98.136.0.0/14", "74.6.0.0/16",
			// Exchange Online Protection
			"40.92.0.0/15", "40.107.0.0/16", "52.100.0.0/14", "104.47.0.0/17",
			// Apple Mail Privacy Protection relays
			"17.0.0.0/8",
		},
	}
}

// Classifier applies Rules under a Policy.
type Classifier struct {
	policy        Policy
	botAgents     []string
	humanAgents   []string
	viaTokens     []string
	refererTokens []string
	prefixes      []netip.Prefix
	suspicious    IPSet
}

// New builds a classifier. Unparseable CIDRs are logged and skipped. The
// suspicious set may be nil.
func New(policy Policy, rules Rules, suspicious IPSet) *Classifier {
	c := &Classifier{
		policy:        policy,
		botAgents:     lower(rules.BotAgents),
		humanAgents:   lower(rules.HumanAgents),
		viaTokens:     lower(rules.ViaTokens),
		refererTokens: lower(rules.RefererTokens),
		suspicious:    suspicious,
	}
	for _, cidr := range rules.ProxyCIDRs {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			slog.Warn("ignoring invalid proxy CIDR", "cidr", cidr, "error", err)
			continue
		}
		c.prefixes = append(c.prefixes, p.Masked())
	}
	return c
}

// Policy returns the configured posture.
func (c *Classifier) Policy() Policy {
	return c.policy
}

// Classify decides whether the hit should be recorded.
func (c *Classifier) Classify(r Request) Verdict {
	ua := strings.ToLower(r.UserAgent)

	if containsAny(ua, c.botAgents) {
		return reject(ReasonBotUserAgent)
	}
	if c.policy == PolicyAllowList && !containsAny(ua, c.humanAgents) {
		return reject(ReasonNotHumanAgent)
	}
	if r.Via != "" && containsAny(strings.ToLower(r.Via), c.viaTokens) {
		return reject(ReasonViaHeader)
	}
	if r.Referer != "" && containsAny(strings.ToLower(r.Referer), c.refererTokens) {
		return reject(ReasonReferer)
	}

	if ip, err := netip.ParseAddr(r.ClientIP); err == nil {
		ip = ip.Unmap()
		for _, p := range c.prefixes {
			if p.Contains(ip) {
				return reject(ReasonProxyCIDR)
			}
		}
	}

	if c.suspicious != nil && r.ClientIP != "" && c.suspicious.Contains(r.ClientIP) {
		return reject(ReasonSuspiciousIP)
	}

	return Verdict{Record: true, Reason: ReasonOK}
}

func reject(reason string) Verdict {
	return Verdict{Record: false, Reason: reason}
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
