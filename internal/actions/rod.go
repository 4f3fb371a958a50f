package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"prospectd/internal/config"
	"prospectd/internal/logging"
)

// Page selectors. Kept in one place because they break together when the
// remote markup changes.
var selectors = struct {
	searchResultLink string
	profileName      string
	profileHeadline  string
	profileLocation  string
	profileAbout     string
	inviteButton     string
	moreButton       string
	inviteMenuItem   string
	sendWithoutNote  string
	limitAlert       string
	pendingButton    string
	messageButton    string
	messageBox       string
	messageSend      string
}{
	searchResultLink: `a[href*="/in/"]`,
	profileName:      `main h1`,
	profileHeadline:  `main div.text-body-medium`,
	profileLocation:  `main span.text-body-small.inline`,
	profileAbout:     `section[data-section="summary"] div.inline-show-more-text, #about ~ div .inline-show-more-text`,
	inviteButton:     `button[aria-label*="Invite"][aria-label*="connect"]`,
	moreButton:       `button[aria-label="More actions"]`,
	inviteMenuItem:   `div[role="button"][aria-label*="Invite"][aria-label*="connect"]`,
	sendWithoutNote:  `button[aria-label*="Send without"], button[aria-label*="Send invitation"]`,
	limitAlert:       `div[class*="limit-alert"]`,
	pendingButton:    `button[aria-label*="Pending"]`,
	messageButton:    `main button[aria-label^="Message"]`,
	messageBox:       `div.msg-form__contenteditable[contenteditable="true"]`,
	messageSend:      `button.msg-form__send-button`,
}

// RodExecutor drives a real browser through go-rod. One instance owns one
// Chrome process and is used by a single caller at a time.
type RodExecutor struct {
	cfg      config.BrowserConfig
	launcher *launcher.Launcher
	browser  *rod.Browser
	rng      *rand.Rand
}

// NewRodExecutor launches the browser and restores the stored session
// cookies. The session must already be authenticated; this code never
// performs a login.
func NewRodExecutor(cfg config.BrowserConfig) (*RodExecutor, error) {
	l := launcher.New().Headless(cfg.Headless)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	e := &RodExecutor{
		cfg:      cfg,
		launcher: l,
		browser:  browser,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := e.restoreCookies(); err != nil {
		e.Close()
		return nil, err
	}
	logging.Browser("Browser ready (headless=%v)", cfg.Headless)
	return e, nil
}

// Close shuts the browser down and reaps the Chrome process.
func (e *RodExecutor) Close() error {
	var err error
	if e.browser != nil {
		err = e.browser.Close()
	}
	if e.launcher != nil {
		e.launcher.Cleanup()
	}
	return err
}

// restoreCookies loads the saved session cookie jar, if configured.
func (e *RodExecutor) restoreCookies() error {
	if e.cfg.CookiesPath == "" {
		return nil
	}
	data, err := os.ReadFile(e.cfg.CookiesPath)
	if err != nil {
		return fmt.Errorf("read cookies %s: %w", e.cfg.CookiesPath, err)
	}

	var stored []struct {
		Name     string  `json:"name"`
		Value    string  `json:"value"`
		Domain   string  `json:"domain"`
		Path     string  `json:"path"`
		Expires  float64 `json:"expires"`
		HTTPOnly bool    `json:"httpOnly"`
		Secure   bool    `json:"secure"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse cookies: %w", err)
	}

	params := make([]*proto.NetworkCookieParam, 0, len(stored))
	for _, c := range stored {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	if err := e.browser.SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	logging.BrowserDebug("Restored %d session cookies", len(params))
	return nil
}

// pause sleeps a random human-paced interval between page interactions.
func (e *RodExecutor) pause() {
	min, max := e.cfg.MinDelayMs, e.cfg.MaxDelayMs
	if min <= 0 {
		min = 1000
	}
	if max <= min {
		max = min + 1000
	}
	d := time.Duration(min+e.rng.Intn(max-min)) * time.Millisecond
	time.Sleep(d)
}

func (e *RodExecutor) navTimeout() time.Duration {
	if e.cfg.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.cfg.NavigationTimeoutMs) * time.Millisecond
}

// openPage navigates to a URL and fails fast when the session has been
// bounced to a login or challenge wall.
func (e *RodExecutor) openPage(ctx context.Context, target string) (*rod.Page, error) {
	page, err := e.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	page = page.Context(ctx).Timeout(e.navTimeout())

	if err := page.Navigate(target); err != nil {
		page.Close()
		return nil, fmt.Errorf("navigate %s: %w", target, err)
	}
	if err := page.WaitLoad(); err != nil {
		page.Close()
		return nil, fmt.Errorf("load %s: %w", target, err)
	}
	e.pause()

	info, err := page.Info()
	if err == nil {
		landed := info.URL
		if strings.Contains(landed, "/login") || strings.Contains(landed, "/authwall") ||
			strings.Contains(landed, "/checkpoint/") {
			page.Close()
			logging.Get(logging.CategoryBrowser).Error("Bounced to %s, session invalid", landed)
			return nil, ErrAuthExpired
		}
	}
	return page, nil
}

// SearchProfiles runs a people search and scrapes result links.
func (e *RodExecutor) SearchProfiles(ctx context.Context, keyword string, limit int) ([]DiscoveredProfile, error) {
	timer := logging.StartTimer(logging.CategoryBrowser, "SearchProfiles")
	defer timer.Stop()

	searchURL := fmt.Sprintf("%s/search/results/people/?keywords=%s",
		strings.TrimRight(e.cfg.BaseURL, "/"), url.QueryEscape(keyword))
	page, err := e.openPage(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	links, err := page.Elements(selectors.searchResultLink)
	if err != nil {
		return nil, fmt.Errorf("search results for %q: %w", keyword, err)
	}

	seen := map[string]bool{}
	var out []DiscoveredProfile
	for _, link := range links {
		href, err := link.Attribute("href")
		if err != nil || href == nil {
			continue
		}
		publicID, profileURL := parseProfileLink(*href)
		if publicID == "" || seen[publicID] {
			continue
		}
		seen[publicID] = true
		out = append(out, DiscoveredProfile{PublicID: publicID, URL: profileURL})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	logging.Browser("Search %q: %d profiles", keyword, len(out))
	return out, nil
}

// parseProfileLink extracts the public identifier from a profile href.
func parseProfileLink(href string) (publicID, cleanURL string) {
	idx := strings.Index(href, "/in/")
	if idx < 0 {
		return "", ""
	}
	rest := href[idx+len("/in/"):]
	if cut := strings.IndexAny(rest, "/?#"); cut >= 0 {
		rest = rest[:cut]
	}
	if rest == "" {
		return "", ""
	}
	base := href[:idx]
	return rest, base + "/in/" + rest + "/"
}

// FetchProfile scrapes the visible fields of a profile page into a JSON
// payload.
func (e *RodExecutor) FetchProfile(ctx context.Context, profileURL string) (json.RawMessage, error) {
	timer := logging.StartTimer(logging.CategoryBrowser, "FetchProfile")
	defer timer.Stop()

	page, err := e.openPage(ctx, profileURL)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	fields := map[string]string{
		"name":     selectors.profileName,
		"headline": selectors.profileHeadline,
		"location": selectors.profileLocation,
		"about":    selectors.profileAbout,
	}
	payload := make(map[string]interface{}, len(fields))
	for key, sel := range fields {
		if text := e.optionalText(page, sel); text != "" {
			payload[key] = text
		}
	}
	if len(payload) == 0 {
		// A page with none of the profile landmarks is not a profile.
		return nil, fmt.Errorf("%w: no profile content at %s", ErrSkipProfile, profileURL)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal profile payload: %w", err)
	}
	return raw, nil
}

// optionalText returns the trimmed text of the first match, or "".
func (e *RodExecutor) optionalText(page *rod.Page, selector string) string {
	has, el, err := page.Has(selector)
	if err != nil || !has {
		return ""
	}
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// ConnectionStatus reports the relationship visible on the profile page.
func (e *RodExecutor) ConnectionStatus(ctx context.Context, profileURL string) (ConnectionStatus, error) {
	page, err := e.openPage(ctx, profileURL)
	if err != nil {
		return "", err
	}
	defer page.Close()

	if has, _, _ := page.Has(selectors.pendingButton); has {
		return StatusPending, nil
	}
	if has, _, _ := page.Has(selectors.messageButton); has {
		return StatusConnected, nil
	}
	return StatusNone, nil
}

// SendInvite sends a connection request without a note.
func (e *RodExecutor) SendInvite(ctx context.Context, profileURL string) error {
	timer := logging.StartTimer(logging.CategoryBrowser, "SendInvite")
	defer timer.Stop()

	page, err := e.openPage(ctx, profileURL)
	if err != nil {
		return err
	}
	defer page.Close()

	if !e.clickInvite(page) {
		return fmt.Errorf("%w: no invite action at %s", ErrSkipProfile, profileURL)
	}
	e.pause()

	if has, el, _ := page.Has(selectors.sendWithoutNote); has {
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("confirm invite: %w", err)
		}
	}
	e.pause()

	if has, _, _ := page.Has(selectors.limitAlert); has {
		logging.Browser("Invite limit alert shown for %s", profileURL)
		return ErrRateLimited
	}
	return nil
}

// clickInvite tries the direct invite button first, then the overflow
// menu.
func (e *RodExecutor) clickInvite(page *rod.Page) bool {
	if has, el, _ := page.Has(selectors.inviteButton); has {
		if el.Click(proto.InputMouseButtonLeft, 1) == nil {
			return true
		}
	}
	if has, more, _ := page.Has(selectors.moreButton); has {
		if more.Click(proto.InputMouseButtonLeft, 1) == nil {
			e.pause()
			if has, item, _ := page.Has(selectors.inviteMenuItem); has {
				return item.Click(proto.InputMouseButtonLeft, 1) == nil
			}
		}
	}
	return false
}

// SendMessage opens the chat box on a connected profile and sends text.
func (e *RodExecutor) SendMessage(ctx context.Context, profileURL, message string) error {
	timer := logging.StartTimer(logging.CategoryBrowser, "SendMessage")
	defer timer.Stop()

	page, err := e.openPage(ctx, profileURL)
	if err != nil {
		return err
	}
	defer page.Close()

	has, btn, err := page.Has(selectors.messageButton)
	if err != nil || !has {
		return fmt.Errorf("%w: no message action at %s", ErrSkipProfile, profileURL)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	e.pause()

	box, err := page.Element(selectors.messageBox)
	if err != nil {
		return fmt.Errorf("chat box: %w", err)
	}
	if err := box.Input(message); err != nil {
		return fmt.Errorf("type message: %w", err)
	}
	e.pause()

	send, err := page.Element(selectors.messageSend)
	if err != nil {
		return fmt.Errorf("send button: %w", err)
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	logging.Browser("Message sent to %s", profileURL)
	return nil
}
