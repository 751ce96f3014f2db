package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/kavitha/snapseat/internal/vault"
)

// Cookie is the subset of browser cookie state worth replaying across
// passes.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
}

// State is one captured browser-session bundle: cookies plus local storage
// of the page the session last visited.
type State struct {
	Cookies []Cookie          `json:"cookies"`
	Storage map[string]string `json:"storage"`
}

// CaptureState reads the session's cookies and the current page's
// localStorage. Called after a seeding pass or a fresh login.
func (s *Session) CaptureState(ctx context.Context) (*State, error) {
	state := &State{Storage: map[string]string{}}

	err := s.step(chromedp.ActionFunc(func(c context.Context) error {
		cookies, err := network.GetCookies().Do(c)
		if err != nil {
			return err
		}
		for _, ck := range cookies {
			state.Cookies = append(state.Cookies, Cookie{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  ck.Expires,
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	var raw string
	if err := s.step(chromedp.Evaluate(
		"JSON.stringify(Object.assign({}, window.localStorage))", &raw)); err != nil {
		return nil, err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &state.Storage); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// RestoreState replays a captured bundle into the session. Cookies are set
// before any navigation; storage needs a same-origin page loaded first, so
// callers navigate to the origin, then call this again for storage via
// RestoreStorage.
func (s *Session) RestoreState(ctx context.Context, state *State) error {
	return s.step(chromedp.ActionFunc(func(c context.Context) error {
		params := make([]*network.CookieParam, 0, len(state.Cookies))
		for _, ck := range state.Cookies {
			params = append(params, &network.CookieParam{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  timeSinceEpoch(ck.Expires),
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
			})
		}
		return network.SetCookies(params).Do(c)
	}))
}

// RestoreStorage writes the bundle's localStorage entries into the page
// currently loaded. Must run after navigating to the snapshot's origin.
func (s *Session) RestoreStorage(ctx context.Context, state *State) error {
	for k, v := range state.Storage {
		js := "window.localStorage.setItem(" + strconv.Quote(k) + ", " + strconv.Quote(v) + ")"
		if err := s.step(chromedp.Evaluate(js, nil)); err != nil {
			return err
		}
	}
	return nil
}

// Codec seals session state with the vault's symmetric key. The persisted
// form is opaque to everything but this engine.
type Codec struct {
	cipher *vault.Cipher
}

func NewCodec(c *vault.Cipher) *Codec { return &Codec{cipher: c} }

func (c *Codec) Seal(state *State) ([]byte, error) {
	plain, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return c.cipher.Seal(plain)
}

func (c *Codec) Open(blob []byte) (*State, error) {
	plain, err := c.cipher.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("snapshot decrypt: %w", err)
	}
	var state State
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
