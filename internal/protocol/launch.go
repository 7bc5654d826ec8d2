package protocol

import (
	"fmt"
	"net/url"
)

// LaunchParams are the only state an approval surface receives from the router.
type LaunchParams struct {
	Action    Action
	Origin    string
	RequestID string
}

// URL renders the params as the surface location, e.g.
// /send-sign?origin=https%3A%2F%2Fdapp.example&requestId=r1.
func (p LaunchParams) URL() string {
	q := url.Values{}
	q.Set("origin", p.Origin)
	q.Set("requestId", p.RequestID)
	return p.Action.LaunchPath() + "?" + q.Encode()
}

// ParseLaunch reverses LaunchParams.URL.
func ParseLaunch(raw string) (LaunchParams, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return LaunchParams{}, fmt.Errorf("parse launch url: %w", err)
	}
	action, ok := ActionForPath(u.Path)
	if !ok {
		return LaunchParams{}, fmt.Errorf("unknown launch path %q", u.Path)
	}
	q := u.Query()
	params := LaunchParams{
		Action:    action,
		Origin:    q.Get("origin"),
		RequestID: q.Get("requestId"),
	}
	if params.RequestID == "" {
		return LaunchParams{}, fmt.Errorf("launch url missing requestId")
	}
	if params.Origin == "" {
		return LaunchParams{}, fmt.Errorf("launch url missing origin")
	}
	return params, nil
}
