// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<session>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var ErrInvalidSessionID = errors.New("turnrest: session id must be non-empty and must not contain ':'")

type Options struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
	// NewSessionID names credentials that are not tied to a connection.
	// Defaults to a random UUID.
	NewSessionID func() (string, error)
}

type Generator struct {
	secret       []byte
	ttl          time.Duration
	prefix       string
	now          func() time.Time
	newSessionID func() (string, error)
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(opts Options) (*Generator, error) {
	switch {
	case opts.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case opts.TTL < time.Second:
		return nil, errors.New("turnrest: ttl must be at least 1s")
	case opts.UsernamePrefix == "" || strings.Contains(opts.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return &Generator{
		secret:       []byte(opts.SharedSecret),
		ttl:          opts.TTL.Truncate(time.Second),
		prefix:       opts.UsernamePrefix,
		now:          opts.Now,
		newSessionID: opts.NewSessionID,
	}, nil
}

// Generate mints credentials for sessionID. An empty sessionID draws a fresh
// one from the generator's source.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		id, err := g.newSessionID()
		if err != nil {
			return Credentials{}, err
		}
		sessionID = id
	}
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidSessionID
	}

	expires := g.now().UTC().Truncate(time.Second).Add(g.ttl)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + g.prefix + ":" + sessionID

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers with creds set on every entry that has a
// TURN URL. STUN-only entries are left untouched.
func (c Credentials) Apply(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = c.Username
			out[i].Credential = c.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		scheme, _, _ := strings.Cut(strings.TrimSpace(raw), ":")
		if strings.EqualFold(scheme, "turn") || strings.EqualFold(scheme, "turns") {
			return true
		}
	}
	return false
}
