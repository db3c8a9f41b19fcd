// Package users is the lookup port onto the external account store. The
// relay core only ever asks one question: who owns this API key and is
// their subscription live.
package users

import (
	"os"
	"strings"

	"onionrpc/pkg/proto"
)

type User struct {
	Subject string
	Active  bool
}

type Lookup interface {
	ByAPIKey(key string) (User, bool)
}

// Static holds a fixed key set parsed from ENTRY_API_KEYS, format
// "key:subject:active,key2:subject2:inactive". It stands in for the real
// account service in development and tests.
type Static struct {
	byKey map[string]User
}

func FromEnv() *Static {
	return Parse(os.Getenv("ENTRY_API_KEYS"))
}

func Parse(raw string) *Static {
	s := &Static{byKey: make(map[string]User)}
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		u := User{Subject: fields[1], Active: true}
		if len(fields) >= 3 && fields[2] == "inactive" {
			u.Active = false
		}
		s.byKey[fields[0]] = u
	}
	return s
}

func (s *Static) ByAPIKey(key string) (User, bool) {
	u, ok := s.byKey[key]
	return u, ok
}

// Authenticate maps a lookup result onto the auth error taxonomy.
func Authenticate(l Lookup, apiKey string) (User, error) {
	u, ok := l.ByAPIKey(apiKey)
	if !ok {
		return User{}, proto.ErrInvalidAPIKey
	}
	if !u.Active {
		return User{}, proto.ErrSubscriptionInactive
	}
	return u, nil
}
