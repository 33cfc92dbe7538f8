// Package actorid implements the ActorId value type: a logical identity
// that is either local (bare id) or remote (id plus host/port).
package actorid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ActorId identifies an actor. Equality is structural: two ActorIds are
// equal iff their Id, Host and Port all match. The zero value is not a
// valid ActorId.
type ActorId struct {
	Id   string
	Host string // empty for local-origin actors
	Port int    // zero for local-origin actors
}

// New generates a fresh local ActorId for the given actor type. A
// non-empty actorType becomes the id's prefix ("<type>-<uuid>"), so it
// travels on the wire as part of Id; there is no separate type field.
func New(actorType string) ActorId {
	if actorType == "" {
		return ActorId{Id: uuid.NewString()}
	}
	return ActorId{Id: actorType + "-" + uuid.NewString()}
}

// IsRemote reports whether this id carries a host/port pair.
func (a ActorId) IsRemote() bool {
	return a.Host != ""
}

// String renders the canonical wire form: "<id>@<host>:<port>" when
// remote, "<id>" when local.
func (a ActorId) String() string {
	if !a.IsRemote() {
		return a.Id
	}
	return fmt.Sprintf("%s@%s:%d", a.Id, a.Host, a.Port)
}

// Equal reports structural equality.
func (a ActorId) Equal(b ActorId) bool {
	return a.Id == b.Id && a.Host == b.Host && a.Port == b.Port
}

// Parse parses the canonical wire form produced by String. A bare id with
// no "@host:port" suffix parses to a local ActorId. A malformed port
// returns an error.
func Parse(s string) (ActorId, error) {
	if s == "" {
		return ActorId{}, fmt.Errorf("actorid: empty id")
	}

	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return ActorId{Id: s}, nil
	}

	id := s[:at]
	rest := s[at+1:]

	colon := strings.LastIndexByte(rest, ':')
	if colon < 0 {
		return ActorId{}, fmt.Errorf("actorid: malformed remote id %q: missing port", s)
	}

	host := rest[:colon]
	portStr := rest[colon+1:]
	if host == "" {
		return ActorId{}, fmt.Errorf("actorid: malformed remote id %q: missing host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ActorId{}, fmt.Errorf("actorid: malformed remote id %q: invalid port %q", s, portStr)
	}

	if id == "" {
		return ActorId{}, fmt.Errorf("actorid: malformed remote id %q: missing id", s)
	}

	return ActorId{Id: id, Host: host, Port: port}, nil
}
