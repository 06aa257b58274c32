// Package privs converts between the compact privilege-letter strings used
// in account files and the per-user privilege bitmask.
package privs

import "strings"

// Set is a privilege bitmask.
type Set uint32

const (
	Topic      Set = 1 << iota // t: change the room topic
	Chat                       // c: send chat and private messages
	BPM                        // b: change tempo
	Kick                       // k: kick users
	Reserve                    // r: bypass room capacity
	AllowMulti                 // m: multiple logins under one name
	Hidden                     // h: invisible in user lists and counts
	Vote                       // v: vote on tempo

	// All is what "*" grants: everything except Hidden.
	All = Topic | Chat | BPM | Kick | Reserve | AllowMulti | Vote
)

// letters lists the privilege letters in bit order.
var letters = []struct {
	letter byte
	priv   Set
}{
	{'t', Topic},
	{'c', Chat},
	{'b', BPM},
	{'k', Kick},
	{'r', Reserve},
	{'m', AllowMulti},
	{'h', Hidden},
	{'v', Vote},
}

// Parse converts a privilege string such as "cbv" or "*" into a Set.
// Letters are case-insensitive. Unknown letters are returned separately so
// callers can report them; they grant nothing.
func Parse(s string) (Set, []byte) {
	var out Set
	var unknown []byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '*' {
			out |= All
			continue
		}
		p, ok := fromLetter(ch)
		if !ok {
			unknown = append(unknown, ch)
			continue
		}
		out |= p
	}
	return out, unknown
}

func fromLetter(ch byte) (Set, bool) {
	lower := ch | 0x20
	for _, l := range letters {
		if l.letter == lower {
			return l.priv, true
		}
	}
	return 0, false
}

// String renders the set as lowercase letters in bit order.
func (p Set) String() string {
	var b strings.Builder
	for _, l := range letters {
		if p&l.priv != 0 {
			b.WriteByte(l.letter)
		}
	}
	return b.String()
}

// Has reports whether every privilege in want is present.
func (p Set) Has(want Set) bool {
	return p&want == want
}
