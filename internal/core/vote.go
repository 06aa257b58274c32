package core

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wahjam/wahjam-sub001/internal/privs"
)

const (
	votePrefix = "[voting system] "
	voteUsage  = votePrefix + "Usage: !vote <bpm|bpi> <value>"
)

func isVoteCommand(text string) bool {
	return text == "!vote" || strings.HasPrefix(text, "!vote ")
}

// VotingEnabled reports whether the threshold allows tempo votes.
func (c Config) VotingEnabled() bool {
	return c.VotingThreshold >= 1 && c.VotingThreshold <= 100
}

// voteLocked records a tempo vote from c and commits the leading value once
// it reaches quorum.
func (g *Group) voteLocked(c *Conn, args string) {
	if !c.privs.Has(privs.Vote) {
		g.noticeLocked(c, votePrefix+"No vote permission")
		return
	}
	if !g.cfg.VotingEnabled() {
		g.noticeLocked(c, votePrefix+"Voting is not enabled on this server")
		return
	}

	fields := strings.Fields(args)
	if len(fields) != 2 {
		g.noticeLocked(c, voteUsage)
		return
	}
	dim := strings.ToLower(fields[0])
	value, err := strconv.Atoi(fields[1])
	if err != nil {
		g.noticeLocked(c, voteUsage)
		return
	}

	now := g.clock.Now()
	switch dim {
	case "bpm":
		if value < MinBPM || value > MaxBPM {
			g.noticeLocked(c, fmt.Sprintf("%sBPM parameter must be between %d and %d", votePrefix, MinBPM, MaxBPM))
			return
		}
		c.voteBPM = vote{value: value, at: now}
	case "bpi":
		if value < MinBPI || value > MaxBPI {
			g.noticeLocked(c, fmt.Sprintf("%sBPI parameter must be between %d and %d", votePrefix, MinBPI, MaxBPI))
			return
		}
		c.voteBPI = vote{value: value, at: now}
	default:
		g.noticeLocked(c, voteUsage)
		return
	}
	log.Debug().Str("module", "core.vote").Str("user", c.username).Str("dimension", dim).Int("value", value).Msg("vote recorded")

	g.tallyLocked(dim, now)
}

// voteSlot selects the bpm or bpi vote of a connection.
func voteSlot(c *Conn, dim string) *vote {
	if dim == "bpm" {
		return &c.voteBPM
	}
	return &c.voteBPI
}

func (g *Group) tallyLocked(dim string, now time.Time) {
	counts := make(map[int]int)
	eligible := 0
	for _, o := range g.conns {
		if !o.member() {
			continue
		}
		if !o.privs.Has(privs.Hidden) {
			eligible++
		}
		v := voteSlot(o, dim)
		if v.value == 0 || now.Sub(v.at) > g.cfg.VotingWindow {
			continue
		}
		counts[v.value]++
	}

	values := make([]int, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Ints(values)
	leader, best := 0, 0
	for _, v := range values {
		if counts[v] > best {
			leader, best = v, counts[v]
		}
	}
	if best == 0 {
		return
	}

	quorum := int(math.Ceil(float64(eligible*g.cfg.VotingThreshold) / 100))
	name := strings.ToUpper(dim)
	if best < quorum {
		g.announceLocked(fmt.Sprintf("%sLeading candidate: %d/%d votes for %d %s [each vote expires in %ds]",
			votePrefix, best, quorum, leader, name, int(g.cfg.VotingWindow/time.Second)))
		return
	}

	for _, o := range g.conns {
		*voteSlot(o, dim) = vote{}
	}
	g.announceLocked(fmt.Sprintf("%sSetting %s to %d", votePrefix, name, leader))
	if dim == "bpm" {
		g.setTempoLocked(leader, g.bpi)
	} else {
		g.setTempoLocked(g.bpm, leader)
	}
}
