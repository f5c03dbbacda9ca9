// Package world tracks worlds and their channel server instances, picks a
// channel for each handoff and reports coarse world capacity.
package world

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/dependencies/clock"
	"github.com/energizer-project/gatekeeper/internal/dependencies/random"
)

var (
	ErrUnknownWorld   = errors.New("unknown world")
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrWorldFull: channels are online but every one is at capacity.
	ErrWorldFull = errors.New("world full")
	// ErrWorldOffline: no channel of the world is reachable.
	ErrWorldOffline   = errors.New("world offline")
	ErrChannelOffline = errors.New("channel offline")
	ErrChannelFull    = errors.New("channel full")
)

// Status is the coarse world capacity reported to clients.
type Status int

const (
	StatusOK    Status = 0
	StatusAlert Status = 1
	StatusFull  Status = 2
)

var statusNames = map[Status]string{
	StatusOK:    "ok",
	StatusAlert: "alert",
	StatusFull:  "full",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Thresholds are occupancy ratios at which a world turns ALERT and FULL.
type Thresholds struct {
	Alert float64 `json:"alert"`
	Full  float64 `json:"full"`
}

// DefaultThresholds returns 80% for ALERT and 100% for FULL.
func DefaultThresholds() Thresholds {
	return Thresholds{Alert: 0.8, Full: 1.0}
}

// ChannelSpec is the static definition of one channel server.
type ChannelSpec struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Capacity int    `json:"capacity"`
}

// WorldSpec is the static definition of one world.
type WorldSpec struct {
	ID       int           `json:"id"`
	Name     string        `json:"name"`
	Channels []ChannelSpec `json:"channels"`
}

// Channel is the live state of one channel server. Index is 1-based.
type Channel struct {
	Index    int       `json:"index"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Players  int       `json:"players"`
	Capacity int       `json:"capacity"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// World is a snapshot of a world and its channels.
type World struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Channels []Channel `json:"channels"`
}

type worldState struct {
	id       int
	name     string
	channels []*Channel
}

// Options configure a Router.
type Options struct {
	Thresholds Thresholds
	// ChannelTTL marks a channel offline when no report arrived within
	// it. Zero disables the check.
	ChannelTTL time.Duration
}

// Router is the shared world table. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	worlds map[int]*worldState
	clock  clock.Clock
	random random.Random
	opts   Options
	logger zerolog.Logger
}

// NewRouter builds a router from static world definitions. Configured
// channels start online.
func NewRouter(specs []WorldSpec, opts Options, clk clock.Clock, rnd random.Random) *Router {
	if opts.Thresholds.Full <= 0 {
		opts.Thresholds = DefaultThresholds()
	}
	r := &Router{
		worlds: make(map[int]*worldState, len(specs)),
		clock:  clk,
		random: rnd,
		opts:   opts,
		logger: log.With().Str("component", "router").Logger(),
	}

	now := clk.Now()
	for _, spec := range specs {
		ws := &worldState{id: spec.ID, name: spec.Name}
		for i, cs := range spec.Channels {
			ws.channels = append(ws.channels, &Channel{
				Index:    i + 1,
				Host:     cs.Host,
				Port:     cs.Port,
				Capacity: cs.Capacity,
				Online:   true,
				LastSeen: now,
			})
		}
		r.worlds[spec.ID] = ws
	}
	return r
}

// available reports whether ch can take traffic at now. Caller holds mu.
func (r *Router) available(ch *Channel, now time.Time) bool {
	if !ch.Online {
		return false
	}
	if r.opts.ChannelTTL > 0 && now.Sub(ch.LastSeen) > r.opts.ChannelTTL {
		return false
	}
	return true
}

func (r *Router) channel(worldID, index int) (*Channel, error) {
	ws, ok := r.worlds[worldID]
	if !ok {
		return nil, ErrUnknownWorld
	}
	if index < 1 || index > len(ws.channels) {
		return nil, ErrUnknownChannel
	}
	return ws.channels[index-1], nil
}

// SelectChannel picks uniformly among the world's reachable channels that
// are below capacity and returns its 1-based index.
func (r *Router) SelectChannel(worldID int) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.worlds[worldID]
	if !ok {
		return 0, ErrUnknownWorld
	}

	now := r.clock.Now()
	var candidates []int
	online := 0
	for _, ch := range ws.channels {
		if !r.available(ch, now) {
			continue
		}
		online++
		if ch.Players < ch.Capacity {
			candidates = append(candidates, ch.Index)
		}
	}

	if len(candidates) == 0 {
		if online == 0 {
			return 0, ErrWorldOffline
		}
		return 0, ErrWorldFull
	}
	return candidates[r.random.Intn(len(candidates))], nil
}

// CapacityStatus derives OK/ALERT/FULL from total occupancy over all of
// the world's channels. A world with no capacity is FULL.
func (r *Router) CapacityStatus(worldID int) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.worlds[worldID]
	if !ok {
		return StatusFull, ErrUnknownWorld
	}
	return r.status(ws), nil
}

func (r *Router) status(ws *worldState) Status {
	players, capacity := 0, 0
	for _, ch := range ws.channels {
		players += ch.Players
		capacity += ch.Capacity
	}
	if capacity <= 0 {
		return StatusFull
	}
	ratio := float64(players) / float64(capacity)
	switch {
	case ratio >= r.opts.Thresholds.Full:
		return StatusFull
	case ratio >= r.opts.Thresholds.Alert:
		return StatusAlert
	default:
		return StatusOK
	}
}

// ResolveEndpoint returns where a client should connect for gameplay.
func (r *Router) ResolveEndpoint(worldID, index int) (string, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, err := r.channel(worldID, index)
	if err != nil {
		return "", 0, err
	}
	if !r.available(ch, r.clock.Now()) {
		return "", 0, ErrChannelOffline
	}
	return ch.Host, ch.Port, nil
}

// Admit reserves one slot on a channel.
func (r *Router) Admit(worldID, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channel(worldID, index)
	if err != nil {
		return err
	}
	if ch.Players >= ch.Capacity {
		return ErrChannelFull
	}
	ch.Players++
	return nil
}

// Release frees one slot on a channel. Occupancy never drops below zero.
func (r *Router) Release(worldID, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channel(worldID, index)
	if err != nil {
		return err
	}
	if ch.Players > 0 {
		ch.Players--
	}
	return nil
}

// ReportChannel applies a channel heartbeat. The player count is clamped
// to [0, capacity].
func (r *Router) ReportChannel(worldID, index, players int, online bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channel(worldID, index)
	if err != nil {
		return err
	}
	if players < 0 {
		players = 0
	}
	if players > ch.Capacity {
		players = ch.Capacity
	}

	if ch.Online != online {
		r.logger.Info().
			Int("world", worldID).
			Int("channel", index).
			Bool("online", online).
			Msg("channel availability changed")
	}
	ch.Players = players
	ch.Online = online
	ch.LastSeen = r.clock.Now()
	return nil
}

// Snapshot returns a copy of every world ordered by id.
func (r *Router) Snapshot() []World {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	out := make([]World, 0, len(r.worlds))
	for _, ws := range r.worlds {
		w := World{ID: ws.id, Name: ws.name, Status: r.status(ws).String()}
		for _, ch := range ws.channels {
			c := *ch
			c.Online = r.available(ch, now)
			w.Channels = append(w.Channels, c)
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Occupancy returns total players and capacity of a world.
func (r *Router) Occupancy(worldID int) (players, capacity int, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.worlds[worldID]
	if !ok {
		return 0, 0, ErrUnknownWorld
	}
	for _, ch := range ws.channels {
		players += ch.Players
		capacity += ch.Capacity
	}
	return players, capacity, nil
}
