package screen

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/UVuruna/gmbl-sub000/internal/phase"
	"github.com/UVuruna/gmbl-sub000/internal/region"
)

// simPalette maps each phase to the pixel color the simulator renders.
// Ordered by phase index so it doubles as a centroid model.
var simPalette = [][]float64{
	{200, 200, 200}, // Waiting
	{0, 200, 0},     // BettingReady
	{50, 50, 200},   // ActiveLow
	{150, 50, 200},  // ActiveMid
	{250, 50, 200},  // ActiveHigh
	{200, 0, 0},     // Ended
}

// SimOptions tune the simulated game.
type SimOptions struct {
	RoundWait    time.Duration // Waiting phase length
	BetWindow    time.Duration // BettingReady phase length
	EndedHold    time.Duration // Ended phase length
	GrowthRate   float64       // multiplier growth per second
	AutoCashout  float64       // payout multiplier applied to committed bets
	StartBalance float64
	Seed         int64
}

func (o *SimOptions) withDefaults() {
	if o.RoundWait <= 0 {
		o.RoundWait = 500 * time.Millisecond
	}
	if o.BetWindow <= 0 {
		o.BetWindow = 500 * time.Millisecond
	}
	if o.EndedHold <= 0 {
		o.EndedHold = 300 * time.Millisecond
	}
	if o.GrowthRate <= 0 {
		o.GrowthRate = 0.8
	}
	if o.AutoCashout <= 1 {
		o.AutoCashout = 2.0
	}
	if o.StartBalance <= 0 {
		o.StartBalance = 1000
	}
}

// Simulator fakes one crash-game table. It implements both the Reader and
// the actuator driver, so the whole pipeline runs without a real screen.
// Rounds advance on wall-clock time whenever a call observes the state.
type Simulator struct {
	opts  SimOptions
	roles map[region.Region]string

	mu         sync.Mutex
	rng        *rand.Rand
	state      phase.Phase
	stateSince time.Time
	crash      float64
	score      float64
	balance    float64
	players    int64
	totalWin   float64
	typed      string
	pending    float64
}

// NewSimulator builds a simulator serving the given resolved regions. The
// roles map ties absolute regions back to their roles so reads and clicks
// can be interpreted.
func NewSimulator(roles map[region.Region]string, opts SimOptions) *Simulator {
	opts.withDefaults()
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		opts:       opts,
		roles:      roles,
		rng:        rand.New(rand.NewSource(seed)),
		state:      phase.Waiting,
		stateSince: time.Now(),
		balance:    opts.StartBalance,
		players:    250,
	}
}

// Centroids returns the simulator's palette as a centroid model.
func (s *Simulator) Centroids() [][]float64 {
	out := make([][]float64, len(simPalette))
	copy(out, simPalette)
	return out
}

func (s *Simulator) SampleColor(_ context.Context, reg region.Region) (phase.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(time.Now())

	c := simPalette[int(s.state)]
	// Slight sensor noise keeps the classifier honest.
	jitter := func(v float64) float64 { return v + s.rng.Float64()*4 - 2 }
	return phase.Sample{jitter(c[0]), jitter(c[1]), jitter(c[2])}, nil
}

func (s *Simulator) ReadNumber(_ context.Context, reg region.Region) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(time.Now())

	switch s.roles[reg] {
	case "score":
		return s.score, nil
	case "balance":
		return s.balance, nil
	case "player_count":
		return float64(s.players), nil
	case "total_win":
		return s.totalWin, nil
	default:
		return 0, ErrRead
	}
}

// Click commits the typed stake when it hits a play button.
func (s *Simulator) Click(x, y int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(time.Now())

	for reg, role := range s.roles {
		cx, cy := reg.Center()
		if cx != x || cy != y || role != "play_button" {
			continue
		}
		stake, err := strconv.ParseFloat(s.typed, 64)
		if err != nil || stake <= 0 {
			return nil
		}
		if s.state == phase.BettingReady && stake <= s.balance {
			s.balance -= stake
			s.pending += stake
		}
		return nil
	}
	return nil
}

func (s *Simulator) SelectAll() error { return nil }

func (s *Simulator) TypeText(text string) error {
	s.mu.Lock()
	s.typed = text
	s.mu.Unlock()
	return nil
}

// advance moves the round machine forward to now. Caller holds the lock.
func (s *Simulator) advance(now time.Time) {
	for {
		elapsed := now.Sub(s.stateSince)
		switch s.state {
		case phase.Waiting:
			if elapsed < s.opts.RoundWait {
				return
			}
			s.transition(phase.BettingReady, s.stateSince.Add(s.opts.RoundWait))
		case phase.BettingReady:
			if elapsed < s.opts.BetWindow {
				return
			}
			s.startRound(s.stateSince.Add(s.opts.BetWindow))
		case phase.ActiveLow, phase.ActiveMid, phase.ActiveHigh:
			s.score = math.Exp(s.opts.GrowthRate * elapsed.Seconds())
			if s.score < s.crash {
				s.state = activeBand(s.score)
				return
			}
			s.endRound(now)
		case phase.Ended:
			if elapsed < s.opts.EndedHold {
				return
			}
			s.transition(phase.Waiting, s.stateSince.Add(s.opts.EndedHold))
		}
	}
}

func (s *Simulator) transition(next phase.Phase, at time.Time) {
	s.state = next
	s.stateSince = at
}

func (s *Simulator) startRound(at time.Time) {
	// Crash point follows the usual inverse distribution with a 1% edge.
	u := s.rng.Float64()
	if u < 1e-9 {
		u = 1e-9
	}
	s.crash = math.Max(1.0, math.Floor(99.0/u)/100.0)
	s.score = 1.0
	s.players = 200 + int64(s.rng.Intn(300))
	s.totalWin = 0
	s.transition(activeBand(1.0), at)
}

func (s *Simulator) endRound(at time.Time) {
	s.score = s.crash
	if s.pending > 0 && s.crash >= s.opts.AutoCashout {
		s.balance += s.pending * s.opts.AutoCashout
	}
	s.totalWin = float64(s.players) * s.crash * 0.4
	s.pending = 0
	s.transition(phase.Ended, at)
}

func activeBand(score float64) phase.Phase {
	switch {
	case score < 2:
		return phase.ActiveLow
	case score < 10:
		return phase.ActiveMid
	default:
		return phase.ActiveHigh
	}
}
