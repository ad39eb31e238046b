// Package workload drives synthetic load against instance pools.
package workload

import (
	"errors"
	"math"

	"github.com/google/uuid"
)

// ErrCorrupted is returned by ResetParticle for particles marked corrupt.
var ErrCorrupted = errors.New("workload: particle corrupted")

const (
	particleTTL   = 32
	particleSpeed = 4.0
	timeStep      = 1.0 / 60.0
)

// Particle is a short-lived projectile; the classic pooled object of a
// bullet-hell game loop.
type Particle struct {
	ID         uuid.UUID
	X, Y       float64
	VX, VY     float64
	TTL        int
	Generation uint32
	Alive      bool

	corrupt bool
}

// NewParticle manufactures an inert particle.
func NewParticle() (*Particle, error) {
	return &Particle{ID: uuid.New()}, nil
}

// ResetParticle returns p to its inert state and bumps its generation. A
// corrupted particle cannot be restored.
func ResetParticle(p *Particle) error {
	if p.corrupt {
		return ErrCorrupted
	}
	p.X, p.Y = 0, 0
	p.VX, p.VY = 0, 0
	p.TTL = 0
	p.Alive = false
	p.Generation++
	return nil
}

// Spawn launches p from the origin along a direction derived from seq.
func (p *Particle) Spawn(seq int) {
	angle := float64(seq%360) * math.Pi / 180
	p.VX = particleSpeed * math.Cos(angle)
	p.VY = particleSpeed * math.Sin(angle)
	p.TTL = particleTTL
	p.Alive = true
}

// Step advances p one frame and reports whether it is still alive.
func (p *Particle) Step() bool {
	if !p.Alive {
		return false
	}
	p.X += p.VX * timeStep
	p.Y += p.VY * timeStep
	p.TTL--
	if p.TTL <= 0 {
		p.Alive = false
	}
	return p.Alive
}

// Corrupt marks p so its next reset fails.
func (p *Particle) Corrupt() {
	p.corrupt = true
}
