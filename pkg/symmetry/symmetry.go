// Package symmetry enumerates the rotation operators of point groups.
package symmetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/num/quat"

	"cryorefine/pkg/geom"
)

// ErrUnknownGroup is returned for a group name that cannot be parsed.
var ErrUnknownGroup = errors.New("unknown symmetry group")

// Symmetry is a point group given by its non-identity rotation operators.
type Symmetry struct {
	Name string
	ops  []quat.Number
}

// New builds the group named by name: C1, Cn, Dn, T, O or I.
func New(name string) (*Symmetry, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		name = "C1"
	}

	z := [3]float64{0, 0, 1}
	x := [3]float64{1, 0, 0}
	diag := [3]float64{1, 1, 1}
	phi := (1 + math.Sqrt(5)) / 2

	var gens []quat.Number
	switch {
	case name == "T":
		gens = []quat.Number{geom.AxisAngle(diag, 2*math.Pi/3), geom.AxisAngle(z, math.Pi)}
	case name == "O":
		gens = []quat.Number{geom.AxisAngle(diag, 2*math.Pi/3), geom.AxisAngle(z, math.Pi/2)}
	case name == "I":
		gens = []quat.Number{
			geom.AxisAngle(z, math.Pi),
			geom.AxisAngle(diag, 2*math.Pi/3),
			geom.AxisAngle([3]float64{0, 1, phi}, 2*math.Pi/5),
		}
	case name[0] == 'C' || name[0] == 'D':
		n, err := strconv.Atoi(name[1:])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, name)
		}
		if n > 1 {
			gens = append(gens, geom.AxisAngle(z, 2*math.Pi/float64(n)))
		}
		if name[0] == 'D' {
			gens = append(gens, geom.AxisAngle(x, math.Pi))
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}

	return &Symmetry{Name: name, ops: closure(gens)}, nil
}

// closure multiplies generators until no new element appears and returns
// every element except the identity.
func closure(gens []quat.Number) []quat.Number {
	elems := []quat.Number{geom.Identity}
	for i := 0; i < len(elems); i++ {
		for _, g := range gens {
			c := geom.Normalize(quat.Mul(elems[i], g))
			if !contains(elems, c) {
				elems = append(elems, c)
			}
		}
	}
	return elems[1:]
}

func contains(set []quat.Number, q quat.Number) bool {
	for _, s := range set {
		if math.Abs(geom.Dot(s, q)) > 1-1e-9 {
			return true
		}
	}
	return false
}

// NSymmetryElement is the number of non-identity operators.
func (s *Symmetry) NSymmetryElement() int { return len(s.ops) }

// Order is the group order including the identity.
func (s *Symmetry) Order() int { return len(s.ops) + 1 }

// Operators returns the non-identity operators. The slice must not be modified.
func (s *Symmetry) Operators() []quat.Number { return s.ops }

// Reduce maps q to the symmetry-equivalent rotation closest to ref, used so
// that pose differences are measured modulo the group.
func (s *Symmetry) Reduce(q, ref quat.Number) quat.Number {
	best := q
	bestDot := math.Abs(geom.Dot(q, ref))
	for _, op := range s.ops {
		c := quat.Mul(op, q)
		if d := math.Abs(geom.Dot(c, ref)); d > bestDot {
			best, bestDot = c, d
		}
	}
	return geom.Normalize(best)
}
