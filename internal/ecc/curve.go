// Package ecc implements the prime-field groups used by PACE and chip
// authentication: short Weierstrass curves (NIST and Brainpool) and the
// RFC 5114 modular groups.
//
// The NIST curves P-224 through P-521 run on filippo.io/nistec. P-192 and the
// Brainpool curves have no maintained Go implementation, so they use affine
// arithmetic over math/big here; that path is not constant time.
package ecc

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidPoint is returned for encodings that are malformed, off the curve
// or the point at infinity.
var ErrInvalidPoint = errors.New("ecc: invalid point")

// Curve is y² = x³ + ax + b over GF(p) with base point (Gx, Gy) of order N.
type Curve struct {
	Name   string
	OID    asn1.ObjectIdentifier
	P      *big.Int
	A      *big.Int
	B      *big.Int
	Gx, Gy *big.Int
	N      *big.Int
	H      int
}

// Point is an affine point. A nil X denotes the point at infinity.
type Point struct {
	X, Y *big.Int
}

// Infinity reports whether p is the point at infinity.
func (p Point) Infinity() bool { return p.X == nil }

// Equal reports whether p and q are the same point.
func (p Point) Equal(q Point) bool {
	if p.Infinity() || q.Infinity() {
		return p.Infinity() == q.Infinity()
	}
	return p.X.Cmp(q.X) == 0 && p.Y.Cmp(q.Y) == 0
}

// ByteLen is the length of one encoded field element.
func (c *Curve) ByteLen() int { return (c.P.BitLen() + 7) / 8 }

// Generator returns the curve's base point.
func (c *Curve) Generator() Point {
	return Point{X: new(big.Int).Set(c.Gx), Y: new(big.Int).Set(c.Gy)}
}

// IsOnCurve reports whether p satisfies the curve equation.
func (c *Curve) IsOnCurve(p Point) bool {
	if p.Infinity() {
		return false
	}
	if p.X.Sign() < 0 || p.X.Cmp(c.P) >= 0 || p.Y.Sign() < 0 || p.Y.Cmp(c.P) >= 0 {
		return false
	}
	y2 := new(big.Int).Mul(p.Y, p.Y)
	y2.Mod(y2, c.P)

	rhs := new(big.Int).Mul(p.X, p.X)
	rhs.Mul(rhs, p.X)
	ax := new(big.Int).Mul(c.A, p.X)
	rhs.Add(rhs, ax)
	rhs.Add(rhs, c.B)
	rhs.Mod(rhs, c.P)
	return y2.Cmp(rhs) == 0
}

// Add returns p + q.
func (c *Curve) Add(p, q Point) Point {
	if p.Infinity() {
		return q
	}
	if q.Infinity() {
		return p
	}
	if p.X.Cmp(q.X) == 0 {
		if p.Y.Cmp(q.Y) == 0 && p.Y.Sign() != 0 {
			return c.Double(p)
		}
		return Point{}
	}
	num := new(big.Int).Sub(q.Y, p.Y)
	den := new(big.Int).Sub(q.X, p.X)
	den.Mod(den, c.P)
	den.ModInverse(den, c.P)
	lambda := num.Mul(num, den)
	lambda.Mod(lambda, c.P)
	return c.finish(lambda, p, q.X)
}

// Double returns 2p.
func (c *Curve) Double(p Point) Point {
	if p.Infinity() || p.Y.Sign() == 0 {
		return Point{}
	}
	num := new(big.Int).Mul(p.X, p.X)
	num.Mul(num, big.NewInt(3))
	num.Add(num, c.A)
	den := new(big.Int).Lsh(p.Y, 1)
	den.Mod(den, c.P)
	den.ModInverse(den, c.P)
	lambda := num.Mul(num, den)
	lambda.Mod(lambda, c.P)
	return c.finish(lambda, p, p.X)
}

// finish computes x3 = λ² - x1 - x2 and y3 = λ(x1 - x3) - y1.
func (c *Curve) finish(lambda *big.Int, p Point, x2 *big.Int) Point {
	x3 := new(big.Int).Mul(lambda, lambda)
	x3.Sub(x3, p.X)
	x3.Sub(x3, x2)
	x3.Mod(x3, c.P)

	y3 := new(big.Int).Sub(p.X, x3)
	y3.Mul(y3, lambda)
	y3.Sub(y3, p.Y)
	y3.Mod(y3, c.P)
	return Point{X: x3, Y: y3}
}

// ScalarMult returns k·p with a Montgomery ladder. Every bit up to the order
// length costs one addition and one doubling, whatever its value.
func (c *Curve) ScalarMult(p Point, k *big.Int) Point {
	bits := max(c.N.BitLen(), k.BitLen())
	var r0 Point
	r1 := p
	for i := bits - 1; i >= 0; i-- {
		if k.Bit(i) == 0 {
			r1 = c.Add(r0, r1)
			r0 = c.Double(r0)
		} else {
			r0 = c.Add(r0, r1)
			r1 = c.Double(r1)
		}
	}
	return r0
}

// ScalarBaseMult returns k·G.
func (c *Curve) ScalarBaseMult(k *big.Int) Point {
	return c.ScalarMult(c.Generator(), k)
}

// Marshal encodes p in uncompressed form 04 || X || Y.
func (c *Curve) Marshal(p Point) []byte {
	n := c.ByteLen()
	out := make([]byte, 1+2*n)
	out[0] = 0x04
	p.X.FillBytes(out[1 : 1+n])
	p.Y.FillBytes(out[1+n:])
	return out
}

// Unmarshal decodes an uncompressed point and checks it lies on the curve.
func (c *Curve) Unmarshal(b []byte) (Point, error) {
	n := c.ByteLen()
	if len(b) != 1+2*n || b[0] != 0x04 {
		return Point{}, fmt.Errorf("%w: %d-byte encoding for %s", ErrInvalidPoint, len(b), c.Name)
	}
	p := Point{
		X: new(big.Int).SetBytes(b[1 : 1+n]),
		Y: new(big.Int).SetBytes(b[1+n:]),
	}
	if !c.IsOnCurve(p) {
		return Point{}, fmt.Errorf("%w: not on %s", ErrInvalidPoint, c.Name)
	}
	return p, nil
}

// WithGenerator returns a copy of c whose base point is g.
func (c *Curve) WithGenerator(g Point) *Curve {
	cp := *c
	cp.Gx = new(big.Int).Set(g.X)
	cp.Gy = new(big.Int).Set(g.Y)
	return &cp
}
