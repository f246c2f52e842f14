package ecc

import (
	"fmt"
	"io"
	"math/big"
)

// nistPoint is the point API shared by the nistec curve types.
type nistPoint[P any] interface {
	Bytes() []byte
	BytesX() ([]byte, error)
	SetBytes([]byte) (P, error)
	Add(P, P) P
	ScalarMult(P, []byte) (P, error)
	ScalarBaseMult([]byte) (P, error)
}

// nistGroup runs the NIST curves on nistec's constant-time arithmetic. A
// mapped group carries its generator as a point; otherwise the curve's base
// point is used.
type nistGroup[P nistPoint[P]] struct {
	c        *Curve
	newPoint func() P
	gen      P
	mapped   bool
}

func newNISTGroup[P nistPoint[P]](c *Curve, newPoint func() P) Group {
	return &nistGroup[P]{c: c, newPoint: newPoint}
}

func (g *nistGroup[P]) String() string       { return g.c.Name }
func (g *nistGroup[P]) PublicKeyTag() uint32 { return 0x86 }

// scalar encodes k mod N at the fixed width nistec expects.
func (g *nistGroup[P]) scalar(k *big.Int) []byte {
	out := make([]byte, (g.c.N.BitLen()+7)/8)
	new(big.Int).Mod(k, g.c.N).FillBytes(out)
	return out
}

func (g *nistGroup[P]) mul(k *big.Int) (P, error) {
	if g.mapped {
		return g.newPoint().ScalarMult(g.gen, g.scalar(k))
	}
	return g.newPoint().ScalarBaseMult(g.scalar(k))
}

func (g *nistGroup[P]) decode(b []byte) (P, error) {
	var zero P
	if len(b) != 1+2*g.c.ByteLen() || b[0] != 0x04 {
		return zero, fmt.Errorf("%w: %d-byte encoding for %s", ErrInvalidPoint, len(b), g.c.Name)
	}
	p, err := g.newPoint().SetBytes(b)
	if err != nil {
		return zero, fmt.Errorf("%w: not on %s", ErrInvalidPoint, g.c.Name)
	}
	return p, nil
}

func (g *nistGroup[P]) GenerateKey(r io.Reader) (*big.Int, []byte, error) {
	k, err := randomScalar(r, g.c.N)
	if err != nil {
		return nil, nil, err
	}
	pub, err := g.mul(k)
	if err != nil {
		return nil, nil, err
	}
	return k, pub.Bytes(), nil
}

func (g *nistGroup[P]) agree(priv *big.Int, peer []byte) (P, error) {
	var zero P
	q, err := g.decode(peer)
	if err != nil {
		return zero, err
	}
	z, err := g.newPoint().ScalarMult(q, g.scalar(priv))
	if err != nil {
		return zero, err
	}
	if _, err := z.BytesX(); err != nil {
		return zero, fmt.Errorf("%w: agreement yields infinity", ErrInvalidPoint)
	}
	return z, nil
}

func (g *nistGroup[P]) Agree(priv *big.Int, peer []byte) ([]byte, error) {
	z, err := g.agree(priv, peer)
	if err != nil {
		return nil, err
	}
	return z.Bytes(), nil
}

func (g *nistGroup[P]) SharedSecret(priv *big.Int, peer []byte) ([]byte, error) {
	z, err := g.agree(priv, peer)
	if err != nil {
		return nil, err
	}
	return z.BytesX()
}

func (g *nistGroup[P]) Map(s *big.Int, h []byte) (Group, error) {
	hp, err := g.decode(h)
	if err != nil {
		return nil, err
	}
	sg, err := g.mul(s)
	if err != nil {
		return nil, err
	}
	gen := g.newPoint().Add(sg, hp)
	if _, err := gen.BytesX(); err != nil {
		return nil, fmt.Errorf("%w: mapped generator is infinity", ErrInvalidPoint)
	}
	return &nistGroup[P]{c: g.c, newPoint: g.newPoint, gen: gen, mapped: true}, nil
}
