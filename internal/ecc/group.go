package ecc

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"filippo.io/nistec"
)

// Group is a key agreement group as used by PACE and chip authentication.
// Public keys and shared elements travel in their wire encodings: uncompressed
// points for curves, big-endian integers of the modulus length for MODP.
type Group interface {
	// GenerateKey returns a private scalar and its encoded public element.
	GenerateKey(r io.Reader) (*big.Int, []byte, error)
	// Agree returns the encoded element priv·peer.
	Agree(priv *big.Int, peer []byte) ([]byte, error)
	// SharedSecret returns the agreement secret Z: the x coordinate for
	// curves, the full element for MODP groups.
	SharedSecret(priv *big.Int, peer []byte) ([]byte, error)
	// Map returns the group whose generator is s·G + H (generic mapping).
	Map(s *big.Int, h []byte) (Group, error)
	// PublicKeyTag is the tag carrying the public element inside a
	// public key data object: 0x86 for curves, 0x84 for MODP.
	PublicKeyTag() uint32
	// String names the group for logs.
	String() string
}

// ErrUnknownParameter is returned for unsupported standardized domain
// parameter identifiers.
var ErrUnknownParameter = errors.New("ecc: unsupported domain parameter id")

// StandardGroup returns the group for a standardized domain parameter id.
func StandardGroup(id int) (Group, error) {
	switch id {
	case 0:
		return DH1024160, nil
	case 1:
		return DH2048224, nil
	case 2:
		return DH2048256, nil
	case 8:
		return CurveGroup(P192), nil
	case 9:
		return CurveGroup(BrainpoolP192r1), nil
	case 10:
		return CurveGroup(P224), nil
	case 11:
		return CurveGroup(BrainpoolP224r1), nil
	case 12:
		return CurveGroup(P256), nil
	case 13:
		return CurveGroup(BrainpoolP256r1), nil
	case 14:
		return CurveGroup(BrainpoolP320r1), nil
	case 15:
		return CurveGroup(P384), nil
	case 16:
		return CurveGroup(BrainpoolP384r1), nil
	case 17:
		return CurveGroup(BrainpoolP512r1), nil
	case 18:
		return CurveGroup(P521), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownParameter, id)
}

func randomScalar(r io.Reader, order *big.Int) (*big.Int, error) {
	if r == nil {
		r = rand.Reader
	}
	upper := new(big.Int).Sub(order, big.NewInt(1))
	k, err := rand.Int(r, upper)
	if err != nil {
		return nil, err
	}
	return k.Add(k, big.NewInt(1)), nil
}

type curveGroup struct {
	c *Curve
}

// CurveGroup wraps a curve as a key agreement group. The NIST curves run on
// nistec; the rest use the affine arithmetic in this package.
func CurveGroup(c *Curve) Group {
	switch c {
	case P224:
		return newNISTGroup(c, nistec.NewP224Point)
	case P256:
		return newNISTGroup(c, nistec.NewP256Point)
	case P384:
		return newNISTGroup(c, nistec.NewP384Point)
	case P521:
		return newNISTGroup(c, nistec.NewP521Point)
	}
	return curveGroup{c: c}
}

func (g curveGroup) String() string       { return g.c.Name }
func (g curveGroup) PublicKeyTag() uint32 { return 0x86 }

func (g curveGroup) GenerateKey(r io.Reader) (*big.Int, []byte, error) {
	k, err := randomScalar(r, g.c.N)
	if err != nil {
		return nil, nil, err
	}
	return k, g.c.Marshal(g.c.ScalarBaseMult(k)), nil
}

func (g curveGroup) agree(priv *big.Int, peer []byte) (Point, error) {
	q, err := g.c.Unmarshal(peer)
	if err != nil {
		return Point{}, err
	}
	z := g.c.ScalarMult(q, priv)
	if z.Infinity() {
		return Point{}, fmt.Errorf("%w: agreement yields infinity", ErrInvalidPoint)
	}
	return z, nil
}

func (g curveGroup) Agree(priv *big.Int, peer []byte) ([]byte, error) {
	z, err := g.agree(priv, peer)
	if err != nil {
		return nil, err
	}
	return g.c.Marshal(z), nil
}

func (g curveGroup) SharedSecret(priv *big.Int, peer []byte) ([]byte, error) {
	z, err := g.agree(priv, peer)
	if err != nil {
		return nil, err
	}
	out := make([]byte, g.c.ByteLen())
	z.X.FillBytes(out)
	return out, nil
}

func (g curveGroup) Map(s *big.Int, h []byte) (Group, error) {
	hp, err := g.c.Unmarshal(h)
	if err != nil {
		return nil, err
	}
	gen := g.c.Add(g.c.ScalarBaseMult(s), hp)
	if gen.Infinity() {
		return nil, fmt.Errorf("%w: mapped generator is infinity", ErrInvalidPoint)
	}
	return curveGroup{c: g.c.WithGenerator(gen)}, nil
}

// ModPGroup is a prime order subgroup of the multiplicative group mod P.
type ModPGroup struct {
	Name string
	P    *big.Int
	G    *big.Int
	Q    *big.Int
}

func (g *ModPGroup) String() string       { return g.Name }
func (g *ModPGroup) PublicKeyTag() uint32 { return 0x84 }

func (g *ModPGroup) byteLen() int { return (g.P.BitLen() + 7) / 8 }

func (g *ModPGroup) encode(y *big.Int) []byte {
	out := make([]byte, g.byteLen())
	y.FillBytes(out)
	return out
}

func (g *ModPGroup) decode(b []byte) (*big.Int, error) {
	y := new(big.Int).SetBytes(b)
	pm1 := new(big.Int).Sub(g.P, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pm1) >= 0 {
		return nil, errors.New("ecc: MODP element out of range")
	}
	if new(big.Int).Exp(y, g.Q, g.P).Cmp(big.NewInt(1)) != 0 {
		return nil, errors.New("ecc: MODP element not in subgroup")
	}
	return y, nil
}

func (g *ModPGroup) GenerateKey(r io.Reader) (*big.Int, []byte, error) {
	x, err := randomScalar(r, g.Q)
	if err != nil {
		return nil, nil, err
	}
	return x, g.encode(new(big.Int).Exp(g.G, x, g.P)), nil
}

func (g *ModPGroup) Agree(priv *big.Int, peer []byte) ([]byte, error) {
	y, err := g.decode(peer)
	if err != nil {
		return nil, err
	}
	return g.encode(new(big.Int).Exp(y, priv, g.P)), nil
}

func (g *ModPGroup) SharedSecret(priv *big.Int, peer []byte) ([]byte, error) {
	return g.Agree(priv, peer)
}

func (g *ModPGroup) Map(s *big.Int, h []byte) (Group, error) {
	hy, err := g.decode(h)
	if err != nil {
		return nil, err
	}
	gen := new(big.Int).Exp(g.G, s, g.P)
	gen.Mul(gen, hy)
	gen.Mod(gen, g.P)
	if gen.Cmp(big.NewInt(1)) == 0 {
		return nil, errors.New("ecc: mapped generator is the identity")
	}
	return &ModPGroup{Name: g.Name, P: g.P, G: gen, Q: g.Q}, nil
}
