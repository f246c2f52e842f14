package ecc

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"testing"
)

func TestGeneratorsOnCurve(t *testing.T) {
	for _, c := range curves {
		if !c.IsOnCurve(c.Generator()) {
			t.Fatalf("%s: generator not on curve", c.Name)
		}
	}
}

func TestOrderAnnihilatesGenerator(t *testing.T) {
	for _, c := range []*Curve{P256, BrainpoolP256r1, BrainpoolP192r1} {
		if p := c.ScalarBaseMult(c.N); !p.Infinity() {
			t.Fatalf("%s: n·G is not infinity", c.Name)
		}
	}
}

func TestScalarBaseMultMatchesStdlib(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	k := new(big.Int).SetBytes(priv.Bytes())
	got := P256.Marshal(P256.ScalarBaseMult(k))
	if !bytes.Equal(got, priv.PublicKey().Bytes()) {
		t.Fatalf("public key mismatch\n got %X\nwant %X", got, priv.PublicKey().Bytes())
	}
}

func TestSharedSecretMatchesStdlib(t *testing.T) {
	a, _ := ecdh.P256().GenerateKey(rand.Reader)
	b, _ := ecdh.P256().GenerateKey(rand.Reader)
	want, err := a.ECDH(b.PublicKey())
	if err != nil {
		t.Fatalf("ECDH: %v", err)
	}
	g := CurveGroup(P256)
	got, err := g.SharedSecret(new(big.Int).SetBytes(a.Bytes()), b.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("secret mismatch")
	}
}

func TestUnmarshalRejectsOffCurve(t *testing.T) {
	enc := P256.Marshal(P256.Generator())
	enc[len(enc)-1] ^= 0x01
	if _, err := P256.Unmarshal(enc); err == nil {
		t.Fatal("expected off-curve point to be rejected")
	}
	if _, err := P256.Unmarshal(enc[:10]); err == nil {
		t.Fatal("expected short encoding to be rejected")
	}
}

func TestGenericMappingAgreesOnBothSides(t *testing.T) {
	for _, id := range []int{0, 12, 13} {
		g, err := StandardGroup(id)
		if err != nil {
			t.Fatalf("StandardGroup(%d): %v", id, err)
		}
		nonce := big.NewInt(0x1234567890)

		pcdPriv, pcdPub, err := g.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("%s GenerateKey: %v", g, err)
		}
		iccPriv, iccPub, err := g.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("%s GenerateKey: %v", g, err)
		}
		hPCD, err := g.Agree(pcdPriv, iccPub)
		if err != nil {
			t.Fatalf("%s Agree: %v", g, err)
		}
		hICC, err := g.Agree(iccPriv, pcdPub)
		if err != nil {
			t.Fatalf("%s Agree: %v", g, err)
		}
		if !bytes.Equal(hPCD, hICC) {
			t.Fatalf("%s: mapping elements differ", g)
		}

		mappedPCD, err := g.Map(nonce, hPCD)
		if err != nil {
			t.Fatalf("%s Map: %v", g, err)
		}
		mappedICC, _ := g.Map(nonce, hICC)

		ePriv, ePub, err := mappedPCD.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("%s mapped GenerateKey: %v", g, err)
		}
		fPriv, fPub, err := mappedICC.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("%s mapped GenerateKey: %v", g, err)
		}
		z1, err := mappedPCD.SharedSecret(ePriv, fPub)
		if err != nil {
			t.Fatalf("%s SharedSecret: %v", g, err)
		}
		z2, err := mappedICC.SharedSecret(fPriv, ePub)
		if err != nil {
			t.Fatalf("%s SharedSecret: %v", g, err)
		}
		if !bytes.Equal(z1, z2) {
			t.Fatalf("%s: shared secrets differ", g)
		}
	}
}

func TestModPSubgroupOrder(t *testing.T) {
	for _, g := range []*ModPGroup{DH1024160, DH2048224, DH2048256} {
		if new(big.Int).Exp(g.G, g.Q, g.P).Cmp(big.NewInt(1)) != 0 {
			t.Fatalf("%s: g^q != 1", g.Name)
		}
	}
}

func TestCurveLookup(t *testing.T) {
	c, ok := CurveByParams(BrainpoolP256r1.P, BrainpoolP256r1.A, BrainpoolP256r1.B, BrainpoolP256r1.Gx, BrainpoolP256r1.Gy)
	if !ok || c != BrainpoolP256r1 {
		t.Fatal("explicit brainpoolP256r1 parameters not matched")
	}
	c, ok = CurveByOID(P384.OID)
	if !ok || c.Name != "P-384" {
		t.Fatal("P-384 OID not matched")
	}
	if _, err := StandardGroup(3); err == nil {
		t.Fatal("expected reserved parameter id to fail")
	}
}

func fixedReader(seed byte) io.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{seed, 0x5A, 0xC3}, 64))
}

func TestNISTGroupsMatchAffineArithmetic(t *testing.T) {
	for _, c := range []*Curve{P224, P256, P384, P521} {
		fast := CurveGroup(c)
		if _, ok := fast.(curveGroup); ok {
			t.Fatalf("%s: expected nistec group", c.Name)
		}
		slow := curveGroup{c: c}

		k1, pub1, err := fast.GenerateKey(fixedReader(1))
		if err != nil {
			t.Fatalf("%s GenerateKey: %v", c.Name, err)
		}
		k2, pub2, err := slow.GenerateKey(fixedReader(1))
		if err != nil {
			t.Fatalf("%s GenerateKey: %v", c.Name, err)
		}
		if k1.Cmp(k2) != 0 || !bytes.Equal(pub1, pub2) {
			t.Fatalf("%s: public keys differ", c.Name)
		}

		h := c.Marshal(c.ScalarBaseMult(big.NewInt(7)))
		s := big.NewInt(0x0BADC0DE)
		fastMapped, err := fast.Map(s, h)
		if err != nil {
			t.Fatalf("%s Map: %v", c.Name, err)
		}
		slowMapped, err := slow.Map(s, h)
		if err != nil {
			t.Fatalf("%s Map: %v", c.Name, err)
		}
		_, e1, _ := fastMapped.GenerateKey(fixedReader(2))
		_, e2, _ := slowMapped.GenerateKey(fixedReader(2))
		if !bytes.Equal(e1, e2) {
			t.Fatalf("%s: mapped public keys differ", c.Name)
		}

		z1, err := fastMapped.SharedSecret(k1, e2)
		if err != nil {
			t.Fatalf("%s SharedSecret: %v", c.Name, err)
		}
		z2, _ := slowMapped.SharedSecret(k1, e2)
		if !bytes.Equal(z1, z2) || len(z1) != c.ByteLen() {
			t.Fatalf("%s: shared secrets differ", c.Name)
		}
	}
}

func TestNISTGroupRejectsInvalidPoints(t *testing.T) {
	g := CurveGroup(P256)
	offCurve := P256.Marshal(P256.Generator())
	offCurve[len(offCurve)-1] ^= 0x01
	compressed := append([]byte{0x02}, P256.Marshal(P256.Generator())[1:33]...)
	for name, enc := range map[string][]byte{
		"infinity":   {0x00},
		"off curve":  offCurve,
		"compressed": compressed,
	} {
		if _, err := g.SharedSecret(big.NewInt(3), enc); !errors.Is(err, ErrInvalidPoint) {
			t.Fatalf("%s: SharedSecret err = %v", name, err)
		}
		if _, err := g.Map(big.NewInt(3), enc); !errors.Is(err, ErrInvalidPoint) {
			t.Fatalf("%s: Map err = %v", name, err)
		}
	}
}

func TestNISTGroupMapRejectsInfinity(t *testing.T) {
	// s·G + H is infinity when H = -(s·G).
	s := big.NewInt(5)
	sg := P256.ScalarBaseMult(s)
	neg := Point{X: sg.X, Y: new(big.Int).Sub(P256.P, sg.Y)}
	if _, err := CurveGroup(P256).Map(s, P256.Marshal(neg)); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("Map err = %v", err)
	}
}

func TestScalarMultMatchesRepeatedAddition(t *testing.T) {
	for _, c := range []*Curve{BrainpoolP256r1, P192} {
		g := c.Generator()
		want := Point{}
		for i := 1; i <= 11; i++ {
			want = c.Add(want, g)
			if got := c.ScalarMult(g, big.NewInt(int64(i))); !got.Equal(want) {
				t.Fatalf("%s: %d·G mismatch", c.Name, i)
			}
		}
		if !c.ScalarMult(g, big.NewInt(0)).Infinity() {
			t.Fatalf("%s: 0·G is not infinity", c.Name)
		}
	}
}
