package ecc

import (
	"crypto/elliptic"
	"encoding/asn1"
	"math/big"
)

func hexInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("ecc: bad constant " + s)
	}
	return n
}

func fromStdlib(name string, oid asn1.ObjectIdentifier, c elliptic.Curve) *Curve {
	p := c.Params()
	return &Curve{
		Name: name,
		OID:  oid,
		P:    p.P,
		A:    new(big.Int).Sub(p.P, big.NewInt(3)),
		B:    p.B,
		Gx:   p.Gx,
		Gy:   p.Gy,
		N:    p.N,
		H:    1,
	}
}

var (
	P192 = &Curve{
		Name: "P-192",
		OID:  asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 1},
		P:    hexInt("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFFFFFFFFFFFF"),
		A:    hexInt("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFFFFFFFFFFFC"),
		B:    hexInt("64210519E59C80E70FA7E9AB72243049FEB8DEECC146B9B1"),
		Gx:   hexInt("188DA80EB03090F67CBF20EB43A18800F4FF0AFD82FF1012"),
		Gy:   hexInt("07192B95FFC8DA78631011ED6B24CDD573F977A11E794811"),
		N:    hexInt("FFFFFFFFFFFFFFFFFFFFFFFF99DEF836146BC9B1B4D22831"),
		H:    1,
	}
	P224 = fromStdlib("P-224", asn1.ObjectIdentifier{1, 3, 132, 0, 33}, elliptic.P224())
	P256 = &Curve{
		Name: "P-256",
		OID:  asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7},
		P:    hexInt("FFFFFFFF00000001000000000000000000000000FFFFFFFFFFFFFFFFFFFFFFFF"),
		A:    hexInt("FFFFFFFF00000001000000000000000000000000FFFFFFFFFFFFFFFFFFFFFFFC"),
		B:    hexInt("5AC635D8AA3A93E7B3EBBD55769886BC651D06B0CC53B0F63BCE3C3E27D2604B"),
		Gx:   hexInt("6B17D1F2E12C4247F8BCE6E563A440F277037D812DEB33A0F4A13945D898C296"),
		Gy:   hexInt("4FE342E2FE1A7F9B8EE7EB4A7C0F9E162BCE33576B315ECECBB6406837BF51F5"),
		N:    hexInt("FFFFFFFF00000000FFFFFFFFFFFFFFFFBCE6FAADA7179E84F3B9CAC2FC632551"),
		H:    1,
	}
	P384 = fromStdlib("P-384", asn1.ObjectIdentifier{1, 3, 132, 0, 34}, elliptic.P384())
	P521 = fromStdlib("P-521", asn1.ObjectIdentifier{1, 3, 132, 0, 35}, elliptic.P521())

	BrainpoolP192r1 = &Curve{
		Name: "brainpoolP192r1",
		OID:  asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 3},
		P:    hexInt("C302F41D932A36CDA7A3463093D18DB78FCE476DE1A86297"),
		A:    hexInt("6A91174076B1E0E19C39C031FE8685C1CAE040E5C69A28EF"),
		B:    hexInt("469A28EF7C28CCA3DC721D044F4496BCCA7EF4146FBF25C9"),
		Gx:   hexInt("C0A0647EAAB6A48753B033C56CB0F0900A2F5C4853375FD6"),
		Gy:   hexInt("14B690866ABD5BB88B5F4828C1490002E6773FA2FA299B8F"),
		N:    hexInt("C302F41D932A36CDA7A3462F9E9E916B5BE8F1029AC4ACC1"),
		H:    1,
	}
	BrainpoolP224r1 = &Curve{
		Name: "brainpoolP224r1",
		OID:  asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 5},
		P:    hexInt("D7C134AA264366862A18302575D1D787B09F075797DA89F57EC8C0FF"),
		A:    hexInt("68A5E62CA9CE6C1C299803A6C1530B514E182AD8B0042A59CAD29F43"),
		B:    hexInt("2580F63CCFE44138870713B1A92369E33E2135D266DBB372386C400B"),
		Gx:   hexInt("0D9029AD2C7E5CF4340823B2A87DC68C9E4CE3174C1E6EFDEE12C07D"),
		Gy:   hexInt("58AA56F772C0726F24C6B89E4ECDAC24354B9E99CAA3F6D3761402CD"),
		N:    hexInt("D7C134AA264366862A18302575D0FB98D116BC4B6DDEBCA3A5A7939F"),
		H:    1,
	}
	BrainpoolP256r1 = &Curve{
		Name: "brainpoolP256r1",
		OID:  asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 7},
		P:    hexInt("A9FB57DBA1EEA9BC3E660A909D838D726E3BF623D52620282013481D1F6E5377"),
		A:    hexInt("7D5A0975FC2C3057EEF67530417AFFE7FB8055C126DC5C6CE94A4B44F330B5D9"),
		B:    hexInt("26DC5C6CE94A4B44F330B5D9BBD77CBF958416295CF7E1CE6BCCDC18FF8C07B6"),
		Gx:   hexInt("8BD2AEB9CB7E57CB2C4B482FFC81B7AFB9DE27E1E3BD23C23A4453BD9ACE3262"),
		Gy:   hexInt("547EF835C3DAC4FD97F8461A14611DC9C27745132DED8E545C1D54C72F046997"),
		N:    hexInt("A9FB57DBA1EEA9BC3E660A909D838D718C397AA3B561A6F7901E0E82974856A7"),
		H:    1,
	}
	BrainpoolP320r1 = &Curve{
		Name: "brainpoolP320r1",
		OID:  asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 9},
		P:    hexInt("D35E472036BC4FB7E13C785ED201E065F98FCFA6F6F40DEF4F92B9EC7893EC28FCD412B1F1B32E27"),
		A:    hexInt("3EE30B568FBAB0F883CCEBD46D3F3BB8A2A73513F5EB79DA66190EB085FFA9F492F375A97D860EB4"),
		B:    hexInt("520883949DFDBC42D3AD198640688A6FE13F41349554B49ACC31DCCD884539816F5EB4AC8FB1F1A6"),
		Gx:   hexInt("43BD7E9AFB53D8B85289BCC48EE5BFE6F20137D10A087EB6E7871E2A10A599C710AF8D0D39E20611"),
		Gy:   hexInt("14FDD05545EC1CC8AB4093247F77275E0743FFED117182EAA9C77877AAAC6AC7D35245D1692E8EE1"),
		N:    hexInt("D35E472036BC4FB7E13C785ED201E065F98FCFA5B68F12A32D482EC7EE8658E98691555B44C59311"),
		H:    1,
	}
	BrainpoolP384r1 = &Curve{
		Name: "brainpoolP384r1",
		OID:  asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 11},
		P:    hexInt("8CB91E82A3386D280F5D6F7E50E641DF152F7109ED5456B412B1DA197FB71123ACD3A729901D1A71874700133107EC53"),
		A:    hexInt("7BC382C63D8C150C3C72080ACE05AFA0C2BEA28E4FB22787139165EFBA91F90F8AA5814A503AD4EB04A8C7DD22CE2826"),
		B:    hexInt("04A8C7DD22CE28268B39B55416F0447C2FB77DE107DCD2A62E880EA53EEB62D57CB4390295DBC9943AB78696FA504C11"),
		Gx:   hexInt("1D1C64F068CF45FFA2A63A81B7C13F6B8847A3E77EF14FE3DB7FCAFE0CBD10E8E826E03436D646AAEF87B2E247D4AF1E"),
		Gy:   hexInt("8ABE1D7520F9C2A45CB1EB8E95CFD55262B70B29FEEC5864E19C054FF99129280E4646217791811142820341263C5315"),
		N:    hexInt("8CB91E82A3386D280F5D6F7E50E641DF152F7109ED5456B31F166E6CAC0425A7CF3AB6AF6B7FC3103B883202E9046565"),
		H:    1,
	}
	BrainpoolP512r1 = &Curve{
		Name: "brainpoolP512r1",
		OID:  asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 13},
		P:    hexInt("AADD9DB8DBE9C48B3FD4E6AE33C9FC07CB308DB3B3C9D20ED6639CCA703308717D4D9B009BC66842AECDA12AE6A380E62881FF2F2D82C68528AA6056583A48F3"),
		A:    hexInt("7830A3318B603B89E2327145AC234CC594CBDD8D3DF91610A83441CAEA9863BC2DED5D5AA8253AA10A2EF1C98B9AC8B57F1117A72BF2C7B9E7C1AC4D77FC94CA"),
		B:    hexInt("3DF91610A83441CAEA9863BC2DED5D5AA8253AA10A2EF1C98B9AC8B57F1117A72BF2C7B9E7C1AC4D77FC94CADC083E67984050B75EBAE5DD2809BD638016F723"),
		Gx:   hexInt("81AEE4BDD82ED9645A21322E9C4C6A9385ED9F70B5D916C1B43B62EEF4D0098EFF3B1F78E2D0D48D50D1687B93B97D5F7C6D5047406A5E688B352209BCB9F822"),
		Gy:   hexInt("7DDE385D566332ECC0EABFA9CF7822FDF209F70024A57B1AA000C55B881F8111B2DCDE494A5F485E5BCA4BD88A2763AED1CA2B2FA8F0540678CD1E0F3AD80892"),
		N:    hexInt("AADD9DB8DBE9C48B3FD4E6AE33C9FC07CB308DB3B3C9D20ED6639CCA70330870553E5C414CA92619418661197FAC10471DB1D381085DDADDB58796829CA90069"),
		H:    1,
	}
)

var curves = []*Curve{
	P192, P224, P256, P384, P521,
	BrainpoolP192r1, BrainpoolP224r1, BrainpoolP256r1,
	BrainpoolP320r1, BrainpoolP384r1, BrainpoolP512r1,
}

// CurveByOID looks up a named curve.
func CurveByOID(oid asn1.ObjectIdentifier) (*Curve, bool) {
	for _, c := range curves {
		if c.OID.Equal(oid) {
			return c, true
		}
	}
	return nil, false
}

// CurveByParams matches explicit domain parameters against the known curves.
// Chips commonly encode DG14 keys with the full parameter set instead of a
// named curve OID.
func CurveByParams(p, a, b, gx, gy *big.Int) (*Curve, bool) {
	for _, c := range curves {
		if c.P.Cmp(p) == 0 && c.A.Cmp(a) == 0 && c.B.Cmp(b) == 0 &&
			c.Gx.Cmp(gx) == 0 && c.Gy.Cmp(gy) == 0 {
			return c, true
		}
	}
	return nil, false
}

// RFC 5114 modular groups, standardized domain parameters 0 to 2.
var (
	DH1024160 = &ModPGroup{
		Name: "1024-bit MODP with 160-bit prime order subgroup",
		P:    hexInt("B10B8F96A080E01DDE92DE5EAE5D54EC52C99FBCFB06A3C69A6A9DCA52D23B616073E28675A23D189838EF1E2EE652C013ECB4AEA906112324975C3CD49B83BFACCBDD7D90C4BD7098488E9C219A73724EFFD6FAE5644738FAA31A4FF55BCCC0A151AF5F0DC8B4BD45BF37DF365C1A65E68CFDA76D4DA708DF1FB2BC2E4A4371"),
		G:    hexInt("A4D1CBD5C3FD34126765A442EFB99905F8104DD258AC507FD6406CFF14266D31266FEA1E5C41564B777E690F5504F213160217B4B01B886A5E91547F9E2749F4D7FBD7D3B9A92EE1909D0D2263F80A76A6A24C087A091F531DBF0A0169B6A28AD662A4D18E73AFA32D779D5918D08BC8858F4DCEF97C2A24855E6EEB22B3B2E5"),
		Q:    hexInt("F518AA8781A8DF278ABA4E7D64B7CB9D49462353"),
	}
	DH2048224 = &ModPGroup{
		Name: "2048-bit MODP with 224-bit prime order subgroup",
		P:    hexInt("AD107E1E9123A9D0D660FAA79559C51FA20D64E5683B9FD1B54B1597B61D0A75E6FA141DF95A56DBAF9A3C407BA1DF15EB3D688A309C180E1DE6B85A1274A0A66D3F8152AD6AC2129037C9EDEFDA4DF8D91E8FEF55B7394B7AD5B7D0B6C12207C9F98D11ED34DBF6C6BA0B2C8BBC27BE6A00E0A0B9C49708B3BF8A317091883681286130BC8985DB1602E714415D9330278273C7DE31EFDC7310F7121FD5A07415987D9ADC0A486DCDF93ACC44328387315D75E198C641A480CD86A1B9E587E8BE60E69CC928B2B9C52172E413042E9B23F10B0E16E79763C9B53DCF4BA80A29E3FB73C16B8E75B97EF363E2FFA31F71CF9DE5384E71B81C0AC4DFFE0C10E64F"),
		G:    hexInt("AC4032EF4F2D9AE39DF30B5C8FFDAC506CDEBE7B89998CAF74866A08CFE4FFE3A6824A4E10B9A6F0DD921F01A70C4AFAAB739D7700C29F52C57DB17C620A8652BE5E9001A8D66AD7C17669101999024AF4D027275AC1348BB8A762D0521BC98AE247150422EA1ED409939D54DA7460CDB5F6C6B250717CBEF180EB34118E98D119529A45D6F834566E3025E316A330EFBB77A86F0C1AB15B051AE3D428C8F8ACB70A8137150B8EEB10E183EDD19963DDD9E263E4770589EF6AA21E7F5F2FF381B539CCE3409D13CD566AFBB48D6C019181E1BCFE94B30269EDFE72FE9B6AA4BD7B5A0F1C71CFFF4C19C418E1F6EC017981BC087F2A7065B384B890D3191F2BFA"),
		Q:    hexInt("801C0D34C58D93FE997177101F80535A4738CEBCBF389A99B36371EB"),
	}
	DH2048256 = &ModPGroup{
		Name: "2048-bit MODP with 256-bit prime order subgroup",
		P:    hexInt("87A8E61DB4B6663CFFBBD19C651959998CEEF608660DD0F25D2CEED4435E3B00E00DF8F1D61957D4FAF7DF4561B2AA3016C3D91134096FAA3BF4296D830E9A7C209E0C6497517ABD5A8A9D306BCF67ED91F9E6725B4758C022E0B1EF4275BF7B6C5BFC11D45F9088B941F54EB1E59BB8BC39A0BF12307F5C4FDB70C581B23F76B63ACAE1CAA6B7902D52526735488A0EF13C6D9A51BFA4AB3AD8347796524D8EF6A167B5A41825D967E144E5140564251CCACB83E6B486F6B3CA3F7971506026C0B857F689962856DED4010ABD0BE621C3A3960A54E710C375F26375D7014103A4B54330C198AF126116D2276E11715F693877FAD7EF09CADB094AE91E1A1597"),
		G:    hexInt("3FB32C9B73134D0B2E77506660EDBD484CA7B18F21EF205407F4793A1A0BA12510DBC15077BE463FFF4FED4AAC0BB555BE3A6C1B0C6B47B1BC3773BF7E8C6F62901228F8C28CBB18A55AE31341000A650196F931C77A57F2DDF463E5E9EC144B777DE62AAAB8A8628AC376D282D6ED3864E67982428EBC831D14348F6F2F9193B5045AF2767164E1DFC967C1FB3F2E55A4BD1BFFE83B9C80D052B985D182EA0ADB2A3B7313D3FE14C8484B1E052588B9B7D2BBD2DF016199ECD06E1557CD0915B3353BBB64E0EC377FD028370DF92B52C7891428CDC67EB6184B523D1DB246C32F63078490F00EF8D647D148D47954515E2327CFEF98C582664B4C0F6CC41659"),
		Q:    hexInt("8CF83642A709A097B447997640129DA299B1A47D1EB3750BA308B0FE64F5FBD3"),
	}
)
