/*
Package mrtd reads ICAO 9303 electronic passports and identity cards over a
contactless reader and verifies what it reads.

A read runs strictly in sequence on one connection:
  - Secure channel: PACE when EF.CardAccess advertises it, else BAC
  - Data groups under secure messaging: DG1, DG2, EF.SOD, DG11, DG14, DG7
  - Chip authentication with the DG14 key, replacing the session keys
  - Passive authentication of the read data groups against EF.SOD
  - Assembly of a PassportRecord

The result is either a record, which carries the chip and passive
authentication outcomes as independent flags, or a *ReadError of one of three
kinds: transport, authentication or data group parse.

# Access Key

BAC and PACE are keyed by the MRZ information: document number, date of birth
and date of expiry, each followed by its check digit.

	MRZ information = DocNo(9, '<' padded) | CD | YYMMDD | CD | YYMMDD | CD
	K_seed          = SHA-1(MRZ information)[0:16]      (BAC)
	K_pi            = KDF(SHA-1(MRZ information), 3)    (PACE)
	KDF(K, c)       = H(K | c as 32-bit big endian)

H is SHA-1 for 3DES and AES-128 and SHA-256 for AES-192 and AES-256. 3DES keys
have their parity bits adjusted.

# Operation: BAC

	GET CHALLENGE:  00 84 00 00 08                      -> RND.IC(8) | 9000
	MUTUAL AUTH:    00 82 00 00 28 <E_IFD(32)> <M_IFD(8)> 28
	                -> E_IC(32) | M_IC(8) | 9000

	S      = RND.IFD | RND.IC | K.IFD
	E_IFD  = 3DES-CBC(K_enc, S), zero IV
	M_IFD  = MAC(K_mac, pad(E_IFD))
	K_seed = K.IFD xor K.IC
	SSC    = RND.IC[4:8] | RND.IFD[4:8]

# Operation: PACE (generic mapping)

	MSE:Set AT:  00 22 C1 A4 <80 protocol OID> <83 01 01> <84 parameter id>
	GA step 1:   10 86 00 00 02 7C00 00         -> 7C{80 E(K_pi, s)}
	GA step 2:   10 86 00 00 7C{81 PK_map}      -> 7C{82 PK_map chip}
	GA step 3:   10 86 00 00 7C{83 PK_eph}      -> 7C{84 PK_eph chip}
	GA step 4:   00 86 00 00 7C{85 T_IFD}       -> 7C{86 T_IC}

The mapped generator is s·G + H where H is the mapping key agreement. Session
keys are KDF(Z, 1) and KDF(Z, 2) with Z the ephemeral shared secret; the
tokens are MACs over the peer's public key data object. The counter starts at
zero.

# Secure Messaging

Every protected command increments SSC, then carries:

	DO87 = 01 | E(K_enc, pad(data))     (DO85 for odd INS)
	DO97 = Le
	DO8E = MAC(K_mac, pad(SSC | pad(CLA|0C INS P1 P2) | DO87 | DO97))

Every response increments SSC again and must carry DO8E over
SSC | DO87 | DO99. 3DES uses a zero IV and the ISO 9797-1 algorithm 3 MAC; AES
uses IV = E(K_enc, SSC) and CMAC truncated to 8 bytes. A MAC mismatch breaks
the session for good.

# File Map

	EF.CardAccess  011C  read plain before the channel exists
	DG1            0101  MRZ (tag 61)                     mandatory
	DG2            0102  face (tag 75)                    mandatory
	EF.SOD         011D  security object (tag 77)         mandatory
	DG11           010B  additional personal details      mandatory
	DG14           010E  chip authentication keys         optional, CA=false
	DG7            0107  displayed signature (tag 67)     optional

Files are read with SELECT (00 A4 02 0C) and READ BINARY in blocks of at most
0xDF bytes; the length comes from the file's outer TLV header.

# Operation: Chip Authentication

	AES:   MSE:Set AT  00 22 41 A4 <80 CA OID> [84 key id]
	       GA          00 86 00 00 7C{80 PK_eph}
	3DES:  MSE:Set KAT 00 22 41 A6 <91 PK_eph> [84 key id]

Both commands travel under the current session. The chip then switches to
KDF(Z, 1) and KDF(Z, 2) with the counter at zero. If the chip rejects the
exchange the current session stays in use and ChipAuthSucceeded is false.

# Passive Authentication

DG1 and DG2 are always hashed; DG14 is hashed only when chip authentication
succeeded. The signer certificate must chain to a trust anchor with every
certificate valid at the read time. Revocation is not checked. Any failure,
including an unparseable certificate, yields PassiveAuthSuccess=false.
*/
package mrtd
