package mrtd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skythen/apdu"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptCard answers each command with the next scripted response and
// records what it was sent.
type scriptCard struct {
	mu        sync.Mutex
	responses [][]byte
	sent      [][]byte
	err       error
}

func (c *scriptCard) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), cmd...))
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func TestPerformBACICAOVector(t *testing.T) {
	card := &scriptCard{responses: [][]byte{
		mustHex(t, "4608F91988702212 9000"),
		mustHex(t, "46B9342A41396CD7386BF5803104D7CEDC122B9132139BAF2EEDC94EE178534F 2F2D235D074D7449 9000"),
	}}
	rnd := bytes.NewReader(mustHex(t, "781723860C06C226 0B795240CB7049B01C19B33E32804F0B"))
	seed, err := NewBACSeed("L898902C", "690806", "940623")
	if err != nil {
		t.Fatal(err)
	}

	tr := NewTransport(card, time.Second, discardLogger())
	sess, err := PerformBAC(context.Background(), tr, seed, rnd)
	if err != nil {
		t.Fatalf("PerformBAC: %v", err)
	}

	if want := mustHex(t, "0084000008"); !bytes.Equal(card.sent[0], want) {
		t.Fatalf("GET CHALLENGE = %X, want %X", card.sent[0], want)
	}
	wantMA := mustHex(t, "0082000028 72C29C2371CC9BDB65B779B8E8D37B29ECC154AA56A8799FAE2F498F76ED92F2 5F1448EEA8AD90A7 28")
	if !bytes.Equal(card.sent[1], wantMA) {
		t.Fatalf("MUTUAL AUTHENTICATE = %X, want %X", card.sent[1], wantMA)
	}

	if sess.Protocol() != ProtocolBAC || sess.Suite() != Suite3DES {
		t.Fatalf("session %s/%s", sess.Protocol(), sess.Suite())
	}
	if want := mustHex(t, "979EC13B1CBFE9DCD01AB0FED307EAE5"); !bytes.Equal(sess.kenc, want) {
		t.Fatalf("KS_enc = %X, want %X", sess.kenc, want)
	}
	if want := mustHex(t, "F1CB1F1FB5ADF208806B89DC579DC1F8"); !bytes.Equal(sess.kmac, want) {
		t.Fatalf("KS_mac = %X, want %X", sess.kmac, want)
	}
	if want := mustHex(t, "887022120C06C226"); !bytes.Equal(sess.SSC(), want) {
		t.Fatalf("SSC = %X, want %X", sess.SSC(), want)
	}
}

func TestPerformBACRejectedByChip(t *testing.T) {
	card := &scriptCard{responses: [][]byte{
		mustHex(t, "4608F91988702212 9000"),
		mustHex(t, "6300"),
	}}
	seed, _ := NewBACSeed("L898902C", "690806", "940623")
	tr := NewTransport(card, time.Second, discardLogger())

	_, err := PerformBAC(context.Background(), tr, seed, nil)
	if !IsAuthenticationError(err) {
		t.Fatalf("got %v, want authentication error", err)
	}
	var swErr *SWError
	if !errors.As(err, &swErr) || swErr.SW != 0x6300 {
		t.Fatalf("got %v, want SW 6300", err)
	}
}

func TestPerformBACBadChipCryptogram(t *testing.T) {
	resp := mustHex(t, "46B9342A41396CD7386BF5803104D7CEDC122B9132139BAF2EEDC94EE178534F 2F2D235D074D7449 9000")
	resp[0] ^= 0x01
	card := &scriptCard{responses: [][]byte{mustHex(t, "4608F91988702212 9000"), resp}}
	rnd := bytes.NewReader(mustHex(t, "781723860C06C226 0B795240CB7049B01C19B33E32804F0B"))
	seed, _ := NewBACSeed("L898902C", "690806", "940623")

	_, err := PerformBAC(context.Background(), NewTransport(card, time.Second, discardLogger()), seed, rnd)
	if !errors.Is(err, ErrIntegrity) || !IsAuthenticationError(err) {
		t.Fatalf("got %v, want integrity failure", err)
	}
}

func TestTransportGetResponseAndResend(t *testing.T) {
	card := &scriptCard{responses: [][]byte{
		mustHex(t, "6C04"),
		mustHex(t, "0102 6102"),
		mustHex(t, "0304 9000"),
	}}
	tr := NewTransport(card, time.Second, discardLogger())
	resp, err := tr.Exchange(context.Background(), apdu.Capdu{Ins: 0xB0, Ne: 2})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{1, 2, 3, 4}) || StatusWord(resp) != SWSuccess {
		t.Fatalf("resp = %X %04X", resp.Data, StatusWord(resp))
	}
	if want := mustHex(t, "00B0000004"); !bytes.Equal(card.sent[1], want) {
		t.Fatalf("resend = %X, want %X", card.sent[1], want)
	}
	if want := mustHex(t, "00C0000002"); !bytes.Equal(card.sent[2], want) {
		t.Fatalf("GET RESPONSE = %X, want %X", card.sent[2], want)
	}
}

func TestTransportLostTagStaysLost(t *testing.T) {
	lost := errors.New("tag removed")
	card := &scriptCard{err: lost}
	tr := NewTransport(card, time.Second, discardLogger())

	_, err := tr.Exchange(context.Background(), apdu.Capdu{Ins: 0x84, Ne: 8})
	if !IsTransportError(err) || !errors.Is(err, lost) {
		t.Fatalf("got %v, want transport error", err)
	}

	card.mu.Lock()
	card.err = nil
	card.responses = [][]byte{mustHex(t, "9000")}
	card.mu.Unlock()

	_, err = tr.Exchange(context.Background(), apdu.Capdu{Ins: 0x84, Ne: 8})
	if !IsTransportError(err) || !errors.Is(err, lost) {
		t.Fatalf("second exchange: got %v, want the original transport error", err)
	}
	if n := len(card.sent); n != 1 {
		t.Fatalf("card saw %d commands after loss, want 1", n)
	}
}

func TestTransportMalformedResponse(t *testing.T) {
	card := &scriptCard{responses: [][]byte{{0x90}}}
	tr := NewTransport(card, time.Second, discardLogger())
	if _, err := tr.Exchange(context.Background(), apdu.Capdu{Ins: 0x84, Ne: 8}); !IsTransportError(err) {
		t.Fatalf("got %v, want transport error", err)
	}
}

func TestReadFileStopsAtDeclaredLength(t *testing.T) {
	file := append([]byte{0x61, 0x0A}, bytes.Repeat([]byte{0xAB}, 10)...)
	card := &scriptCard{responses: [][]byte{
		mustHex(t, "9000"),
		append(append([]byte(nil), file[:8]...), 0x90, 0x00),
		append(append([]byte(nil), file[8:]...), 0x90, 0x00),
	}}
	tr := NewTransport(card, time.Second, discardLogger())

	got, err := ReadFile(context.Background(), tr, nil, 0x0101, 4)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, file) {
		t.Fatalf("ReadFile = %X, want %X", got, file)
	}
	if want := mustHex(t, "00B0000804"); !bytes.Equal(card.sent[2], want) {
		t.Fatalf("second READ BINARY = %X, want %X", card.sent[2], want)
	}
}

func TestReadFileTruncated(t *testing.T) {
	card := &scriptCard{responses: [][]byte{
		mustHex(t, "9000"),
		mustHex(t, "610A0102 6282"),
		mustHex(t, "6282"),
	}}
	tr := NewTransport(card, time.Second, discardLogger())
	if _, err := ReadFile(context.Background(), tr, nil, 0x0101, 0); !errors.Is(err, errTruncatedFile) {
		t.Fatalf("got %v, want truncated file", err)
	}
}

func TestReadFileRejectsUnreachableLength(t *testing.T) {
	for _, head := range []string{
		"6184FFFFFFFF0102 9000",
		"61848000000001 9000",
		"6182FFF00102 9000",
	} {
		card := &scriptCard{responses: [][]byte{mustHex(t, "9000"), mustHex(t, head)}}
		tr := NewTransport(card, time.Second, discardLogger())
		_, err := ReadFile(context.Background(), tr, nil, 0x0102, 0)
		if !errors.Is(err, errFileTooLarge) {
			t.Fatalf("header %s: got %v, want file too large", head, err)
		}
		if len(card.sent) != 2 {
			t.Fatalf("header %s: sent %d commands after the header", head, len(card.sent)-2)
		}
	}
}

func TestEstablishAppletRefusedIsAuthenticationError(t *testing.T) {
	card := &scriptCard{responses: [][]byte{
		mustHex(t, "6A82"), // EF.CardAccess
		mustHex(t, "6A82"), // eMRTD application
	}}
	tr := NewTransport(card, time.Second, discardLogger())
	seed, err := NewBACSeed("L898902C", "690806", "940623")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Establish(context.Background(), tr, seed, nil)
	if !IsAuthenticationError(err) {
		t.Fatalf("got %v, want authentication error", err)
	}
	var re *ReadError
	if !errors.As(err, &re) || re.Op != "select.applet" {
		t.Fatalf("got %#v, want select.applet", err)
	}
}

func TestReadFileMissing(t *testing.T) {
	card := &scriptCard{responses: [][]byte{mustHex(t, "6A82")}}
	tr := NewTransport(card, time.Second, discardLogger())
	_, err := ReadFile(context.Background(), tr, nil, 0x0107, 0)
	if !IsFileNotFound(err) {
		t.Fatalf("got %v, want file not found", err)
	}
}
