package mrtd

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

const tracerName = "github.com/jlutukai/passport-nfc-reader/pkg/mrtd"

// AnchorSource supplies the trust anchors for one read.
type AnchorSource func() (*TrustAnchors, error)

// StaticAnchors returns a source that always yields ta.
func StaticAnchors(ta *TrustAnchors) AnchorSource {
	return func() (*TrustAnchors, error) { return ta, nil }
}

// AnchorFiles returns a source that loads anchors from paths on every read.
func AnchorFiles(logger *slog.Logger, paths ...string) AnchorSource {
	return func() (*TrustAnchors, error) { return LoadTrustAnchors(logger, paths...) }
}

// Options configures a Reader. The zero value is usable: it reads with the
// default timeout and block size and passive authentication always fails
// for lack of anchors.
type Options struct {
	Logger       *slog.Logger
	Observer     Observer
	Tracer       trace.Tracer
	Timeout      time.Duration
	MaxBlockSize int
	Anchors      AnchorSource
	// Rand feeds nonces and ephemeral keys. Tests set it for repeatability.
	Rand io.Reader
	// Now is the time certificates are checked against.
	Now func() time.Time
}

// Reader reads documents presented on one card connection.
type Reader struct {
	card Card
	opts Options
}

// NewReader returns a reader for card.
func NewReader(card Card, opts Options) *Reader {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBlockSize <= 0 {
		opts.MaxBlockSize = DefaultMaxBlockSize
	}
	return &Reader{card: card, opts: opts}
}

// Policy decides what a failed file read does to the whole read.
type Policy int

const (
	// PolicyMandatory aborts the read with a data group parse error.
	PolicyMandatory Policy = iota
	// PolicyOptional logs the failure and continues without the file.
	PolicyOptional
)

// fileSpec is one row of the read table. parse stores the decoded file in
// the read state; then runs after a successful parse.
type fileSpec struct {
	Name   string
	FID    uint16
	Policy Policy
	parse  func(st *readState, raw []byte) error
	then   func(ctx context.Context, st *readState) error
}

// readTable lists the files read after the channel is established, in order.
// Transport and secure messaging failures abort the read regardless of
// policy.
var readTable = []fileSpec{
	{Name: "DG1", FID: lds.FIDDG1, Policy: PolicyMandatory, parse: func(st *readState, raw []byte) (err error) {
		st.dg1, err = lds.ParseDG1(raw)
		return err
	}},
	{Name: "DG2", FID: lds.FIDDG2, Policy: PolicyMandatory, parse: func(st *readState, raw []byte) (err error) {
		st.dg2, err = lds.ParseDG2(raw)
		return err
	}},
	{Name: "SOD", FID: lds.FIDSOD, Policy: PolicyMandatory, parse: func(st *readState, raw []byte) error {
		_, err := lds.ParseSOD(raw)
		return err
	}},
	{Name: "DG11", FID: lds.FIDDG11, Policy: PolicyMandatory, parse: func(st *readState, raw []byte) (err error) {
		st.dg11, err = lds.ParseDG11(raw)
		return err
	}},
	{Name: "DG14", FID: lds.FIDDG14, Policy: PolicyOptional, parse: func(st *readState, raw []byte) (err error) {
		st.dg14, err = lds.ParseDG14(raw)
		return err
	}, then: func(ctx context.Context, st *readState) error {
		return st.chipAuthenticate(ctx)
	}},
	{Name: "DG7", FID: lds.FIDDG7, Policy: PolicyOptional, parse: func(st *readState, raw []byte) (err error) {
		st.dg7, err = lds.ParseDG7(raw)
		return err
	}},
}

// readState is the per-read context passed through the pipeline.
type readState struct {
	r      *Reader
	t      *Transport
	logger *slog.Logger
	sess   *Session

	raw  map[string][]byte
	dg1  *lds.DG1
	dg2  *lds.DG2
	dg7  *lds.DG7
	dg11 *lds.DG11
	dg14 *lds.DG14

	protocol Protocol
	chipAuth bool
}

// Read runs the full pipeline: secure channel, data groups, chip
// authentication and passive authentication. It returns either a record or
// a *ReadError, never both.
func (r *Reader) Read(ctx context.Context, seed BACSeed) (rec *PassportRecord, err error) {
	start := time.Now()
	readID := uuid.NewString()
	logger := r.opts.Logger.With("read_id", readID)

	ctx, span := r.opts.Tracer.Start(ctx, "mrtd.Read", trace.WithAttributes(attribute.String("read_id", readID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, KindOf(err).String())
			logger.Warn("read failed", "error", err, "elapsed", time.Since(start))
		} else {
			logger.Info("read complete",
				"protocol", rec.AccessProtocol,
				"chip_auth", rec.ChipAuthSucceeded,
				"passive_auth", rec.PassiveAuthSuccess,
				"elapsed", time.Since(start))
		}
		r.opts.Observer.ReadFinished(err, time.Since(start))
		span.End()
	}()

	st := &readState{
		r:      r,
		t:      NewTransport(r.card, r.opts.Timeout, logger),
		logger: logger,
		raw:    make(map[string][]byte, len(readTable)),
	}

	if err := st.establish(ctx, seed); err != nil {
		return nil, err
	}
	for _, fs := range readTable {
		if err := st.readFile(ctx, fs); err != nil {
			return nil, err
		}
	}
	pa := st.passiveAuthenticate(ctx)

	return AssembleRecord(RecordInput{
		DG1:                st.dg1,
		DG2:                st.dg2,
		DG7:                st.dg7,
		DG11:               st.dg11,
		AccessProtocol:     st.protocol,
		ChipAuthSucceeded:  st.chipAuth,
		PassiveAuthSuccess: pa,
	}), nil
}

func (st *readState) establish(ctx context.Context, seed BACSeed) error {
	ctx, span := st.r.opts.Tracer.Start(ctx, "mrtd.Establish")
	defer span.End()

	sess, err := Establish(ctx, st.t, seed, st.r.opts.Rand)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	st.sess = sess
	st.protocol = sess.Protocol()
	span.SetAttributes(attribute.String("protocol", st.protocol.String()))
	st.r.opts.Observer.ChannelEstablished(st.protocol)
	return nil
}

func (st *readState) readFile(ctx context.Context, fs fileSpec) error {
	ctx, span := st.r.opts.Tracer.Start(ctx, "mrtd.ReadFile", trace.WithAttributes(attribute.String("file", fs.Name)))
	defer span.End()

	op := "read." + fs.Name
	raw, err := ReadFile(ctx, st.t, st.sess, fs.FID, st.r.opts.MaxBlockSize)
	if err == nil {
		err = fs.parse(st, raw)
	}
	if err != nil {
		if KindOf(err) != 0 || fs.Policy == PolicyMandatory {
			span.SetStatus(codes.Error, err.Error())
			return classify(KindDataGroupParse, op, err)
		}
		st.logger.Warn("optional file unavailable", "file", fs.Name, "error", err)
		span.SetAttributes(attribute.Bool("skipped", true))
		return nil
	}

	st.raw[fs.Name] = raw
	span.SetAttributes(attribute.Int("bytes", len(raw)))
	st.r.opts.Observer.FileRead(fs.Name, len(raw))
	st.logger.Debug("file read", "file", fs.Name, "bytes", len(raw))
	if fs.then != nil {
		return fs.then(ctx, st)
	}
	return nil
}

// chipAuthenticate swaps in the chip authentication session on success. A
// rejected attempt keeps the current session; a transport failure or a
// session broken by an integrity failure ends the read.
func (st *readState) chipAuthenticate(ctx context.Context) error {
	ctx, span := st.r.opts.Tracer.Start(ctx, "mrtd.ChipAuthenticate")
	defer span.End()

	next, err := ChipAuthenticate(ctx, st.t, st.sess, st.dg14, st.r.opts.Rand)
	if err != nil {
		if IsTransportError(err) || st.sess.Broken() {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		st.logger.Warn("chip authentication failed", "error", err)
		span.SetAttributes(attribute.Bool("success", false))
		st.r.opts.Observer.ChipAuthenticated(false)
		return nil
	}
	st.sess = next
	st.chipAuth = true
	span.SetAttributes(attribute.Bool("success", true))
	st.r.opts.Observer.ChipAuthenticated(true)
	return nil
}

func (st *readState) passiveAuthenticate(ctx context.Context) bool {
	_, span := st.r.opts.Tracer.Start(ctx, "mrtd.PassiveAuthenticate")
	defer span.End()

	var report PassiveAuthReport
	anchors, err := st.loadAnchors()
	if err != nil {
		report = report.fail("trust anchors: %v", err)
	} else {
		report = PassiveAuthenticate(st.raw["SOD"], st.raw["DG1"], st.raw["DG2"], st.raw["DG14"],
			st.chipAuth, anchors, st.r.opts.Now())
	}

	span.SetAttributes(
		attribute.Bool("success", report.Success),
		attribute.Bool("hashes_ok", report.HashesOK),
		attribute.Bool("signature_ok", report.SignatureOK),
		attribute.Bool("chain_ok", report.ChainOK))
	if report.Success {
		st.logger.Debug("passive authentication passed", "signer", report.Signer, "digest", report.DigestAlgorithm)
	} else {
		st.logger.Warn("passive authentication failed", "reason", report.Failure)
	}
	st.r.opts.Observer.PassiveAuthenticated(report.Success)
	return report.Success
}

func (st *readState) loadAnchors() (*TrustAnchors, error) {
	if st.r.opts.Anchors == nil {
		return nil, errors.New("no trust anchor source configured")
	}
	return st.r.opts.Anchors()
}

// Result is the outcome of a read started with Start.
type Result struct {
	Record *PassportRecord
	Err    error
}

// Task is a read running in its own goroutine.
type Task struct {
	done   chan struct{}
	result Result
	cancel context.CancelFunc
}

// Start begins a read and returns immediately. Cancelling ctx or calling
// Cancel aborts the read with a transport error.
func (r *Reader) Start(ctx context.Context, seed BACSeed) *Task {
	ctx, cancel := context.WithCancel(ctx)
	task := &Task{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(task.done)
		defer cancel()
		rec, err := r.Read(ctx, seed)
		task.result = Result{Record: rec, Err: err}
	}()
	return task
}

// Done is closed when the read has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel aborts the read.
func (t *Task) Cancel() { t.cancel() }

// Wait blocks until the read finishes or ctx is done. Giving up on a wait
// does not cancel the read.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
