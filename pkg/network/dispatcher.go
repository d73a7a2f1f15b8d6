package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GrishaVar/publichat/pkg/metrics"
	"github.com/GrishaVar/publichat/pkg/protocol"
	"github.com/GrishaVar/publichat/pkg/storage"
	"github.com/GrishaVar/publichat/pkg/transport"
)

// DispatcherConfig holds the collaborators of a Dispatcher
type DispatcherConfig struct {
	Store      *storage.ChatStore
	Index      *storage.RoomIndex // optional
	Metrics    *metrics.Metrics   // optional
	Logger     *logrus.Logger
	FetchCount uint8
	Now        func() time.Time
}

// Dispatcher runs the SMRT request loop over a stream. One Dispatcher is
// shared by every connection.
type Dispatcher struct {
	store      *storage.ChatStore
	index      *storage.RoomIndex
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	fetchCount uint8
	now        func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		store:      cfg.Store,
		index:      cfg.Index,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		fetchCount: cfg.FetchCount,
		now:        cfg.Now,
	}
	if d.logger == nil {
		d.logger = logrus.New()
	}
	if d.fetchCount == 0 {
		d.fetchCount = protocol.DefaultFetchAmount
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

type connIDKey struct{}

// WithConnID attaches a connection id to ctx for log correlation
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

func connID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}

// Serve reads requests from stream until the peer goes away, a framing
// error occurs or ctx is cancelled. A clean close between two requests
// returns nil.
func (d *Dispatcher) Serve(ctx context.Context, stream transport.Stream) error {
	kind := stream.Kind()
	log := d.logger.WithFields(logrus.Fields{
		"conn":      connID(ctx),
		"transport": kind,
	})

	d.metrics.ConnectionOpened(kind)
	defer d.metrics.ConnectionClosed(kind)

	log.Debug("📡 SMRT session started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := protocol.ReadRequest(stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("SMRT session closed by peer")
				return nil
			}
			if isProtocolError(err) {
				d.metrics.ProtocolError(kind)
				log.WithError(err).Warn("⚠️  Closing connection after protocol error")
			}
			return err
		}

		if err := d.handle(stream, req, log); err != nil {
			log.WithError(err).Debug("SMRT session ended")
			return err
		}
	}
}

func isProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrProtocol) ||
		errors.Is(err, transport.ErrUnmasked) ||
		errors.Is(err, transport.ErrFrame) ||
		errors.Is(err, transport.ErrFrameTooLarge)
}

// handle answers one request. A corrupt room log drops the request and keeps
// the connection; any other storage or write failure is returned.
func (d *Dispatcher) handle(w io.Writer, req protocol.Request, log *logrus.Entry) error {
	d.metrics.Request(req.Tag().String())
	room := req.Room()
	log = log.WithField("room", storage.FileName(room))

	var (
		res     *storage.Result
		forward = true
		err     error
	)

	switch r := req.(type) {
	case *protocol.SendRequest:
		return d.handleSend(r, log)
	case *protocol.FetchRequest:
		res, err = d.store.Fetch(room, d.fetchCount)
	case *protocol.QueryRequest:
		forward = r.Forward
		res, err = d.store.Query(room, r.ID, r.Count, r.Forward)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrInvalidTag, req.Tag())
	}

	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			d.metrics.StorageCorruption()
			log.WithError(err).Error("❌ Chat log corrupted, request dropped")
			return nil
		}
		return fmt.Errorf("failed to read chat log: %w", err)
	}

	head := &protocol.Head{
		Room:    room.Token(),
		FirstID: res.FirstID,
		Count:   res.Count,
		Forward: forward,
	}
	if err := protocol.WriteBatch(w, head, res.Data); err != nil {
		if errors.Is(err, protocol.ErrIDOverflow) {
			log.WithError(err).Warn("⚠️  Batch id does not fit the wire format, request dropped")
			return nil
		}
		return fmt.Errorf("failed to write batch: %w", err)
	}

	d.metrics.RecordsServed(int(res.Count))
	return nil
}

func (d *Dispatcher) handleSend(r *protocol.SendRequest, log *logrus.Entry) error {
	rec := r.ToRecord(d.now())

	id, err := d.store.Push(r.ChatID, rec)
	switch {
	case errors.Is(err, storage.ErrCorrupt):
		d.metrics.StorageCorruption()
		log.WithError(err).Error("❌ Chat log corrupted, message dropped")
		return nil
	case errors.Is(err, storage.ErrLogFull):
		log.WithError(err).Warn("⚠️  Chat log full, message dropped")
		return nil
	case err != nil:
		return fmt.Errorf("failed to store message: %w", err)
	}
	d.metrics.RecordPushed()

	if d.index != nil {
		if err := d.index.RecordPush(r.ChatID, id, rec.Time()); err != nil {
			log.WithError(err).Warn("⚠️  Failed to update room index")
		}
	}

	log.WithField("id", id).Debug("💾 Message stored")
	return nil
}
