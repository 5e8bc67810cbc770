package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// ChunkLog records the raw chunks of response streams in a BoltDB file, so a stream can be inspected
// or replayed byte for byte after the fact.
type ChunkLog struct {
	db *bolt.DB
}

// StreamRecord describes one recorded stream.
type StreamRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Chunks    int
	Bytes     int
	// Err is the terminal error of the stream, empty for a clean end.
	Err string
}

var streamsBucket = []byte("streams")

// ErrStreamNotFound is returned when a stream id is not in the log.
var ErrStreamNotFound = errors.New("stream not found")

// NewChunkLog opens, or creates with 0600 permissions, the log at path.
func NewChunkLog(path string) (*ChunkLog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create streams bucket: %w", err)
	}

	return &ChunkLog{db: db}, nil
}

// Close closes the underlying database.
func (l *ChunkLog) Close() error {
	return l.db.Close()
}

func chunkBucketName(streamID string) []byte {
	return []byte(fmt.Sprintf("stream-%s", streamID))
}

// Begin registers a new stream.
func (l *ChunkLog) Begin(streamID string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chunkBucketName(streamID)); err != nil {
			return fmt.Errorf("failed to create chunk bucket: %w", err)
		}
		return putRecord(tx, StreamRecord{ID: streamID, StartedAt: time.Now()})
	})
}

// Append stores the next chunk of a stream begun with Begin.
func (l *ChunkLog) Append(streamID string, chunk []byte) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunkBucketName(streamID))
		if b == nil {
			return ErrStreamNotFound
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, chunk); err != nil {
			return fmt.Errorf("failed to put chunk: %w", err)
		}

		rec, err := getRecord(tx, streamID)
		if err != nil {
			return err
		}
		rec.Chunks++
		rec.Bytes += len(chunk)
		return putRecord(tx, rec)
	})
}

// Finish marks a stream as terminated with streamErr, nil for a clean end.
func (l *ChunkLog) Finish(streamID string, streamErr error) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, streamID)
		if err != nil {
			return err
		}
		rec.EndedAt = time.Now()
		if streamErr != nil {
			rec.Err = streamErr.Error()
		}
		return putRecord(tx, rec)
	})
}

// Streams returns every recorded stream, most recent first.
func (l *ChunkLog) Streams() ([]StreamRecord, error) {
	var records []StreamRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(_, v []byte) error {
			var rec StreamRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal stream record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(records, func(a, b StreamRecord) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	slices.Reverse(records)
	return records, nil
}

// Chunks returns the chunks of a stream in the order they were received.
func (l *ChunkLog) Chunks(streamID string) ([][]byte, error) {
	var chunks [][]byte
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunkBucketName(streamID))
		if b == nil {
			return ErrStreamNotFound
		}
		return b.ForEach(func(_, v []byte) error {
			// Values are only valid for the life of the transaction.
			chunks = append(chunks, slices.Clone(v))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func getRecord(tx *bolt.Tx, streamID string) (StreamRecord, error) {
	v := tx.Bucket(streamsBucket).Get([]byte(streamID))
	if v == nil {
		return StreamRecord{}, ErrStreamNotFound
	}
	var rec StreamRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return StreamRecord{}, fmt.Errorf("failed to unmarshal stream record: %w", err)
	}
	return rec, nil
}

func putRecord(tx *bolt.Tx, rec StreamRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal stream record: %w", err)
	}
	return tx.Bucket(streamsBucket).Put([]byte(rec.ID), v)
}

// RecordObserver is a ChunkObserver storing every chunk of its stream in a ChunkLog. Storage failures
// are logged and otherwise ignored. Each chunk is its own bbolt transaction, so the stream waits for a
// disk sync per chunk while recording.
type RecordObserver struct {
	log      *ChunkLog
	streamID string
	logger   *slog.Logger

	begun   bool
	stopped bool
}

// NewRecordObserver creates an observer recording a new stream with a random id.
func NewRecordObserver(log *ChunkLog, logger *slog.Logger) *RecordObserver {
	return &RecordObserver{
		log:      log,
		streamID: uuid.New().String(),
		logger:   logger,
	}
}

// RecordObserverFactory returns an ObserverFactory producing RecordObservers on log.
func RecordObserverFactory(log *ChunkLog, logger *slog.Logger) ObserverFactory {
	logger = logger.With(slog.String("module", "chunklog"))
	return func() ChunkObserver {
		return NewRecordObserver(log, logger)
	}
}

// StreamID returns the id the stream is recorded under.
func (o *RecordObserver) StreamID() string {
	return o.streamID
}

// Observe implements ChunkObserver.
func (o *RecordObserver) Observe(chunk []byte) {
	if !o.begin() {
		return
	}
	if err := o.log.Append(o.streamID, chunk); err != nil {
		o.fail("Failed to record chunk", err)
	}
}

// Close implements ChunkObserver.
func (o *RecordObserver) Close(err error) {
	if !o.begin() {
		return
	}
	if ferr := o.log.Finish(o.streamID, err); ferr != nil {
		o.fail("Failed to finish stream record", ferr)
	}
	o.stopped = true
}

func (o *RecordObserver) begin() bool {
	if o.stopped {
		return false
	}
	if o.begun {
		return true
	}
	if err := o.log.Begin(o.streamID); err != nil {
		o.fail("Failed to begin stream record", err)
		return false
	}
	o.begun = true
	return true
}

func (o *RecordObserver) fail(msg string, err error) {
	o.stopped = true
	o.logger.Error(msg,
		slog.String("streamID", o.streamID),
		slog.String(errLoggerKey, err.Error()))
}

// Replay decodes recorded chunks as if they arrived from the network. Every chunk goes through a
// PassThroughStream observed by obs, so logging and recording observers work on replays too.
func Replay(ctx context.Context, chunks [][]byte, obs ChunkObserver, logger *slog.Logger) *EventStream {
	pts := NewPassThroughStream(ctx, NewSliceSource(chunks), obs, logger)
	return NewEventStream(decodeIntoEvents(pts), func() error {
		pts.Close()
		return nil
	})
}
