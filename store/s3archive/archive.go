// Package s3archive mirrors stored messages into an S3 bucket, one JSON
// object per message id. The mirror is best-effort: uploads run behind a
// bounded queue and never block or fail the originating write.
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/metrics"
	"github.com/zapmesh/zapmesh/store"
)

// Uploader is the slice of the S3 upload manager the archiver needs.
type Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// NewUploader opens an AWS session for the region and verifies that
// credentials resolve before any upload is attempted.
func NewUploader(region string) (Uploader, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("archive: creating aws session: %w", err)
	}
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, fmt.Errorf("archive: checking credentials: %w", err)
	}
	return s3manager.NewUploader(sess), nil
}

// Config tunes the archiver.
type Config struct {
	Bucket string
	// Prefix is prepended to the message id to form the object key.
	Prefix string
	// ACL is the canned ACL for uploaded objects. Empty leaves the bucket
	// policy in charge, which is what buckets with ACLs disabled require.
	ACL           string
	QueueSize     int
	UploadTimeout time.Duration
}

const (
	defaultPrefix        = "events/"
	defaultQueueSize     = 512
	defaultUploadTimeout = 30 * time.Second
)

func (c *Config) fillDefaults() {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = defaultUploadTimeout
	}
}

// Archiver uploads messages in the background. Run must be started for
// Enqueue to drain.
type Archiver struct {
	l     log.Logger
	up    Uploader
	cfg   Config
	queue chan *message.Message
}

// New creates an archiver for the bucket in cfg.
func New(l log.Logger, up Uploader, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket required")
	}
	if up == nil {
		return nil, fmt.Errorf("archive: uploader required")
	}
	if l == nil {
		l = log.DefaultLogger()
	}
	cfg.fillDefaults()
	return &Archiver{
		l:     l,
		up:    up,
		cfg:   cfg,
		queue: make(chan *message.Message, cfg.QueueSize),
	}, nil
}

// Enqueue hands a message to the background uploader. It never blocks; when
// the queue is full the message is dropped and counted.
func (a *Archiver) Enqueue(m *message.Message) {
	select {
	case a.queue <- m:
	default:
		metrics.ArchiveUploads.WithLabelValues("dropped").Inc()
		a.l.Warnw("", "archive", "queue full, dropping", "id", m.ID)
	}
}

// Run drains the queue until ctx is done.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-a.queue:
			a.upload(ctx, m)
		}
	}
}

func (a *Archiver) upload(ctx context.Context, m *message.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		a.l.Errorw("", "archive", "marshal failed", "id", m.ID, "err", err)
		return
	}

	uctx, cancel := context.WithTimeout(ctx, a.cfg.UploadTimeout)
	defer cancel()

	// The object key is the content hash, so the body never changes under it.
	in := &s3manager.UploadInput{
		Bucket:       aws.String(a.cfg.Bucket),
		Key:          aws.String(a.cfg.Prefix + m.ID),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String("public, max-age=604800, immutable"),
	}
	if a.cfg.ACL != "" {
		in.ACL = aws.String(a.cfg.ACL)
	}

	out, err := a.up.UploadWithContext(uctx, in)
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		a.l.Errorw("", "archive", "upload failed", "id", m.ID, "err", err)
		return
	}
	metrics.ArchiveUploads.WithLabelValues("ok").Inc()
	a.l.Debugw("", "archive", "uploaded", "id", m.ID, "location", out.Location)
}

// Store decorates an inner store so every message Put reports as stored is
// mirrored to the archive.
type Store struct {
	store.Store
	arch *Archiver
}

// Wrap decorates inner with the archiver.
func Wrap(inner store.Store, arch *Archiver) *Store {
	return &Store{Store: inner, arch: arch}
}

// Put forwards to the inner store and enqueues the message on Stored.
func (s *Store) Put(ctx context.Context, m *message.Message) (store.PutStatus, error) {
	st, err := s.Store.Put(ctx, m)
	if err == nil && st == store.Stored {
		s.arch.Enqueue(m)
	}
	return st, err
}
