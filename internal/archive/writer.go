package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "marketstream/config"
	"marketstream/internal/metrics"
	"marketstream/logger"
	"marketstream/models"
)

// S3Writer archives published snapshots as gzipped JSON-lines objects,
// partitioned by date and hour. Batches flush when they reach the configured
// size or on the flush interval, whichever comes first.
type S3Writer struct {
	config   *appconfig.Config
	s3Client *s3.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log

	queue chan models.SnapshotMessage
	batch []models.SnapshotMessage

	// Metrics
	objectsWritten  int64
	snapshotsQueued int64
	writeErrors     int64
}

func NewS3Writer(cfg *appconfig.Config) (*S3Writer, error) {
	s3Cfg := cfg.Archive.S3

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(s3Cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s3Cfg.AccessKeyID,
			s3Cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("snapshot_archive").WithFields(logger.Fields{
		"bucket": s3Cfg.Bucket,
		"region": s3Cfg.Region,
		"prefix": s3Cfg.Prefix,
	}).Info("snapshot archive initialized")

	return &S3Writer{
		config:   cfg,
		s3Client: s3.NewFromConfig(awsCfg),
		wg:       &sync.WaitGroup{},
		log:      log,
		queue:    make(chan models.SnapshotMessage, cfg.Archive.MaxBatch),
		batch:    make([]models.SnapshotMessage, 0, cfg.Archive.MaxBatch),
	}, nil
}

func (w *S3Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("snapshot archive already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("snapshot_archive").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting snapshot archive")

	w.wg.Add(1)
	go w.worker()

	go w.metricsReporter(ctx)

	log.Info("snapshot archive started successfully")
	return nil
}

func (w *S3Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("snapshot_archive").Info("stopping snapshot archive")
	w.wg.Wait()
	w.log.WithComponent("snapshot_archive").Info("snapshot archive stopped")
}

// Enqueue hands one published snapshot to the archive. Non-blocking: if the
// archive cannot keep up the snapshot is skipped rather than stalling the
// publish path.
func (w *S3Writer) Enqueue(msg models.SnapshotMessage) {
	select {
	case w.queue <- msg:
		w.mu.Lock()
		w.snapshotsQueued++
		w.mu.Unlock()
	default:
		w.log.WithComponent("snapshot_archive").Debug("archive queue full, skipping snapshot")
	}
}

func (w *S3Writer) worker() {
	defer w.wg.Done()

	flushInterval := w.config.Archive.FlushInterval
	maxBatch := w.config.Archive.MaxBatch
	log := w.log.WithComponent("snapshot_archive").WithFields(logger.Fields{"worker": "flusher"})

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flush(log)
			return
		case msg := <-w.queue:
			w.batch = append(w.batch, msg)
			if len(w.batch) >= maxBatch {
				w.flush(log)
			}
		case <-ticker.C:
			w.flush(log)
		}
	}
}

func (w *S3Writer) flush(log *logger.Entry) {
	if len(w.batch) == 0 {
		return
	}

	batch := w.batch
	w.batch = make([]models.SnapshotMessage, 0, w.config.Archive.MaxBatch)

	body, err := encodeBatch(batch)
	if err != nil {
		w.recordWriteError(log, err, "failed to encode archive batch")
		return
	}

	key := objectKey(w.config.Archive.S3.Prefix, time.Now().UTC())

	uploadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = w.s3Client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:          aws.String(w.config.Archive.S3.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		w.recordWriteError(log, err, "failed to upload archive object")
		return
	}

	w.mu.Lock()
	w.objectsWritten++
	w.mu.Unlock()
	metrics.IncrementArchiveObjects()

	log.WithFields(logger.Fields{
		"key":        key,
		"snapshots":  len(batch),
		"size_bytes": len(body),
	}).Info("archive object uploaded")
}

// encodeBatch renders the batch as gzipped JSON lines, one snapshot per line.
func encodeBatch(batch []models.SnapshotMessage) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	for _, msg := range batch {
		if err := enc.Encode(msg); err != nil {
			gz.Close()
			return nil, err
		}
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// objectKey builds a date and hour partitioned key so downstream queries can
// prune by time range.
func objectKey(prefix string, at time.Time) string {
	name := fmt.Sprintf("snapshots-%s-%s.json.gz", at.Format("20060102T150405Z"), uuid.New().String()[:8])
	if prefix == "" {
		return fmt.Sprintf("dt=%s/hour=%02d/%s", at.Format("2006-01-02"), at.Hour(), name)
	}
	return fmt.Sprintf("%s/dt=%s/hour=%02d/%s", prefix, at.Format("2006-01-02"), at.Hour(), name)
}

func (w *S3Writer) recordWriteError(log *logger.Entry, err error, msg string) {
	w.mu.Lock()
	w.writeErrors++
	w.mu.Unlock()
	log.WithError(err).Error(msg)
}

func (w *S3Writer) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reportMetrics()
		}
	}
}

func (w *S3Writer) reportMetrics() {
	w.mu.Lock()
	objectsWritten := w.objectsWritten
	snapshotsQueued := w.snapshotsQueued
	writeErrors := w.writeErrors
	w.mu.Unlock()

	w.log.LogMetric("snapshot_archive", "objects_written", objectsWritten, "counter", logger.Fields{})
	w.log.LogMetric("snapshot_archive", "snapshots_queued", snapshotsQueued, "counter", logger.Fields{})
	w.log.LogMetric("snapshot_archive", "write_errors", writeErrors, "counter", logger.Fields{})

	w.log.WithComponent("snapshot_archive").WithFields(logger.Fields{
		"objects_written":  objectsWritten,
		"snapshots_queued": snapshotsQueued,
		"write_errors":     writeErrors,
	}).Info("snapshot archive metrics")
}
