package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/SirClappington/farecrawl/internal/domain"
)

type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func (c ObjectConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("access key and secret key are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

func NewMinIOClient(cfg ObjectConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          32,
			IdleConnTimeout:       60 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	})
}

// EnsureBucket creates the bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return errors.Wrapf(err, "bucket exists %s", bucket)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		// lost a creation race with another process
		if exists, err2 := client.BucketExists(ctx, bucket); err2 == nil && exists {
			return nil
		}
		return errors.Wrapf(err, "make bucket %s", bucket)
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectSink writes one JSON document per task under a key derived from the
// task alone, so a repeated write overwrites the same object.
type ObjectSink struct {
	client objectPutter
	bucket string
}

func NewObjectSink(client objectPutter, bucket string) *ObjectSink {
	return &ObjectSink{client: client, bucket: bucket}
}

type snapshot struct {
	TaskID        string             `json:"task_id"`
	Origin        string             `json:"origin"`
	Destination   string             `json:"destination"`
	DepartureDate string             `json:"departure_date"`
	ReturnDate    string             `json:"return_date"`
	CabinClasses  []string           `json:"cabin_classes"`
	Attempts      int                `json:"attempts"`
	CrawledAt     *time.Time         `json:"crawled_at,omitempty"`
	Itineraries   []domain.Itinerary `json:"itineraries"`
}

func ObjectKey(task domain.TaskRecord) string {
	p := task.Parameters
	return fmt.Sprintf("itineraries/%s/%s_%s/%s.json",
		p.Route(), p.DepartureDate.Format(time.DateOnly), p.ReturnDate.Format(time.DateOnly), task.ID)
}

func (s *ObjectSink) PersistItineraries(ctx context.Context, task domain.TaskRecord) error {
	p := task.Parameters
	its := task.Result
	if its == nil {
		its = []domain.Itinerary{}
	}
	body, err := json.Marshal(snapshot{
		TaskID:        task.ID,
		Origin:        p.Origin,
		Destination:   p.Destination,
		DepartureDate: p.DepartureDate.Format(time.DateOnly),
		ReturnDate:    p.ReturnDate.Format(time.DateOnly),
		CabinClasses:  p.CabinClasses,
		Attempts:      task.Attempts,
		CrawledAt:     task.EndedAt,
		Itineraries:   its,
	})
	if err != nil {
		return &Error{Sink: "minio", Err: errors.Wrap(err, "encode snapshot")}
	}
	key := ObjectKey(task)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return &Error{Sink: "minio", Err: errors.Wrapf(err, "put %s", key)}
	}
	return nil
}
