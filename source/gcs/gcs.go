// Package gcs implements sources on Google Cloud Storage,
// addressed as gs://bucket/object.
package gcs

import (
	"context"
	stderrs "errors"
	"io"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/source"
)

var _ source.Source = &Source{}

// Source reads ranges of one Cloud Storage object.
type Source struct {
	obj  *storage.ObjectHandle
	name string
}

// New produces a Source for the named object in bucket.
func New(bucket *storage.BucketHandle, name string) *Source {
	return &Source{obj: bucket.Object(name), name: name}
}

// ReadRange implements source.Source.
func (s *Source) ReadRange(ctx context.Context, off int64, n int) ([]byte, error) {
	r, err := s.obj.NewRangeReader(ctx, off, int64(n))
	if err != nil {
		return nil, classify(errors.Wrapf(err, "opening range of %s", s.name))
	}
	defer r.Close()

	buf := make([]byte, n)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return nil, classify(errors.Wrapf(err, "reading range of %s", s.name))
	}
	return buf, nil
}

// Open implements source.Source.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	r, err := s.obj.NewReader(ctx)
	if err != nil {
		return nil, classify(errors.Wrapf(err, "opening %s", s.name))
	}
	return r, nil
}

func (s *Source) String() string {
	return "gs://" + s.obj.BucketName() + "/" + s.name
}

// classify marks err with the appropriate error kind.
// A missing object or a client error is permanent;
// server errors and broken connections are retryable.
func classify(err error) error {
	if err := updater.Canceled(err); updater.Kind(err) == updater.ErrCancelled {
		return err
	}
	if stderrs.Is(err, storage.ErrObjectNotExist) || stderrs.Is(err, storage.ErrBucketNotExist) {
		return updater.Mark(updater.ErrTransport, err)
	}
	var gerr *googleapi.Error
	if stderrs.As(err, &gerr) {
		if gerr.Code == 408 || gerr.Code == 429 || gerr.Code >= 500 {
			return updater.Retryable(err)
		}
		return updater.Mark(updater.ErrTransport, err)
	}
	return updater.Retryable(err)
}

// CredsEnvVar names the environment variable consulted for a credentials file
// when a gs:// URL has no creds query parameter.
const CredsEnvVar = "ROSE_UPDATER_GCS_CREDS"

func init() {
	source.Register("gs", func(ctx context.Context, u *url.URL, _ source.Options) (source.Source, error) {
		var options []option.ClientOption
		if creds := u.Query().Get("creds"); creds != "" {
			options = append(options, option.WithCredentialsFile(creds))
		} else if creds := os.Getenv(CredsEnvVar); creds != "" {
			options = append(options, option.WithCredentialsFile(creds))
		}
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		name := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || name == "" {
			return nil, errors.Errorf("gs URL %s needs a bucket and an object name", u)
		}
		return New(c.Bucket(u.Host), name), nil
	})
}
