// Package objectstore resolves a storage URI (local path or s3:// bucket)
// and exposes uniform download, upload, and list operations over it.
package objectstore

import (
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/yargevad/filepathx"
)

// ObjectStore is the accessor the pipeline fetches documents through. Keys
// are slash-separated and relative to the store's root.
type ObjectStore interface {
	DownloadObject(key string, localPath string) error
	UploadObject(localPath string, key string) error
	ListObjects(prefix string) ([]string, error)
}

// S3Client is the subset of the S3 API that S3Store depends on; tests
// substitute a mock implementation.
type S3Client interface {
	GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error)
	PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error)
	ListObjectsV2(input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
}

// WriteCounter counts the number of bytes written to it, and every 10
// seconds it prints a message reporting the number of bytes written so far.
type WriteCounter struct {
	Total uint64
	Last  time.Time
	Path  string
	Size  uint64
}

func (wc *WriteCounter) Write(p []byte) (int, error) {
	n := len(p)
	wc.Total += uint64(n)
	if time.Now().Sub(wc.Last).Seconds() > 10 {
		wc.Last = time.Now()
		log.Printf("Downloading %s... %s / %s completed.",
			wc.Path, humanize.Bytes(wc.Total), humanize.Bytes(wc.Size))
	}
	return n, nil
}

// ParseURI splits a storage URI into scheme, bucket, and prefix. Anything
// that is not a valid URL is treated as a local path with an empty scheme.
func ParseURI(uri string) (scheme string, bucket string, prefix string) {
	parsed, parseErr := url.Parse(uri)
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", "", uri
	}
	return parsed.Scheme, parsed.Host,
		strings.TrimPrefix(parsed.Path, "/")
}

// NewStore resolves a URI to a concrete store, returning the store and the
// key prefix encoded in the URI. Only `s3://` and local paths are
// supported.
func NewStore(uri string) (ObjectStore, string, error) {
	scheme, bucket, prefix := ParseURI(uri)
	switch scheme {
	case "":
		return &LocalStore{Root: prefix}, "", nil
	case "s3":
		sess, sessErr := session.NewSessionWithOptions(session.Options{
			SharedConfigState: session.SharedConfigEnable,
		})
		if sessErr != nil {
			return nil, "", errors.Wrap(sessErr, "creating AWS session")
		}
		return &S3Store{Client: s3.New(sess), Bucket: bucket}, prefix, nil
	default:
		return nil, "", errors.Errorf(
			"unsupported storage scheme `%s` in %s", scheme, uri)
	}
}

// S3Store fetches and stores objects in a single S3 bucket.
type S3Store struct {
	Client S3Client
	Bucket string
}

// DownloadObject streams the object at `key` into `localPath`, reporting
// progress on slow transfers. The containing directory must already exist.
func (store *S3Store) DownloadObject(key string, localPath string) error {
	object, getErr := store.Client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    aws.String(key),
	})
	if getErr != nil {
		return errors.Wrapf(getErr, "fetching s3://%s/%s",
			store.Bucket, key)
	}
	defer object.Body.Close()

	localFile, openErr := os.OpenFile(localPath,
		os.O_TRUNC|os.O_RDWR|os.O_CREATE, 0755)
	if openErr != nil {
		return errors.Wrapf(openErr, "opening %s for write", localPath)
	}
	defer localFile.Close()

	var objectSize uint64
	if object.ContentLength != nil {
		objectSize = uint64(*object.ContentLength)
	}
	counter := &WriteCounter{
		Last: time.Now(),
		Path: fmt.Sprintf("s3://%s/%s", store.Bucket, key),
		Size: objectSize,
	}
	if _, copyErr := io.Copy(localFile,
		io.TeeReader(object.Body, counter)); copyErr != nil {
		return errors.Wrapf(copyErr, "downloading s3://%s/%s",
			store.Bucket, key)
	}
	return nil
}

// UploadObject stores the file at `localPath` under `key`.
func (store *S3Store) UploadObject(localPath string, key string) error {
	localFile, openErr := os.Open(localPath)
	if openErr != nil {
		return errors.Wrapf(openErr, "opening %s", localPath)
	}
	defer localFile.Close()
	if _, putErr := store.Client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    aws.String(key),
		Body:   localFile,
	}); putErr != nil {
		return errors.Wrapf(putErr, "uploading s3://%s/%s",
			store.Bucket, key)
	}
	return nil
}

// ListObjects returns the keys of every object under `prefix`, following
// continuation tokens until the listing is complete.
func (store *S3Store) ListObjects(prefix string) ([]string, error) {
	keys := make([]string, 0)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(store.Bucket),
		Prefix: aws.String(prefix),
	}
	for {
		page, listErr := store.Client.ListObjectsV2(input)
		if listErr != nil {
			return nil, errors.Wrapf(listErr, "listing s3://%s/%s",
				store.Bucket, prefix)
		}
		for _, object := range page.Contents {
			keys = append(keys, *object.Key)
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}
	return keys, nil
}

// LocalStore is an ObjectStore over a local directory, used when the input
// root is a plain path. Downloads are file copies.
type LocalStore struct {
	Root string
}

func (store *LocalStore) DownloadObject(key string, localPath string) error {
	sourcePath := filepath.Join(store.Root, filepath.FromSlash(key))
	source, openErr := os.Open(sourcePath)
	if openErr != nil {
		return errors.Wrapf(openErr, "opening %s", sourcePath)
	}
	defer source.Close()
	target, createErr := os.OpenFile(localPath,
		os.O_TRUNC|os.O_RDWR|os.O_CREATE, 0755)
	if createErr != nil {
		return errors.Wrapf(createErr, "opening %s for write", localPath)
	}
	defer target.Close()
	if _, copyErr := io.Copy(target, source); copyErr != nil {
		return errors.Wrapf(copyErr, "copying %s", sourcePath)
	}
	return nil
}

func (store *LocalStore) UploadObject(localPath string, key string) error {
	targetPath := filepath.Join(store.Root, filepath.FromSlash(key))
	if mkdirErr := os.MkdirAll(filepath.Dir(targetPath),
		0755); mkdirErr != nil {
		return errors.Wrapf(mkdirErr, "creating %s",
			filepath.Dir(targetPath))
	}
	source, openErr := os.Open(localPath)
	if openErr != nil {
		return errors.Wrapf(openErr, "opening %s", localPath)
	}
	defer source.Close()
	target, createErr := os.OpenFile(targetPath,
		os.O_TRUNC|os.O_RDWR|os.O_CREATE, 0755)
	if createErr != nil {
		return errors.Wrapf(createErr, "opening %s for write", targetPath)
	}
	defer target.Close()
	if _, copyErr := io.Copy(target, source); copyErr != nil {
		return errors.Wrapf(copyErr, "copying to %s", targetPath)
	}
	return nil
}

// ListObjects recursively globs every regular file under `prefix`,
// returning slash-separated keys relative to the store root.
func (store *LocalStore) ListObjects(prefix string) ([]string, error) {
	pattern := filepath.Join(store.Root, filepath.FromSlash(prefix),
		"**", "*")
	matches, globErr := filepathx.Glob(pattern)
	if globErr != nil {
		return nil, errors.Wrapf(globErr, "globbing %s", pattern)
	}
	keys := make([]string, 0, len(matches))
	for _, match := range matches {
		stat, statErr := os.Stat(match)
		if statErr != nil {
			return nil, statErr
		}
		if stat.IsDir() {
			continue
		}
		rel, relErr := filepath.Rel(store.Root, match)
		if relErr != nil {
			return nil, relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
	}
	return keys, nil
}

// UploadDir mirrors a local directory tree into the store under `prefix`.
// Used for the optional remote copy of a finished split.
func UploadDir(store ObjectStore, localDir string, prefix string) error {
	return filepath.Walk(localDir, func(walkPath string,
		info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(localDir, walkPath)
		if relErr != nil {
			return relErr
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		return store.UploadObject(walkPath, key)
	})
}
