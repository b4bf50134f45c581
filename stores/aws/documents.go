package aws

import (
	"context"
	"docsync-server/core"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "documents/"

// Client is the subset of the S3 API the store uses. *s3.Client satisfies it.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type documentStore struct {
	client Client
	bucket string
}

// NewDocumentStore builds an S3 client from the default AWS config chain.
func NewDocumentStore(ctx context.Context, bucketName string) (*documentStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewDocumentStoreWithClient(s3.NewFromConfig(cfg), bucketName), nil
}

func NewDocumentStoreWithClient(client Client, bucketName string) *documentStore {
	return &documentStore{client: client, bucket: bucketName}
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	key, err := documentKey(id)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			log.WithField("error", "document not found").Warn("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", id, err)
	}

	doc := &core.Document{ID: id, Content: string(data)}
	if resp.LastModified != nil {
		doc.UpdatedAt = *resp.LastModified
	}
	log.Debug("Document retrieved successfully")
	return doc, nil
}

// Create fails with ErrDocumentExists if the key is present. The existence
// check and the put are separate requests, so two processes racing on a new
// id can both succeed; the later write wins.
func (s *documentStore) Create(ctx context.Context, document *core.Document) error {
	key, err := documentKey(document.ID)
	if err != nil {
		return err
	}
	log := logrus.WithField("document_id", document.ID)

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		log.Warn("Document already exists")
		return fmt.Errorf("document with id %s: %w", document.ID, core.ErrDocumentExists)
	}
	var nf *s3types.NotFound
	if !errors.As(err, &nf) {
		log.WithError(err).Error("Failed to check document")
		return fmt.Errorf("head document %s: %w", document.ID, err)
	}

	if err := s.put(ctx, key, document.Content); err != nil {
		log.WithError(err).Error("Failed to create document")
		return err
	}
	log.Info("Document created successfully")
	return nil
}

func (s *documentStore) Update(ctx context.Context, document *core.Document) error {
	key, err := documentKey(document.ID)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": document.ID,
		"data_length": len(document.Content),
	})

	if err := s.put(ctx, key, document.Content); err != nil {
		log.WithError(err).Error("Failed to update document")
		return err
	}
	log.Info("Document updated successfully")
	return nil
}

func (s *documentStore) ListIDs(ctx context.Context) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	})

	ids := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			logrus.WithError(err).Error("Failed to list documents")
			return nil, fmt.Errorf("list documents: %w", err)
		}
		for _, obj := range page.Contents {
			if id := strings.TrimPrefix(aws.ToString(obj.Key), keyPrefix); id != "" {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *documentStore) put(ctx context.Context, key, content string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata:    map[string]string{"updated-at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func documentKey(id string) (string, error) {
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidID, id)
	}
	return keyPrefix + id, nil
}
