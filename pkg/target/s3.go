/*
Copyright The MongoDB Backup System Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package target

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/anthrax3/mongodb-backup-system/pkg/log"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
)

const uploadPartSize = 10 * 1024 * 1024

// S3Config carries the settings needed to reach a bucket. Empty credentials
// fall back to the default AWS credential chain.
type S3Config struct {
	Bucket      string
	Region      string
	EndpointURL string
	AccessKey   string
	SecretKey   string
}

// S3Target uploads backup artifacts to an S3 bucket
type S3Target struct {
	bucket     string
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3Target builds a Target backed by an S3 bucket
func NewS3Target(ctx context.Context, cfg S3Config) (*S3Target, error) {
	var client *s3.Client
	if cfg.AccessKey != "" {
		client = s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		})
	} else {
		sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, mbserrors.NewTargetConnectionError(cfg.Bucket, err)
		}
		client = s3.NewFromConfig(sdkConfig)
	}
	return newS3TargetWithClient(cfg.Bucket, client), nil
}

func newS3TargetWithClient(bucket string, client *s3.Client) *S3Target {
	return &S3Target{
		bucket: bucket,
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
		}),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = uploadPartSize
		}),
	}
}

// ContainerName implements Target
func (t *S3Target) ContainerName() string { return t.bucket }

// PutFile implements Target: upload then verify existence and size
func (t *S3Target) PutFile(ctx context.Context, filePath string, destinationPath string) (*FileReference, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, mbserrors.NewTargetUploadError(destinationPath, t.bucket, err)
	}
	fileSize := info.Size()

	file, err := os.Open(filePath)
	if err != nil {
		return nil, mbserrors.NewTargetUploadError(destinationPath, t.bucket, err)
	}
	defer func() { _ = file.Close() }()

	log.Info("uploading file", "destinationPath", destinationPath,
		"container", t.bucket, "fileSize", fileSize)
	_, err = t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(destinationPath),
		Body:   file,
	})
	if err != nil {
		var noBucket *s3types.NoSuchBucket
		if errors.As(err, &noBucket) {
			return nil, mbserrors.NewTargetInaccessibleError(t.bucket, err)
		}
		return nil, mbserrors.NewTargetUploadError(destinationPath, t.bucket, err)
	}

	destSize, err := t.objectSize(ctx, destinationPath)
	if err != nil {
		return nil, err
	}
	if destSize != fileSize {
		return nil, mbserrors.NewUploadedFileSizeMismatchError(destinationPath, t.bucket, destSize, fileSize)
	}

	log.Info("upload verified", "destinationPath", destinationPath, "container", t.bucket)
	return NewFileReference(destinationPath, fileSize, t.bucket), nil
}

func (t *S3Target) objectSize(ctx context.Context, destinationPath string) (int64, error) {
	head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(destinationPath),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return 0, mbserrors.NewUploadedFileDoesNotExistError(destinationPath, t.bucket)
		}
		return 0, mbserrors.NewTargetConnectionError(t.bucket, err)
	}
	if head.ContentLength == nil {
		return 0, nil
	}
	return *head.ContentLength, nil
}

// GetFile implements Target
func (t *S3Target) GetFile(ctx context.Context, ref *FileReference, destinationDir string) (string, error) {
	localPath := filepath.Join(destinationDir, filepath.Base(ref.FileName))
	file, err := os.Create(localPath)
	if err != nil {
		return "", mbserrors.NewWorkspaceCreationError(destinationDir, err)
	}
	defer func() { _ = file.Close() }()

	log.Info("downloading file", "fileName", ref.FileName, "container", t.bucket, "localPath", localPath)
	_, err = t.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(ref.FileName),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return "", mbserrors.NewTargetFileNotFoundError(ref.FileName)
		}
		return "", mbserrors.NewTargetConnectionError(t.bucket, err)
	}
	return localPath, nil
}

// DeleteFile implements Target. Deleting a file that is already gone is not
// an error.
func (t *S3Target) DeleteFile(ctx context.Context, ref *FileReference) error {
	log.Info("deleting file", "fileName", ref.FileName, "container", t.bucket)
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(ref.FileName),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			log.Warning("file already deleted", "fileName", ref.FileName)
			return nil
		}
		return mbserrors.NewTargetDeleteError(ref.FileName, err)
	}
	return nil
}
