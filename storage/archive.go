package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// ArchiveConfig holds configuration for the S3-compatible log archive.
type ArchiveConfig struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Endpoint  string
	Region    string
}

// LogArchive ships finished encoder session logs to S3-compatible storage so
// a stall or crash can be diagnosed after the appliance is powered down.
type LogArchive struct {
	config   ArchiveConfig
	uploader *s3manager.Uploader
}

// NewLogArchive creates a new LogArchive instance.
func NewLogArchive(config ArchiveConfig) (*LogArchive, error) {
	if config.Region == "" {
		config.Region = "auto"
	}

	sess, err := session.NewSession(&aws.Config{
		Credentials:      credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %v", err)
	}

	// Sequential parts on a venue uplink: the archive must not compete with
	// the live stream for bandwidth.
	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 1
	})

	return &LogArchive{config: config, uploader: uploader}, nil
}

// ArchiveSessionLog uploads one session log under logs/<date>/<session id>/.
func (a *LogArchive) ArchiveSessionLog(localPath, sessionID string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open session log: %v", err)
	}
	defer f.Close()

	key := fmt.Sprintf("logs/%s/%s/%s",
		time.Now().Format("2006-01-02"), sessionID, filepath.Base(localPath))

	_, err = a.uploader.Upload(&s3manager.UploadInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload session log: %v", err)
	}

	log.Printf("[archive] uploaded session log %s to %s", localPath, key)
	return nil
}
